// Package config holds the wrapper parameters, their environment
// variable overlay, and process exit code mapping.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Exit codes follow sysexits.h where a convention exists.
const (
	ExitSuccess     = 0
	ExitGeneric     = 1
	ExitConfigError = 78

	exitConflict         = 75
	exitPermissionDenied = 77
)

// ExitCodeForStatus maps a control-plane HTTP status to the exit code
// used when that status causes a hard abort.
func ExitCodeForStatus(status int) int {
	switch status {
	case 409:
		return exitConflict
	case 403:
		return exitPermissionDenied
	default:
		return ExitGeneric
	}
}

// envPrefix is prepended to every parameter's environment variable name.
const envPrefix = "TASKWRAP_"

// Params is the full configuration of one supervised execution.
// Every field can be overridden by a TASKWRAP_* environment variable;
// flags provide the defaults.
type Params struct {
	// Identity and control plane.
	TaskName          string
	TaskExecutionUUID string
	APIBaseURL        string
	APIKey            string
	Offline           bool

	// Control-plane request budgets.
	APIRequestTimeout             time.Duration
	APIErrorTimeout               time.Duration
	APICreationErrorTimeout       time.Duration
	APICreationConflictTimeout    time.Duration
	APIFinalUpdateTimeout         time.Duration
	APIRetryDelay                 time.Duration
	APICreationConflictRetryDelay time.Duration
	APIResumeDelay                time.Duration
	StatusUpdateInterval          time.Duration
	PreventOfflineExecution       bool

	// Child process supervision.
	Command                []string
	WorkDir                string
	ProcessTimeout         time.Duration
	ProcessMaxRetries      int
	ProcessRetryDelay      time.Duration
	ProcessCheckInterval   time.Duration
	TerminationGracePeriod time.Duration
	HeartbeatInterval      time.Duration

	// Status listener.
	StatusListenerEnabled bool
	StatusListenerPort    int
	StatusMessageMaxBytes int

	// Resolution.
	ResolveMaxDepth       int
	ResolveMaxIterations  int
	ResolveFailFast       bool
	OverwriteEnv          bool
	MergeStrategy         string // "shallow" or "deep"
	EnvLocations          []string
	ConfigLocations       []string
	EnvVarPrefix          string
	EnvVarSuffix          string
	ConfigPropPrefix      string
	ConfigPropSuffix      string
	SecretCacheTTL        time.Duration
	ConfigTTL             time.Duration
	EnvVarForFinalConfig  string
	ConfigPropForFinalEnv string

	// Error sink.
	ErrorSinkURL        string
	ErrorSinkMaxRetries int
	ErrorSinkRetryDelay time.Duration

	// Detected, not configured.
	RuntimePlatform Platform

	// WrapperVersion is set by the CLI from its build metadata and
	// reported in the execution create body.
	WrapperVersion string
}

// Default returns the parameter defaults applied before flag and
// environment overlay.
func Default() *Params {
	return &Params{
		APIRequestTimeout:             30 * time.Second,
		APIErrorTimeout:               5 * time.Minute,
		APICreationErrorTimeout:       5 * time.Minute,
		APICreationConflictTimeout:    30 * time.Minute,
		APIFinalUpdateTimeout:         30 * time.Minute,
		APIRetryDelay:                 10 * time.Second,
		APICreationConflictRetryDelay: 30 * time.Second,
		APIResumeDelay:                5 * time.Minute,
		StatusUpdateInterval:          0,
		ProcessTimeout:                0,
		ProcessMaxRetries:             0,
		ProcessRetryDelay:             0,
		ProcessCheckInterval:          10 * time.Second,
		TerminationGracePeriod:        30 * time.Second,
		HeartbeatInterval:             0,
		StatusListenerPort:            2373,
		StatusMessageMaxBytes:         64 * 1024,
		ResolveMaxDepth:               5,
		ResolveMaxIterations:          20,
		ResolveFailFast:               true,
		MergeStrategy:                 "shallow",
		EnvVarSuffix:                  "_FOR_TASKWRAP_TO_RESOLVE",
		ConfigPropSuffix:              "__to_resolve",
		SecretCacheTTL:                0,
		ErrorSinkMaxRetries:           2,
		ErrorSinkRetryDelay:           5 * time.Second,
		WrapperVersion:                "dev",
	}
}

// Overlay applies TASKWRAP_* environment variables on top of p.
// All conversion failures are aggregated into one error so a bad
// deployment reports every mistake at once.
func (p *Params) Overlay() error {
	var bad []string

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			b, err := strconv.ParseBool(strings.ToLower(v))
			if err != nil {
				bad = append(bad, fmt.Sprintf("%s%s=%q: not a boolean", envPrefix, name, v))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, fmt.Sprintf("%s%s=%q: not an integer", envPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	// Durations accept either Go duration syntax or a bare number of seconds.
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = time.Duration(secs * float64(time.Second))
				return
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				bad = append(bad, fmt.Sprintf("%s%s=%q: not a duration", envPrefix, name, v))
				return
			}
			*dst = d
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			var out []string
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			*dst = out
		}
	}

	str("TASK_NAME", &p.TaskName)
	str("TASK_EXECUTION_UUID", &p.TaskExecutionUUID)
	str("API_BASE_URL", &p.APIBaseURL)
	str("API_KEY", &p.APIKey)
	boolean("OFFLINE", &p.Offline)
	duration("API_REQUEST_TIMEOUT", &p.APIRequestTimeout)
	duration("API_ERROR_TIMEOUT", &p.APIErrorTimeout)
	duration("API_TASK_CREATION_ERROR_TIMEOUT", &p.APICreationErrorTimeout)
	duration("API_TASK_CREATION_CONFLICT_TIMEOUT", &p.APICreationConflictTimeout)
	duration("API_FINAL_UPDATE_TIMEOUT", &p.APIFinalUpdateTimeout)
	duration("API_RETRY_DELAY", &p.APIRetryDelay)
	duration("API_TASK_CREATION_CONFLICT_RETRY_DELAY", &p.APICreationConflictRetryDelay)
	duration("API_RESUME_DELAY", &p.APIResumeDelay)
	duration("STATUS_UPDATE_INTERVAL", &p.StatusUpdateInterval)
	boolean("PREVENT_OFFLINE_EXECUTION", &p.PreventOfflineExecution)
	str("WORK_DIR", &p.WorkDir)
	duration("PROCESS_TIMEOUT", &p.ProcessTimeout)
	integer("PROCESS_MAX_RETRIES", &p.ProcessMaxRetries)
	duration("PROCESS_RETRY_DELAY", &p.ProcessRetryDelay)
	duration("PROCESS_CHECK_INTERVAL", &p.ProcessCheckInterval)
	duration("PROCESS_TERMINATION_GRACE_PERIOD", &p.TerminationGracePeriod)
	duration("HEARTBEAT_INTERVAL", &p.HeartbeatInterval)
	boolean("ENABLE_STATUS_LISTENER", &p.StatusListenerEnabled)
	integer("STATUS_LISTENER_PORT", &p.StatusListenerPort)
	integer("STATUS_MESSAGE_MAX_BYTES", &p.StatusMessageMaxBytes)
	integer("RESOLVE_MAX_DEPTH", &p.ResolveMaxDepth)
	integer("RESOLVE_MAX_ITERATIONS", &p.ResolveMaxIterations)
	boolean("RESOLVE_FAIL_FAST", &p.ResolveFailFast)
	boolean("OVERWRITE_ENV_DURING_RESOLUTION", &p.OverwriteEnv)
	str("MERGE_STRATEGY", &p.MergeStrategy)
	list("ENV_LOCATIONS", &p.EnvLocations)
	list("CONFIG_LOCATIONS", &p.ConfigLocations)
	str("RESOLVABLE_ENV_VAR_PREFIX", &p.EnvVarPrefix)
	str("RESOLVABLE_ENV_VAR_SUFFIX", &p.EnvVarSuffix)
	str("RESOLVABLE_CONFIG_PROPERTY_PREFIX", &p.ConfigPropPrefix)
	str("RESOLVABLE_CONFIG_PROPERTY_SUFFIX", &p.ConfigPropSuffix)
	duration("SECRET_CACHE_TTL", &p.SecretCacheTTL)
	duration("CONFIG_TTL", &p.ConfigTTL)
	str("ENV_VAR_FOR_FINAL_CONFIG", &p.EnvVarForFinalConfig)
	str("CONFIG_PROPERTY_FOR_FINAL_ENV", &p.ConfigPropForFinalEnv)
	str("ERROR_SINK_URL", &p.ErrorSinkURL)
	integer("ERROR_SINK_MAX_RETRIES", &p.ErrorSinkMaxRetries)
	duration("ERROR_SINK_RETRY_DELAY", &p.ErrorSinkRetryDelay)

	if len(bad) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(bad, "; "))
	}
	return nil
}

// Validate checks the overlaid parameters. Errors here are
// configuration errors (exit code 78), never runtime failures.
func (p *Params) Validate() error {
	var missing []string

	if len(p.Command) == 0 && !p.RuntimePlatform.IsFunction() {
		missing = append(missing, "command")
	}
	if !p.Offline {
		if p.APIBaseURL == "" {
			missing = append(missing, "API base URL (TASKWRAP_API_BASE_URL)")
		}
		if p.APIKey == "" {
			missing = append(missing, "API key (TASKWRAP_API_KEY)")
		}
		if p.TaskName == "" && p.TaskExecutionUUID == "" {
			missing = append(missing, "task name (TASKWRAP_TASK_NAME)")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameters: %s", strings.Join(missing, ", "))
	}

	switch p.MergeStrategy {
	case "shallow", "deep":
	default:
		return fmt.Errorf("unknown merge strategy %q (expected shallow or deep)", p.MergeStrategy)
	}
	if p.StatusListenerPort < 0 || p.StatusListenerPort > 65535 {
		return fmt.Errorf("status listener port %d out of range", p.StatusListenerPort)
	}
	if p.ResolveMaxIterations < 1 {
		return fmt.Errorf("resolve max iterations must be at least 1, got %d", p.ResolveMaxIterations)
	}
	return nil
}

// AttemptBudget returns the number of attempts allowed, or -1 for
// unbounded when max retries is negative.
func (p *Params) AttemptBudget() int {
	if p.ProcessMaxRetries < 0 {
		return -1
	}
	return p.ProcessMaxRetries + 1
}
