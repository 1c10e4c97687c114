package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/szaher/taskwrap/internal/config"
	"github.com/szaher/taskwrap/internal/controlplane"
	"github.com/szaher/taskwrap/internal/errsink"
	"github.com/szaher/taskwrap/internal/listener"
	"github.com/szaher/taskwrap/internal/resolve"
	"github.com/szaher/taskwrap/internal/secrets"
	"github.com/szaher/taskwrap/internal/supervisor"
	"github.com/szaher/taskwrap/internal/telemetry"
)

// bindParamFlags registers the flags shared by run and resolve.
func bindParamFlags(cmd *cobra.Command, p *config.Params) {
	f := cmd.Flags()
	f.StringVar(&p.TaskName, "task-name", p.TaskName, "Task name known to the control plane")
	f.StringVar(&p.APIBaseURL, "api-base-url", p.APIBaseURL, "Control plane base URL")
	f.StringVar(&p.APIKey, "api-key", p.APIKey, "Control plane API key")
	f.BoolVar(&p.Offline, "offline", p.Offline, "Run without any control plane communication")
	f.BoolVar(&p.PreventOfflineExecution, "prevent-offline-execution", p.PreventOfflineExecution,
		"Abort instead of degrading when the control plane is unreachable")
	f.StringVar(&p.WorkDir, "work-dir", p.WorkDir, "Working directory for the command")
	f.DurationVar(&p.ProcessTimeout, "process-timeout", p.ProcessTimeout, "Kill the command after this long (0 = unbounded)")
	f.IntVar(&p.ProcessMaxRetries, "max-retries", p.ProcessMaxRetries, "Retries after a failed attempt (negative = unbounded)")
	f.DurationVar(&p.ProcessRetryDelay, "retry-delay", p.ProcessRetryDelay, "Delay between attempts")
	f.DurationVar(&p.ProcessCheckInterval, "check-interval", p.ProcessCheckInterval, "Process poll interval")
	f.DurationVar(&p.TerminationGracePeriod, "grace-period", p.TerminationGracePeriod, "Grace period between SIGTERM and SIGKILL")
	f.DurationVar(&p.HeartbeatInterval, "heartbeat-interval", p.HeartbeatInterval, "Heartbeat update interval (0 = none)")
	f.DurationVar(&p.StatusUpdateInterval, "status-interval", p.StatusUpdateInterval, "Minimum spacing between routine status updates")
	f.BoolVar(&p.StatusListenerEnabled, "enable-status-listener", p.StatusListenerEnabled, "Listen for status datagrams from the command")
	f.IntVar(&p.StatusListenerPort, "status-listener-port", p.StatusListenerPort, "UDP port for status datagrams")
	f.StringSliceVar(&p.EnvLocations, "env-location", p.EnvLocations, "Environment file location (repeatable)")
	f.StringSliceVar(&p.ConfigLocations, "config-location", p.ConfigLocations, "Configuration file location (repeatable)")
	f.IntVar(&p.ResolveMaxDepth, "resolve-max-depth", p.ResolveMaxDepth, "Resolution recursion depth (0 disables resolution)")
	f.BoolVar(&p.ResolveFailFast, "resolve-fail-fast", p.ResolveFailFast, "Abort resolution on the first provider failure")
	f.BoolVar(&p.OverwriteEnv, "overwrite-env", p.OverwriteEnv, "Let resolved values shadow the real environment")
	f.DurationVar(&p.SecretCacheTTL, "secret-cache-ttl", p.SecretCacheTTL, "Secret cache time-to-live (0 disables caching)")
	f.DurationVar(&p.ConfigTTL, "config-ttl", p.ConfigTTL, "Re-resolve secrets between attempts after this long (0 = never)")
	f.StringVar(&p.ErrorSinkURL, "error-sink-url", p.ErrorSinkURL, "Webhook URL for operational error reports")
}

// buildEngine assembles the resolution engine. Cloud providers stay
// disabled when no AWS configuration is available; they only fail if a
// value actually dispatches to them.
func buildEngine(ctx context.Context, p *config.Params, cache *secrets.Cache, logger *slog.Logger, redact *secrets.RedactFilter) *resolve.Engine {
	var clients resolve.Clients
	if awsCfg, err := awsconfig.LoadDefaultConfig(ctx); err == nil {
		clients.SecretsManager = secretsmanager.NewFromConfig(awsCfg)
		clients.S3 = s3.NewFromConfig(awsCfg)
	} else {
		logger.Debug("AWS configuration unavailable, cloud providers disabled", "error", err)
	}

	opts := resolve.Options{
		MaxDepth:              p.ResolveMaxDepth,
		MaxIterations:         p.ResolveMaxIterations,
		FailFast:              p.ResolveFailFast,
		OverwriteEnv:          p.OverwriteEnv,
		DeepMerge:             p.MergeStrategy == "deep",
		EnvPrefix:             p.EnvVarPrefix,
		EnvSuffix:             p.EnvVarSuffix,
		ConfigPrefix:          p.ConfigPropPrefix,
		ConfigSuffix:          p.ConfigPropSuffix,
		EnvLocations:          p.EnvLocations,
		ConfigLocations:       p.ConfigLocations,
		EnvVarForFinalConfig:  p.EnvVarForFinalConfig,
		ConfigPropForFinalEnv: p.ConfigPropForFinalEnv,
	}
	return resolve.NewEngine(opts, clients, cache, logger, redact)
}

func newRunCmd() *cobra.Command {
	p := config.Default()

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Resolve the environment, run the command, report lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Command = args
			p.WrapperVersion = version
			if err := p.Overlay(); err != nil {
				return err
			}
			p.RuntimePlatform = config.DetectPlatform()
			if err := p.Validate(); err != nil {
				return err
			}

			ctx := telemetry.WithCorrelationID(context.Background(), "")
			redact := secrets.NewRedactFilter(newLogger().Handler())
			logger := telemetry.ExecutionLogger(slog.New(redact), ctx, p.TaskName)

			cache := secrets.NewCache(p.SecretCacheTTL)
			engine := buildEngine(ctx, p, cache, logger, redact)
			sink := errsink.New(p.ErrorSinkURL, p.ErrorSinkMaxRetries, p.ErrorSinkRetryDelay, logger)

			var client *controlplane.Client
			if !p.Offline {
				client = controlplane.NewClient(p, sink, logger)
			}

			var lst *listener.Listener
			if p.StatusListenerEnabled {
				var err error
				lst, err = listener.New(p.StatusListenerPort, p.StatusMessageMaxBytes, logger)
				if err != nil {
					return err
				}
			}

			sup := supervisor.New(p, client, engine, cache, sink, lst, logger)
			code := sup.Run(ctx)
			if lst != nil {
				_ = lst.Close()
			}
			os.Exit(code)
			return nil
		},
	}

	bindParamFlags(cmd, p)
	return cmd
}

func newResolveCmd() *cobra.Command {
	p := config.Default()
	var showConfig bool

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the resolved environment without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := p.Overlay(); err != nil {
				return err
			}

			logger := newLogger()
			cache := secrets.NewCache(p.SecretCacheTTL)
			ctx := context.Background()
			engine := buildEngine(ctx, p, cache, logger, nil)

			base := environMap()
			result, err := engine.Resolve(ctx, map[string]any{}, base)
			if err != nil {
				return err
			}
			if result.Failed() {
				return fmt.Errorf("resolution failures: env=%v config=%v",
					result.FailedEnv, result.FailedConfig)
			}

			if showConfig {
				out, err := yaml.Marshal(result.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			}

			keys := make([]string, 0, len(result.Env))
			for k := range result.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s=%s\n", k, result.Env[k])
			}
			return nil
		},
	}

	bindParamFlags(cmd, p)
	cmd.Flags().BoolVar(&showConfig, "config", false, "Print the resolved configuration tree instead")
	return cmd
}

func environMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
