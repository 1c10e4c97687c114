// Package supervisor owns the child process lifecycle: launch,
// heartbeat cadence, timeout escalation, retries, and the exactly-once
// terminal report to the control plane.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/szaher/taskwrap/internal/config"
	"github.com/szaher/taskwrap/internal/controlplane"
	"github.com/szaher/taskwrap/internal/errsink"
	"github.com/szaher/taskwrap/internal/listener"
	"github.com/szaher/taskwrap/internal/resolve"
	"github.com/szaher/taskwrap/internal/secrets"
)

// Supervisor drives one Task Execution: sequential attempts of a
// single child command, status reporting, and finalization.
type Supervisor struct {
	params   *config.Params
	client   *controlplane.Client
	engine   *resolve.Engine
	cache    *secrets.Cache
	sink     *errsink.Sink
	listener *listener.Listener
	logger   *slog.Logger

	execution *controlplane.Execution
	childEnv  []string

	lastResolvedAt time.Time

	signalCaught atomic.Bool
	sigCh        chan os.Signal

	// skipFinalReport is set when the control plane already learned
	// about the conflict that caused termination.
	skipFinalReport bool

	// lastStatusResponse holds the most recent control plane response
	// so the marked-done check needs no extra round trip.
	lastStatusResponse map[string]any
	wasMarkedDone      bool

	lastReportedFailed  int
	lastReportedTimeout int
	lastReportedPID     int
}

// New assembles a supervisor. client may be nil for offline mode;
// lst may be nil when the status listener is disabled.
func New(p *config.Params, client *controlplane.Client, engine *resolve.Engine, cache *secrets.Cache, sink *errsink.Sink, lst *listener.Listener, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		params:    p,
		client:    client,
		engine:    engine,
		cache:     cache,
		sink:      sink,
		listener:  lst,
		logger:    logger,
		execution: controlplane.NewExecution(p.TaskName),
		sigCh:     make(chan os.Signal, 1),
	}
}

// Run resolves the environment, creates the remote execution record,
// and supervises attempts until success, exhaustion, or abort. The
// return value is the wrapper's process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	signal.Notify(s.sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(s.sigCh)

	if s.params.TaskExecutionUUID != "" {
		s.execution.UUID = s.params.TaskExecutionUUID
	}

	if err := s.resolveEnvironment(ctx); err != nil {
		s.logger.Error("environment resolution failed", "error", err)
		s.sink.Report(ctx, "environment resolution failed", map[string]any{"error": err.Error()})
		return config.ExitConfigError
	}

	if code, ok := s.createRemoteExecution(ctx); !ok {
		return code
	}

	budget := s.params.AttemptBudget()
	attempt := 0
	for {
		attempt++
		s.execution.AttemptCount = attempt

		exitCode, timedOut, startErr := s.runAttempt(ctx)
		if startErr != nil {
			s.logger.Error("launching child failed", "error", startErr)
			s.sink.Report(ctx, "launching child failed", map[string]any{"error": startErr.Error()})
			s.finalReport(ctx, controlplane.StatusFailed, nil)
			return config.ExitConfigError
		}

		if s.signalCaught.Load() {
			s.finalReport(ctx, controlplane.StatusAborted, &exitCode)
			return config.ExitGeneric
		}

		if s.wasMarkedDone {
			s.execution.ExitCode = &exitCode
			s.finalReport(ctx, controlplane.StatusExitedAfterMarkedDone, &exitCode)
			return config.ExitSuccess
		}

		if timedOut {
			s.execution.TimeoutCount++
		} else if exitCode == 0 {
			s.execution.ExitCode = &exitCode
			s.finalReport(ctx, controlplane.StatusSucceeded, &exitCode)
			return config.ExitSuccess
		} else {
			s.execution.FailedCount++
		}
		s.execution.ExitCode = &exitCode

		lastAttempt := budget >= 0 && attempt >= budget
		if lastAttempt {
			status := controlplane.StatusFailed
			if timedOut {
				status = controlplane.StatusTerminatedAfterTimeout
			}
			s.finalReport(ctx, status, &exitCode)
			if exitCode == 0 {
				exitCode = config.ExitGeneric
			}
			return exitCode
		}

		s.logger.Info("attempt failed, retrying",
			"attempt", attempt, "exit_code", exitCode, "timed_out", timedOut)
		// Counter changes make this update important: it bypasses the
		// status-update interval.
		s.reportStatus(ctx, controlplane.StatusRunning, true)
		if s.markedDone(ctx) {
			s.finalReport(ctx, controlplane.StatusExitedAfterMarkedDone, &exitCode)
			return config.ExitSuccess
		}

		if s.params.ProcessRetryDelay > 0 {
			if !s.interruptibleSleep(s.params.ProcessRetryDelay) {
				s.finalReport(ctx, controlplane.StatusAborted, &exitCode)
				return config.ExitGeneric
			}
		}

		if s.params.ConfigTTL > 0 && time.Since(s.lastResolvedAt) >= s.params.ConfigTTL {
			s.cache.Purge()
			if err := s.resolveEnvironment(ctx); err != nil {
				s.logger.Error("refreshing resolved environment failed", "error", err)
				s.finalReport(ctx, controlplane.StatusFailed, &exitCode)
				return config.ExitConfigError
			}
		}
	}
}

// resolveEnvironment runs the resolution engine and builds the child
// environment slice. A failed lookup is a configuration error before
// the child ever launches.
func (s *Supervisor) resolveEnvironment(ctx context.Context) error {
	base := environMap()
	result, err := s.engine.Resolve(ctx, map[string]any{}, base)
	if err != nil {
		return err
	}
	if result.Failed() {
		return fmt.Errorf("resolution failures: env=%v config=%v", result.FailedEnv, result.FailedConfig)
	}
	if len(result.UnresolvedEnv) > 0 || len(result.UnresolvedConfig) > 0 {
		s.logger.Warn("continuing with unresolved lookups",
			"env", result.UnresolvedEnv, "config", result.UnresolvedConfig)
	}

	env := make([]string, 0, len(result.Env)+8)
	for k, v := range result.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, s.injectedEnv()...)
	s.childEnv = env
	s.lastResolvedAt = time.Now()
	return nil
}

// injectedEnv is the contract with the child: control-plane identity,
// retry and timeout configuration, and the status listener port.
func (s *Supervisor) injectedEnv() []string {
	out := []string{
		"TASKWRAP_TASK_EXECUTION_UUID=" + s.execution.UUID,
		"TASKWRAP_TASK_NAME=" + s.params.TaskName,
		"TASKWRAP_PROCESS_MAX_RETRIES=" + strconv.Itoa(s.params.ProcessMaxRetries),
		"TASKWRAP_PROCESS_TIMEOUT=" + strconv.FormatInt(int64(s.params.ProcessTimeout/time.Second), 10),
	}
	if s.params.APIBaseURL != "" {
		out = append(out, "TASKWRAP_API_BASE_URL="+s.params.APIBaseURL)
	}
	if s.listener != nil {
		out = append(out, "TASKWRAP_STATUS_LISTENER_PORT="+strconv.Itoa(s.listener.Port()))
	}
	return out
}

// createRemoteExecution sends the creation request. The bool result is
// false when the run must stop with the returned exit code.
func (s *Supervisor) createRemoteExecution(ctx context.Context) (int, bool) {
	if s.client == nil {
		return 0, true
	}

	body := s.statusBody(controlplane.StatusRunning)
	body["task"] = map[string]any{"name": s.params.TaskName}
	body["wrapper_version"] = s.params.WrapperVersion
	body["execution_method_details"] = map[string]any{"runtime_platform": string(s.params.RuntimePlatform)}
	body["process_max_retries"] = s.params.ProcessMaxRetries
	body["process_timeout_seconds"] = int64(s.params.ProcessTimeout / time.Second)
	body["heartbeat_interval_seconds"] = int64(s.params.HeartbeatInterval / time.Second)
	body["status_update_interval_seconds"] = int64(s.params.StatusUpdateInterval / time.Second)

	resp, err := s.client.CreateExecution(ctx, s.execution, body)
	if err != nil {
		var abort *controlplane.AbortError
		if errors.As(err, &abort) {
			s.logger.Error("execution creation aborted", "error", abort)
			// The control plane already knows about the conflict, so
			// a terminal report would be a duplicate.
			s.skipFinalReport = s.client.ConflictSeen()
			s.finalReport(ctx, controlplane.StatusAborted, nil)
			return abort.ExitCode, false
		}
		s.logger.Error("execution creation failed", "error", err)
		return config.ExitGeneric, false
	}
	if resp == nil {
		if s.params.PreventOfflineExecution {
			s.logger.Error("control plane unreachable and offline execution prevented")
			return config.ExitGeneric, false
		}
		s.logger.Warn("control plane unreachable, continuing offline")
	}
	return 0, true
}

// runAttempt launches the child once and supervises it until exit,
// timeout escalation, or an external termination signal.
func (s *Supervisor) runAttempt(ctx context.Context) (exitCode int, timedOut bool, err error) {
	if len(s.params.Command) == 0 {
		return 0, false, fmt.Errorf("no command configured")
	}

	cmd := exec.Command(s.params.Command[0], s.params.Command[1:]...)
	cmd.Dir = s.params.WorkDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = s.childEnv
	// Own process group so termination signals reach the whole child
	// tree, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, false, fmt.Errorf("starting %q: %w", s.params.Command[0], err)
	}
	pid := cmd.Process.Pid
	s.execution.PID = pid
	if s.client != nil {
		s.client.MarkExecutionStarted()
	}
	s.logger.Info("child started", "pid", pid, "attempt", s.execution.AttemptCount)
	s.reportStatus(ctx, controlplane.StatusRunning, true)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var finishDeadline time.Time
	if s.params.ProcessTimeout > 0 {
		finishDeadline = time.Now().Add(s.params.ProcessTimeout)
	}
	var nextHeartbeat time.Time
	if s.params.HeartbeatInterval > 0 {
		nextHeartbeat = time.Now().Add(s.params.HeartbeatInterval)
	}

	for {
		s.drainListener(ctx)

		select {
		case waitErr := <-waitCh:
			return exitCodeOf(cmd, waitErr), false, nil

		case <-s.sigCh:
			s.signalCaught.Store(true)
			s.logger.Warn("termination signal received, stopping child", "pid", pid)
			code := s.terminate(cmd, waitCh)
			return code, false, nil

		case <-time.After(s.sleepInterval(finishDeadline, nextHeartbeat)):
		}

		// Re-check opportunistically: the child may have exited during
		// the sleep.
		select {
		case waitErr := <-waitCh:
			return exitCodeOf(cmd, waitErr), false, nil
		default:
		}

		if !finishDeadline.IsZero() && time.Now().After(finishDeadline) {
			s.logger.Warn("process timeout exceeded, terminating", "pid", pid)
			s.terminate(cmd, waitCh)
			return config.ExitGeneric, true, nil
		}

		if !nextHeartbeat.IsZero() && time.Now().After(nextHeartbeat) {
			s.reportStatus(ctx, controlplane.StatusRunning, false)
			if s.markedDone(ctx) {
				s.wasMarkedDone = true
				s.terminate(cmd, waitCh)
				return 0, false, nil
			}
			nextHeartbeat = time.Now().Add(s.params.HeartbeatInterval)
		}
	}
}

// sleepInterval picks the nearest of the three per-attempt deadlines.
func (s *Supervisor) sleepInterval(finishDeadline, nextHeartbeat time.Time) time.Duration {
	interval := s.params.ProcessCheckInterval
	if interval <= 0 {
		interval = time.Second
	}
	now := time.Now()
	if !finishDeadline.IsZero() {
		if d := finishDeadline.Sub(now); d < interval {
			interval = d
		}
	}
	if !nextHeartbeat.IsZero() {
		if d := nextHeartbeat.Sub(now); d < interval {
			interval = d
		}
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// terminate escalates: graceful-stop signal to the process group, wait
// up to the grace period, then force-kill.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitCh chan error) int {
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case waitErr := <-waitCh:
		return exitCodeOf(cmd, waitErr)
	case <-time.After(s.params.TerminationGracePeriod):
	}

	s.logger.Warn("grace period expired, force killing", "pid", pid)
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	waitErr := <-waitCh
	return exitCodeOf(cmd, waitErr)
}

// drainListener merges pending status datagrams and may trigger an
// out-of-band report when the cadence allows one.
func (s *Supervisor) drainListener(ctx context.Context) {
	if s.listener == nil {
		return
	}
	if n := s.listener.Drain(); n > 0 {
		s.execution.MergeStatus(s.listener.Status())
		if s.client != nil && s.client.ShouldSendStatus(false) {
			s.reportStatus(ctx, controlplane.StatusRunning, false)
		}
	}
}

// interruptibleSleep sleeps for d, returning false if a termination
// signal arrived first.
func (s *Supervisor) interruptibleSleep(d time.Duration) bool {
	select {
	case <-s.sigCh:
		s.signalCaught.Store(true)
		return false
	case <-time.After(d):
		return true
	}
}

// statusBody builds an update body. Failure and timeout counters are
// only present once non-zero so a clean run reports neither.
func (s *Supervisor) statusBody(status controlplane.Status) map[string]any {
	body := map[string]any{
		"status":        string(status),
		"attempt_count": s.execution.AttemptCount,
	}
	if s.execution.FailedCount > 0 {
		body["failed_attempts"] = s.execution.FailedCount
	}
	if s.execution.TimeoutCount > 0 {
		body["timed_out_attempts"] = s.execution.TimeoutCount
	}
	if s.execution.PID > 0 {
		body["pid"] = s.execution.PID
	}
	if s.execution.ExitCode != nil {
		body["exit_code"] = *s.execution.ExitCode
	}
	for k, v := range s.execution.StatusPayload {
		body[k] = v
	}
	return body
}

// reportStatus sends a non-terminal update subject to the cadence.
func (s *Supervisor) reportStatus(ctx context.Context, status controlplane.Status, important bool) {
	if s.client == nil || s.execution.Finalized() {
		return
	}
	important = important ||
		s.execution.FailedCount != s.lastReportedFailed ||
		s.execution.TimeoutCount != s.lastReportedTimeout ||
		s.execution.PID != s.lastReportedPID
	if !s.client.ShouldSendStatus(important) {
		return
	}

	resp, err := s.client.UpdateExecution(ctx, s.execution, s.statusBody(status), controlplane.ClassGeneric)
	if err != nil {
		var abort *controlplane.AbortError
		if errors.As(err, &abort) {
			s.logger.Error("status update aborted", "error", abort)
		}
		return
	}
	if resp != nil {
		s.lastStatusResponse = resp
		s.lastReportedFailed = s.execution.FailedCount
		s.lastReportedTimeout = s.execution.TimeoutCount
		s.lastReportedPID = s.execution.PID
	}
}

// markedDone reports whether the control plane marked this execution
// done out from under us.
func (s *Supervisor) markedDone(_ context.Context) bool {
	if s.lastStatusResponse == nil {
		return false
	}
	status, _ := s.lastStatusResponse["status"].(string)
	return controlplane.Status(status) == controlplane.StatusMarkedDone
}

// finalReport sends the terminal update exactly once. A termination
// signal forces ABORTED regardless of the child's outcome.
func (s *Supervisor) finalReport(ctx context.Context, status controlplane.Status, exitCode *int) {
	if !s.execution.Finalize() {
		return
	}
	if s.signalCaught.Load() && status != controlplane.StatusAborted {
		status = controlplane.StatusAborted
	}
	s.execution.Status = status
	s.logger.Info("execution finished", "status", string(status))

	if s.client == nil || s.skipFinalReport {
		return
	}
	body := s.statusBody(status)
	if exitCode != nil {
		body["exit_code"] = *exitCode
	}
	body["finished_at"] = time.Now().UTC().Format(time.RFC3339)
	if _, err := s.client.UpdateExecution(ctx, s.execution, body, controlplane.ClassFinalUpdate); err != nil {
		s.logger.Error("terminal report failed", "error", err)
		s.sink.Report(ctx, "terminal report failed", map[string]any{
			"status": string(status),
			"error":  err.Error(),
		})
	}
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return config.ExitGeneric
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
