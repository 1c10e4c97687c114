package config

import (
	"strings"
	"testing"
	"time"
)

func TestExitCodeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{409, 75},
		{403, 77},
		{500, ExitGeneric},
		{404, ExitGeneric},
	}
	for _, tt := range tests {
		if got := ExitCodeForStatus(tt.status); got != tt.want {
			t.Errorf("ExitCodeForStatus(%d) = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestOverlay_AppliesEnvironment(t *testing.T) {
	t.Setenv("TASKWRAP_TASK_NAME", "nightly-report")
	t.Setenv("TASKWRAP_OFFLINE", "true")
	t.Setenv("TASKWRAP_PROCESS_MAX_RETRIES", "4")
	t.Setenv("TASKWRAP_PROCESS_TIMEOUT", "90")
	t.Setenv("TASKWRAP_API_RETRY_DELAY", "250ms")
	t.Setenv("TASKWRAP_ENV_LOCATIONS", "a.env, b.env,")

	p := Default()
	if err := p.Overlay(); err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	if p.TaskName != "nightly-report" {
		t.Errorf("TaskName = %q", p.TaskName)
	}
	if !p.Offline {
		t.Error("Offline should be true")
	}
	if p.ProcessMaxRetries != 4 {
		t.Errorf("ProcessMaxRetries = %d", p.ProcessMaxRetries)
	}
	// Bare numbers are seconds, Go syntax passes through.
	if p.ProcessTimeout != 90*time.Second {
		t.Errorf("ProcessTimeout = %v", p.ProcessTimeout)
	}
	if p.APIRetryDelay != 250*time.Millisecond {
		t.Errorf("APIRetryDelay = %v", p.APIRetryDelay)
	}
	if len(p.EnvLocations) != 2 || p.EnvLocations[0] != "a.env" || p.EnvLocations[1] != "b.env" {
		t.Errorf("EnvLocations = %v", p.EnvLocations)
	}
}

func TestOverlay_AggregatesConversionErrors(t *testing.T) {
	t.Setenv("TASKWRAP_OFFLINE", "maybe")
	t.Setenv("TASKWRAP_PROCESS_MAX_RETRIES", "lots")

	p := Default()
	err := p.Overlay()
	if err == nil {
		t.Fatal("expected an error for bad overrides")
	}
	msg := err.Error()
	if !strings.Contains(msg, "TASKWRAP_OFFLINE") || !strings.Contains(msg, "TASKWRAP_PROCESS_MAX_RETRIES") {
		t.Errorf("error should name every bad override: %v", msg)
	}
}

func TestValidate_RequiresControlPlaneSettings(t *testing.T) {
	p := Default()
	p.Command = []string{"true"}
	err := p.Validate()
	if err == nil {
		t.Fatal("expected missing-parameter errors in online mode")
	}
	if !strings.Contains(err.Error(), "API base URL") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate_OfflineNeedsOnlyCommand(t *testing.T) {
	p := Default()
	p.Offline = true
	p.Command = []string{"true"}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_FunctionPlatformNeedsNoCommand(t *testing.T) {
	p := Default()
	p.Offline = true
	p.RuntimePlatform = PlatformLambda
	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate_RejectsBadMergeStrategy(t *testing.T) {
	p := Default()
	p.Offline = true
	p.Command = []string{"true"}
	p.MergeStrategy = "recursive"
	if err := p.Validate(); err == nil {
		t.Error("expected an error for an unknown merge strategy")
	}
}

func TestAttemptBudget(t *testing.T) {
	p := Default()
	if got := p.AttemptBudget(); got != 1 {
		t.Errorf("default budget = %d, want 1", got)
	}
	p.ProcessMaxRetries = 2
	if got := p.AttemptBudget(); got != 3 {
		t.Errorf("budget = %d, want 3", got)
	}
	p.ProcessMaxRetries = -1
	if got := p.AttemptBudget(); got != -1 {
		t.Errorf("budget = %d, want unbounded", got)
	}
}
