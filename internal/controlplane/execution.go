// Package controlplane implements the Task Execution model and the
// HTTP client that reports lifecycle to the remote control plane.
package controlplane

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the remote-visible lifecycle status of a Task Execution.
type Status string

const (
	StatusRunning                Status = "RUNNING"
	StatusSucceeded              Status = "SUCCEEDED"
	StatusFailed                 Status = "FAILED"
	StatusTerminatedAfterTimeout Status = "TERMINATED_AFTER_TIMEOUT"
	StatusAborted                Status = "ABORTED"
	StatusMarkedDone             Status = "MARKED_DONE"
	StatusExitedAfterMarkedDone  Status = "EXITED_AFTER_MARKED_DONE"
)

// Execution is the lifecycle record for one supervised run. The
// control plane may assign the UUID on creation.
type Execution struct {
	UUID     string
	TaskName string
	Status   Status

	AttemptCount int
	FailedCount  int
	TimeoutCount int
	PID          int
	ExitCode     *int

	// StatusPayload carries free-form keys merged from the status
	// listener into the next update.
	StatusPayload map[string]any

	LastReportedAt time.Time

	mu        sync.Mutex
	finalized bool
}

// NewExecution creates a local execution record. The UUID is assigned
// locally and replaced if the control plane returns its own.
func NewExecution(taskName string) *Execution {
	return &Execution{
		UUID:          uuid.NewString(),
		TaskName:      taskName,
		Status:        StatusRunning,
		StatusPayload: make(map[string]any),
	}
}

// Finalize marks the execution finalized and reports whether this call
// was the first. Every terminal-report path goes through it, making
// the terminal report idempotent no matter which path ran first.
func (e *Execution) Finalize() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return false
	}
	e.finalized = true
	return true
}

// Finalized reports whether the terminal report already happened.
func (e *Execution) Finalized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalized
}

// MergeStatus shallow-merges listener payload keys into the pending
// status payload.
func (e *Execution) MergeStatus(fragment map[string]any) {
	for k, v := range fragment {
		e.StatusPayload[k] = v
	}
}
