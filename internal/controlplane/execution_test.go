package controlplane

import "testing"

func TestNewExecution_AssignsLocalIdentity(t *testing.T) {
	ex := NewExecution("demo-task")
	if ex.UUID == "" {
		t.Error("expected a locally assigned UUID")
	}
	if ex.Status != StatusRunning {
		t.Errorf("Status = %s, want RUNNING", ex.Status)
	}
}

func TestFinalize_IsIdempotent(t *testing.T) {
	ex := NewExecution("demo-task")
	if ex.Finalized() {
		t.Fatal("fresh execution must not be finalized")
	}
	if !ex.Finalize() {
		t.Fatal("first Finalize must win")
	}
	if ex.Finalize() {
		t.Fatal("second Finalize must report already done")
	}
	if !ex.Finalized() {
		t.Fatal("Finalized should hold after Finalize")
	}
}

func TestMergeStatus(t *testing.T) {
	ex := NewExecution("demo-task")
	ex.MergeStatus(map[string]any{"success_count": 1.0, "stage": "load"})
	ex.MergeStatus(map[string]any{"success_count": 2.0})

	if ex.StatusPayload["success_count"] != 2.0 {
		t.Errorf("success_count = %v, want the later value", ex.StatusPayload["success_count"])
	}
	if ex.StatusPayload["stage"] != "load" {
		t.Errorf("stage = %v, earlier keys must survive", ex.StatusPayload["stage"])
	}
}
