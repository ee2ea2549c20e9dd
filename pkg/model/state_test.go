package model

import "testing"

func TestTaskState_IsFinal(t *testing.T) {
	tests := []struct {
		state TaskState
		final bool
	}{
		{TaskStateWaiting, false},
		{TaskStateQueued, false},
		{TaskStateReady, false},
		{TaskStateSubmitted, false},
		{TaskStateRunning, false},
		{TaskStateSubmitFailed, true},
		{TaskStateSucceeded, true},
		{TaskStateFailed, true},
		{TaskStateExpired, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsFinal(); got != tt.final {
			t.Errorf("TaskState(%q).IsFinal() = %v, want %v", tt.state, got, tt.final)
		}
	}
}

func TestTaskState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  TaskState
		to    TaskState
		valid bool
	}{
		// Valid transitions
		{TaskStateWaiting, TaskStateQueued, true},
		{TaskStateQueued, TaskStateReady, true},
		{TaskStateQueued, TaskStateFailed, true},
		{TaskStateReady, TaskStateSubmitted, true},
		{TaskStateReady, TaskStateSubmitFailed, true},
		{TaskStateReady, TaskStateWaiting, true},
		{TaskStateReady, TaskStateRunning, true},
		{TaskStateReady, TaskStateFailed, true},
		{TaskStateSubmitted, TaskStateRunning, true},
		{TaskStateSubmitted, TaskStateWaiting, true},
		{TaskStateRunning, TaskStateSucceeded, true},
		{TaskStateRunning, TaskStateFailed, true},
		{TaskStateRunning, TaskStateWaiting, true},
		{TaskStateFailed, TaskStateQueued, true},
		{TaskStateSubmitFailed, TaskStateQueued, true},
		{TaskStateSucceeded, TaskStateFailed, true},
		{TaskStateWaiting, TaskStateExpired, true},

		// Invalid transitions
		{TaskStateWaiting, TaskStateRunning, false},
		{TaskStateWaiting, TaskStateSubmitted, false},
		{TaskStateWaiting, TaskStateReady, false},
		{TaskStateQueued, TaskStateRunning, false},
		{TaskStateQueued, TaskStateWaiting, false},
		{TaskStateRunning, TaskStateSubmitted, false},
		{TaskStateRunning, TaskStateExpired, false},
		{TaskStateSucceeded, TaskStateWaiting, false},
		{TaskStateFailed, TaskStateWaiting, false},
		{TaskStateExpired, TaskStateRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("TaskState(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestTaskState_Valid(t *testing.T) {
	for _, s := range AllTaskStates {
		if !s.Valid() {
			t.Errorf("TaskState(%q).Valid() = false", s)
		}
	}
	if TaskState("PENDING").Valid() {
		t.Error("unknown state reported valid")
	}
}

func TestWorkflowStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   WorkflowStatus
		terminal bool
	}{
		{WorkflowStatusRunning, false},
		{WorkflowStatusPaused, false},
		{WorkflowStatusStalled, false},
		{WorkflowStatusStopping, false},
		{WorkflowStatusStopped, true},
		{WorkflowStatusCompleted, true},
		{WorkflowStatusAborted, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("WorkflowStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}
