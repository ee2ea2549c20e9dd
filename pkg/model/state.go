package model

// TaskState represents the lifecycle state of a task instance.
type TaskState string

const (
	TaskStateWaiting      TaskState = "waiting"
	TaskStateQueued       TaskState = "queued"
	TaskStateReady        TaskState = "ready"
	TaskStateSubmitted    TaskState = "submitted"
	TaskStateSubmitFailed TaskState = "submit-failed"
	TaskStateRunning      TaskState = "running"
	TaskStateSucceeded    TaskState = "succeeded"
	TaskStateFailed       TaskState = "failed"
	TaskStateExpired      TaskState = "expired"
)

// AllTaskStates lists every task state in life-cycle order.
var AllTaskStates = []TaskState{
	TaskStateWaiting,
	TaskStateQueued,
	TaskStateReady,
	TaskStateSubmitted,
	TaskStateSubmitFailed,
	TaskStateRunning,
	TaskStateSucceeded,
	TaskStateFailed,
	TaskStateExpired,
}

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsFinal returns true for states that end an attempt: succeeded, failed,
// submit-failed and expired. Failed and submit-failed are only terminal for
// the instance once retries are exhausted; the scheduler tracks that separately.
func (s TaskState) IsFinal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateSubmitFailed, TaskStateExpired:
		return true
	}
	return false
}

// IsActive returns true while a job is being prepared, submitted or run.
func (s TaskState) IsActive() bool {
	switch s {
	case TaskStateReady, TaskStateSubmitted, TaskStateRunning:
		return true
	}
	return false
}

// Valid returns true if s is a known task state.
func (s TaskState) Valid() bool {
	for _, st := range AllTaskStates {
		if st == s {
			return true
		}
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for task
// instances. Retries return an attempt to waiting; trigger re-queues any
// inactive instance; set-outputs may complete any inactive instance.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStateWaiting:      {TaskStateQueued, TaskStateExpired, TaskStateSucceeded, TaskStateFailed},
	TaskStateQueued:       {TaskStateReady, TaskStateFailed, TaskStateExpired, TaskStateSucceeded},
	TaskStateReady:        {TaskStateSubmitted, TaskStateRunning, TaskStateWaiting, TaskStateSubmitFailed, TaskStateFailed},
	TaskStateSubmitted:    {TaskStateRunning, TaskStateWaiting, TaskStateSubmitFailed, TaskStateFailed},
	TaskStateRunning:      {TaskStateSucceeded, TaskStateFailed, TaskStateWaiting},
	TaskStateSubmitFailed: {TaskStateQueued, TaskStateSucceeded, TaskStateFailed, TaskStateExpired},
	TaskStateFailed:       {TaskStateQueued, TaskStateSucceeded, TaskStateExpired},
	TaskStateSucceeded:    {TaskStateQueued, TaskStateFailed, TaskStateExpired},
	TaskStateExpired:      {TaskStateQueued, TaskStateSucceeded, TaskStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkflowStatus represents the run status of the scheduler as a whole.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusStalled   WorkflowStatus = "stalled"
	WorkflowStatusStopping  WorkflowStatus = "stopping"
	WorkflowStatusStopped   WorkflowStatus = "stopped"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusAborted   WorkflowStatus = "aborted"
)

// String returns the string representation of the workflow status.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the scheduler has finished running.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusStopped, WorkflowStatusCompleted, WorkflowStatusAborted:
		return true
	}
	return false
}

// ExitClass classifies how a job attempt ended.
type ExitClass string

const (
	ExitNone         ExitClass = ""
	ExitSucceeded    ExitClass = "SUCCEEDED"
	ExitFailed       ExitClass = "FAILED"
	ExitSubmitFailed ExitClass = "SUBMIT-FAILED"
	ExitKilled       ExitClass = "KILLED"
	ExitTimeout      ExitClass = "TIMEOUT"
	ExitVacated      ExitClass = "VACATED"
)
