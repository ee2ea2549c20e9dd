package model

import "time"

// Task event names, as used in handler_events and event_handlers.
const (
	EventSubmitted         = "submitted"
	EventSubmissionFailed  = "submission failed"
	EventSubmissionRetry   = "submission retry"
	EventSubmissionTimeout = "submission timeout"
	EventStarted           = "started"
	EventSucceeded         = "succeeded"
	EventFailed            = "failed"
	EventRetry             = "retry"
	EventExecutionTimeout  = "execution timeout"
	EventExpired           = "expired"
	EventCustom            = "custom"
	EventWarning           = "warning"
	EventCritical          = "critical"
)

// Workflow event names.
const (
	EventStartup           = "startup"
	EventShutdown          = "shutdown"
	EventAbort             = "abort"
	EventStall             = "stall"
	EventStallTimeout      = "stall timeout"
	EventInactivityTimeout = "inactivity timeout"
)

// Event is a task or workflow event queued for handler dispatch. Task fields
// are empty for workflow events.
type Event struct {
	Event      string     `json:"event"`
	TaskID     string     `json:"task_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Point      string     `json:"point,omitempty"`
	TryNum     int        `json:"try_num,omitempty"`
	SubmitNum  int        `json:"submit_num,omitempty"`
	Message    string     `json:"message,omitempty"`
	Platform   string     `json:"platform,omitempty"`
	JobID      string     `json:"job_id,omitempty"`
	Time       time.Time  `json:"time"`
	SubmitTime *time.Time `json:"submit_time,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	FinishTime *time.Time `json:"finish_time,omitempty"`
}

// TaskRecord is the persisted form of a task instance.
type TaskRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Point       string     `json:"point"`
	State       TaskState  `json:"state"`
	IsHeld      bool       `json:"is_held"`
	HoldReason  string     `json:"hold_reason,omitempty"`
	IsRunahead  bool       `json:"is_runahead"`
	IsForced    bool       `json:"is_forced"`
	IsOrphaned  bool       `json:"is_orphaned"`
	TryNum      int        `json:"try_num"`
	SubmitNum   int        `json:"submit_num"`
	SubmitTries int        `json:"submit_tries"`
	Outputs     []string   `json:"outputs"`
	Prereqs     [][]string `json:"prereqs"`
	RetryAt     *time.Time `json:"retry_at,omitempty"`
	QueuedSeq   uint64     `json:"queued_seq"`
	SpawnedAt   time.Time  `json:"spawned_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Job         *Job       `json:"job,omitempty"`
}
