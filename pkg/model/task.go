package model

import "time"

// Built-in task outputs.
const (
	OutputSubmitted    = "submitted"
	OutputSubmitFailed = "submit-failed"
	OutputStarted      = "started"
	OutputSucceeded    = "succeeded"
	OutputFailed       = "failed"
	OutputExpired      = "expired"
)

// BuiltinOutputs lists the outputs every task can emit.
var BuiltinOutputs = []string{
	OutputSubmitted,
	OutputSubmitFailed,
	OutputStarted,
	OutputSucceeded,
	OutputFailed,
	OutputExpired,
}

// IsBuiltinOutput returns true if name is one of the built-in outputs.
func IsBuiltinOutput(name string) bool {
	for _, o := range BuiltinOutputs {
		if o == name {
			return true
		}
	}
	return false
}

// TaskProxy is the externally visible view of one live task instance.
type TaskProxy struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Point         string       `json:"point"`
	State         TaskState    `json:"state"`
	IsHeld        bool         `json:"is_held"`
	HoldReason    string       `json:"hold_reason,omitempty"`
	IsRunahead    bool         `json:"is_runahead"`
	IsOrphaned    bool         `json:"is_orphaned,omitempty"`
	IsForced      bool         `json:"is_forced,omitempty"`
	IsIncomplete  bool         `json:"is_incomplete,omitempty"`
	TryNum        int          `json:"try_num"`
	SubmitNum     int          `json:"submit_num"`
	Platform      string       `json:"platform,omitempty"`
	Families      []string     `json:"families,omitempty"`
	Outputs       []string     `json:"outputs"`
	Prerequisites []PrereqView `json:"prerequisites,omitempty"`
	Job           *Job         `json:"job,omitempty"`
	RetryAt       *time.Time   `json:"retry_at,omitempty"`
	SpawnedAt     time.Time    `json:"spawned_at"`
}

// PrereqView describes one prerequisite expression and its conditions.
type PrereqView struct {
	Expression string          `json:"expression"`
	Satisfied  bool            `json:"satisfied"`
	Conditions []ConditionView `json:"conditions"`
}

// ConditionView is a single (task, output) term of a prerequisite.
type ConditionView struct {
	TaskID        string `json:"task_id"`
	Output        string `json:"output"`
	Satisfied     bool   `json:"satisfied"`
	Unsatisfiable bool   `json:"unsatisfiable,omitempty"`
}

// StateTotals counts task instances per state.
type StateTotals map[TaskState]int

// ComputeStateTotals calculates the totals from a slice of proxies.
func ComputeStateTotals(tasks []TaskProxy) StateTotals {
	totals := StateTotals{}
	for _, t := range tasks {
		totals[t.State]++
	}
	return totals
}

// TaskMessage is a message reported by a running job about its task.
type TaskMessage struct {
	TaskID    string    `json:"task_id"`
	SubmitNum int       `json:"submit_num"`
	Severity  string    `json:"severity,omitempty"`
	Message   string    `json:"message"`
	EventTime time.Time `json:"event_time"`
}

// WorkflowInfo summarizes the scheduler for status queries.
type WorkflowInfo struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Status         WorkflowStatus `json:"status"`
	StatusMessage  string         `json:"status_message,omitempty"`
	CyclingMode    string         `json:"cycling_mode"`
	InitialPoint   string         `json:"initial_point"`
	FinalPoint     string         `json:"final_point,omitempty"`
	OldestActive   string         `json:"oldest_active_point,omitempty"`
	NewestActive   string         `json:"newest_active_point,omitempty"`
	RunaheadPoint  string         `json:"runahead_point,omitempty"`
	HoldPoint      string         `json:"hold_point,omitempty"`
	StopPoint      string         `json:"stop_point,omitempty"`
	StateTotals    StateTotals    `json:"state_totals"`
	HeldTotal      int            `json:"held_total"`
	LastCheckpoint *time.Time     `json:"last_checkpoint,omitempty"`
	CheckpointOK   bool           `json:"checkpoint_ok"`
	Iteration      int64          `json:"iteration"`
	StartedAt      time.Time      `json:"started_at"`
}
