package model

import "time"

// JobState is the back-end view of a job, as reported by Poll.
type JobState string

const (
	JobStateSubmitted JobState = "submitted"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	// JobStateUnknown means the back-end has no record of the job.
	JobStateUnknown JobState = "unknown"
)

// IsTerminal returns true if the job has finished.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// JobSpec is the private copy of everything a back-end needs to submit one
// execution attempt. It is built by the scheduling loop and handed to
// back-end calls running concurrently with the loop.
type JobSpec struct {
	WorkflowID  string            `json:"workflow_id"`
	TaskID      string            `json:"task_id"`
	Name        string            `json:"name"`
	Point       string            `json:"point"`
	SubmitNum   int               `json:"submit_num"`
	TryNum      int               `json:"try_num"`
	Platform    string            `json:"platform"`
	Script      string            `json:"script"`
	Environment map[string]string `json:"environment,omitempty"`
	Directives  map[string]string `json:"directives,omitempty"`
	// TimeLimit is passed to back-ends that can enforce it themselves.
	TimeLimit time.Duration `json:"time_limit,omitempty"`
}

// JobStatus is the result of polling a back-end for one job.
type JobStatus struct {
	State      JobState   `json:"state"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Job is the record of one execution attempt of a task instance.
type Job struct {
	TaskID      string     `json:"task_id"`
	Name        string     `json:"name"`
	Point       string     `json:"point"`
	SubmitNum   int        `json:"submit_num"`
	TryNum      int        `json:"try_num"`
	Platform    string     `json:"platform"`
	Handle      string     `json:"handle,omitempty"`
	State       JobState   `json:"state"`
	ExitClass   ExitClass  `json:"exit_class,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Ack is returned by a back-end kill request.
type Ack struct {
	Handle  string `json:"handle"`
	Message string `json:"message,omitempty"`
}
