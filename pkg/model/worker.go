package model

import "time"

// Worker represents a remote host process that pulls and runs jobs.
type Worker struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Hostname     string            `json:"hostname"`
	State        WorkerState       `json:"state"`
	Pools        []string          `json:"pools"`
	Labels       map[string]string `json:"labels,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	CurrentJob   string            `json:"current_job,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
}

// WorkerState represents the lifecycle state of a Worker.
type WorkerState string

const (
	WorkerStateOnline   WorkerState = "online"
	WorkerStateOffline  WorkerState = "offline"
	WorkerStateDraining WorkerState = "draining"
)

// ValidWorkerTransitions defines the allowed state transitions for Workers.
var ValidWorkerTransitions = map[WorkerState][]WorkerState{
	WorkerStateOnline:   {WorkerStateOffline, WorkerStateDraining},
	WorkerStateDraining: {WorkerStateOffline},
	WorkerStateOffline:  {WorkerStateOnline},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s WorkerState) CanTransitionTo(next WorkerState) bool {
	for _, allowed := range ValidWorkerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkerJob is a job queued for remote workers.
type WorkerJob struct {
	Handle     string     `json:"handle"`
	Spec       JobSpec    `json:"spec"`
	Pool       string     `json:"pool"`
	State      JobState   `json:"state"`
	WorkerID   string     `json:"worker_id,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	KillReq    bool       `json:"kill_requested,omitempty"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WorkerReport is a status update a worker sends for a checked-out job.
type WorkerReport struct {
	State    JobState  `json:"state"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Heartbeat is the scheduler's answer to a worker heartbeat.
type Heartbeat struct {
	// Kill lists checked-out job handles the worker must stop.
	Kill []string `json:"kill,omitempty"`
	// Draining tells the worker to finish its job and take no new ones.
	Draining bool `json:"draining,omitempty"`
}
