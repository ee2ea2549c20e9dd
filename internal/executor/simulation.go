package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/pkg/model"
)

// Directives read by the simulation back-end.
const (
	// DirectiveSimRunLength is an ISO 8601 duration, default PT10S.
	DirectiveSimRunLength = "sim_run_length"
	// DirectiveSimFailTries lists try numbers that fail, e.g. "1,2", or "all".
	DirectiveSimFailTries = "sim_fail_tries"
	// DirectiveSimFailPoints lists cycle points at which the job fails.
	DirectiveSimFailPoints = "sim_fail_points"
	// DirectiveSimSubmitFail lists submit numbers whose submission fails.
	DirectiveSimSubmitFail = "sim_submit_fail"
)

// DefaultSimRunLength is the run length of a simulated job with no
// sim_run_length directive.
const DefaultSimRunLength = 10 * time.Second

type simJob struct {
	submitted time.Time
	started   time.Time
	finished  time.Time
	fail      bool
	killedAt  *time.Time
}

// SimulationBackend pretends to run jobs. Each job starts immediately and
// finishes after its run length; directives script failures.
type SimulationBackend struct {
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*simJob
}

// NewSimulationBackend creates a SimulationBackend. now defaults to time.Now.
func NewSimulationBackend(now func() time.Time, logger *slog.Logger) *SimulationBackend {
	if now == nil {
		now = time.Now
	}
	return &SimulationBackend{
		now:    now,
		logger: logger.With("component", "simulation-executor"),
		jobs:   make(map[string]*simJob),
	}
}

// Type returns TypeSimulation.
func (b *SimulationBackend) Type() string { return TypeSimulation }

// Submit records a simulated job.
func (b *SimulationBackend) Submit(_ context.Context, spec model.JobSpec) (string, error) {
	if listed(spec.Directives[DirectiveSimSubmitFail], strconv.Itoa(spec.SubmitNum)) {
		return "", fmt.Errorf("task %s: simulated submission failure", spec.TaskID)
	}
	runLength := DefaultSimRunLength
	if s := spec.Directives[DirectiveSimRunLength]; s != "" {
		d, err := cycling.ParseDuration(s)
		if err != nil {
			return "", fmt.Errorf("task %s: %s: %w", spec.TaskID, DirectiveSimRunLength, err)
		}
		runLength = d
	}
	handle := "sim:" + JobName(spec)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[handle]; ok {
		return handle, nil
	}
	now := b.now()
	b.jobs[handle] = &simJob{
		submitted: now,
		started:   now,
		finished:  now.Add(runLength),
		fail: listed(spec.Directives[DirectiveSimFailTries], strconv.Itoa(spec.TryNum)) ||
			listed(spec.Directives[DirectiveSimFailPoints], spec.Point),
	}
	b.logger.Debug("simulated job submitted", "task", spec.TaskID, "run_length", runLength)
	return handle, nil
}

// Poll reports the simulated job state at the current time.
func (b *SimulationBackend) Poll(_ context.Context, handle string) (model.JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[handle]
	if !ok {
		return model.JobStatus{State: model.JobStateUnknown}, nil
	}
	now := b.now()
	started := j.started
	st := model.JobStatus{StartedAt: &started}
	switch {
	case j.killedAt != nil:
		st.State = model.JobStateFailed
		st.FinishedAt = j.killedAt
		st.ExitCode = exitCode(143)
		st.Message = "killed"
	case now.Before(j.finished):
		st.State = model.JobStateRunning
	case j.fail:
		finished := j.finished
		st.State = model.JobStateFailed
		st.FinishedAt = &finished
		st.ExitCode = exitCode(1)
		st.Message = "simulated failure"
	default:
		finished := j.finished
		st.State = model.JobStateSucceeded
		st.FinishedAt = &finished
		st.ExitCode = exitCode(0)
	}
	return st, nil
}

// Kill stops a simulated job that has not finished yet.
func (b *SimulationBackend) Kill(_ context.Context, handle string) (model.Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[handle]
	if !ok || j.killedAt != nil {
		return model.Ack{Handle: handle}, nil
	}
	now := b.now()
	if !now.Before(j.finished) {
		return model.Ack{Handle: handle, Message: "job already finished"}, nil
	}
	j.killedAt = &now
	return model.Ack{Handle: handle, Message: "killed"}, nil
}

// listed reports whether item is in the comma-separated list s. "all"
// matches everything.
func listed(s, item string) bool {
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "all" || (f != "" && f == item) {
			return true
		}
	}
	return false
}
