package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/gocycle/internal/events"
	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/internal/store"
	"github.com/me/gocycle/pkg/model"
)

// scriptedBackend is the simulation back-end with scripted faults.
type scriptedBackend struct {
	*executor.SimulationBackend

	mu        sync.Mutex
	gate      chan struct{} // Submit waits for it when set
	submitErr error
	pollErr   error
	pollState model.JobState // reported instead of the simulated state when set
	killErrs  int            // Kill fails this many times
	kills     int
}

// useScripted replaces the harness simulation back-end.
func useScripted(h *harness) *scriptedBackend {
	b := &scriptedBackend{SimulationBackend: executor.NewSimulationBackend(h.clock.Now, testLogger())}
	h.reg.Register(b)
	return b
}

func (b *scriptedBackend) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	b.mu.Lock()
	err := b.submitErr
	b.mu.Unlock()
	if err != nil {
		return "", err
	}
	return b.SimulationBackend.Submit(ctx, spec)
}

func (b *scriptedBackend) Poll(ctx context.Context, handle string) (model.JobStatus, error) {
	b.mu.Lock()
	err, st := b.pollErr, b.pollState
	b.mu.Unlock()
	if err != nil {
		return model.JobStatus{}, err
	}
	if st != "" {
		return model.JobStatus{State: st}, nil
	}
	return b.SimulationBackend.Poll(ctx, handle)
}

func (b *scriptedBackend) Kill(ctx context.Context, handle string) (model.Ack, error) {
	b.mu.Lock()
	b.kills++
	fail := b.killErrs > 0
	if fail {
		b.killErrs--
	}
	b.mu.Unlock()
	if fail {
		return model.Ack{}, errors.New("kill timed out")
	}
	return b.SimulationBackend.Kill(ctx, handle)
}

func (b *scriptedBackend) set(fn func(b *scriptedBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// recordHandlers gives h a loop whose event handlers append their
// rendered command to the returned list. stop waits for the handlers.
func recordHandlers(t *testing.T, h *harness, src string) (ran func() []string, stop func()) {
	t.Helper()
	var mu sync.Mutex
	var got []string
	d := events.NewDispatcher(events.Options{Workflow: "test", Run: func(_ context.Context, command string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, command)
		return nil
	}}, testLogger())
	h.loop = h.newLoop(t, src, d)
	d.Start(context.Background())
	ran = func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
	return ran, d.Stop
}

func TestKillDuringFailedSubmission(t *testing.T) {
	h := newHarness(t, `
name: killsubmit
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    submission_retry_delays: PT0S
    directives:
      sim_run_length: PT1H
`)
	b := useScripted(h)
	gate := make(chan struct{})
	b.set(func(b *scriptedBackend) { b.gate = gate })

	h.async = true
	for i := 0; i < 3 && !submitting(h, "1/foo"); i++ {
		_ = h.step()
	}
	if got := h.state(t, "1/foo"); got != model.TaskStateReady {
		t.Fatalf("1/foo state = %s, want ready with a submission in flight", got)
	}
	res, err := h.do(t, Command{Name: CmdKill, Tasks: []string{"1/foo"}})
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if diff := cmp.Diff([]string{"1/foo"}, res.Tasks); diff != "" {
		t.Errorf("killed mismatch (-want +got):\n%s", diff)
	}

	b.set(func(b *scriptedBackend) { b.submitErr = errors.New("connection reset") })
	close(gate)
	h.loop.calls.Wait()
	h.async = false
	for i := 0; i < 5; i++ {
		h.mustStep(t)
	}

	inst, _ := h.loop.pool.Get("1/foo")
	if inst.State != model.TaskStateFailed || inst.IsRetrying() {
		t.Fatalf("1/foo: state %s retrying %v, want failed", inst.State, inst.IsRetrying())
	}
	if inst.SubmitNum != 1 || inst.TryNum != 1 {
		t.Errorf("1/foo resubmitted: submit %d try %d", inst.SubmitNum, inst.TryNum)
	}
	if !inst.HasOutput(model.OutputFailed) {
		t.Errorf("outputs = %v, want failed", inst.Outputs())
	}
	if jobs := h.jobs(t, "1/foo"); len(jobs) != 0 {
		t.Errorf("jobs = %+v, want none", jobs)
	}
}

func submitting(h *harness, id string) bool {
	tr, ok := h.loop.jobs[id]
	return ok && tr.submitting
}

func TestFailedKillIsRetried(t *testing.T) {
	h := newHarness(t, longWorkflow)
	b := useScripted(h)
	b.set(func(b *scriptedBackend) { b.killErrs = 1 })
	startFoo(t, h)

	if _, err := h.do(t, Command{Name: CmdKill, Tasks: []string{"1/foo"}}); err != nil {
		t.Fatalf("kill: %v", err)
	}
	var errs []error
	for i := 0; i < 5; i++ {
		if err := h.step(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 1 {
		t.Errorf("tick errors = %v, want the one failed kill", errs)
	}
	inst, _ := h.loop.pool.Get("1/foo")
	if inst.State != model.TaskStateFailed || inst.Job.ExitClass != model.ExitKilled {
		t.Fatalf("1/foo: state %s class %s, want failed/KILLED", inst.State, inst.Job.ExitClass)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.kills != 2 {
		t.Errorf("kills = %d, want 2", b.kills)
	}
}

const plainWorkflow = `
name: plain
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    directives:
      sim_run_length: PT1H
`

const timeoutWorkflow = `
name: timeouts
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    directives:
      sim_run_length: PT1H
    events:
      submission_timeout: PT10S
      execution_timeout: PT10S
      fail_on_submission_timeout: %v
      kill_on_execution_timeout: %v
      event_handlers:
        submission timeout: ["{{.ID}} {{.Event}}"]
        execution timeout: ["{{.ID}} {{.Event}}"]
`

// stepUntil steps until id reaches st.
func stepUntil(t *testing.T, h *harness, id string, st model.TaskState) {
	t.Helper()
	for i := 0; i < 5; i++ {
		h.mustStep(t)
		if inst, ok := h.loop.pool.Get(id); ok && inst.State == st {
			return
		}
	}
	t.Fatalf("%s never reached %s", id, st)
}

func TestSubmissionTimeout(t *testing.T) {
	tests := []struct {
		name string
		fail bool
		want model.TaskState
	}{
		{"informational", false, model.TaskStateSubmitted},
		{"fail", true, model.TaskStateSubmitFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fmt.Sprintf(timeoutWorkflow, tt.fail, false)
			h := newHarness(t, src)
			ran, stop := recordHandlers(t, h, src)
			b := useScripted(h)
			b.set(func(b *scriptedBackend) { b.pollState = model.JobStateSubmitted })
			stepUntil(t, h, "1/foo", model.TaskStateSubmitted)

			h.clock.Advance(20 * time.Second)
			h.mustStep(t)
			if tt.fail {
				// The kill is in; let the job report its end.
				b.set(func(b *scriptedBackend) { b.pollState = "" })
			}
			for i := 0; i < 3; i++ {
				h.mustStep(t)
			}
			stop()

			if got := h.state(t, "1/foo"); got != tt.want {
				t.Errorf("1/foo state = %s, want %s", got, tt.want)
			}
			if diff := cmp.Diff([]string{"1/foo submission timeout"}, ran()); diff != "" {
				t.Errorf("handlers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecutionTimeout(t *testing.T) {
	tests := []struct {
		name  string
		kill  bool
		want  model.TaskState
		class model.ExitClass
	}{
		{"informational", false, model.TaskStateRunning, model.ExitNone},
		{"kill", true, model.TaskStateFailed, model.ExitTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fmt.Sprintf(timeoutWorkflow, false, tt.kill)
			h := newHarness(t, src)
			ran, stop := recordHandlers(t, h, src)
			stepUntil(t, h, "1/foo", model.TaskStateRunning)

			h.clock.Advance(20 * time.Second)
			for i := 0; i < 4; i++ {
				h.mustStep(t)
			}
			stop()

			inst, _ := h.loop.pool.Get("1/foo")
			if inst.State != tt.want || inst.Job.ExitClass != tt.class {
				t.Errorf("1/foo: state %s class %q, want %s %q", inst.State, inst.Job.ExitClass, tt.want, tt.class)
			}
			if diff := cmp.Diff([]string{"1/foo execution timeout"}, ran()); diff != "" {
				t.Errorf("handlers mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPollFailuresFailJob(t *testing.T) {
	h := newHarness(t, plainWorkflow)
	b := useScripted(h)
	b.set(func(b *scriptedBackend) { b.pollErr = errors.New("host unreachable") })

	polls := 0
	for i := 0; i < 12; i++ {
		err := h.step()
		var pollErr *model.PollError
		if errors.As(err, &pollErr) {
			polls++
			if pollErr.TaskID != "1/foo" {
				t.Errorf("PollError for %s", pollErr.TaskID)
			}
		}
		if polls < h.loop.config.MaxPollFailures && h.state(t, "1/foo") == model.TaskStateFailed {
			t.Fatalf("1/foo failed after %d poll errors", polls)
		}
	}
	if polls != h.loop.config.MaxPollFailures {
		t.Errorf("poll errors = %d, want %d", polls, h.loop.config.MaxPollFailures)
	}
	inst, _ := h.loop.pool.Get("1/foo")
	if inst.State != model.TaskStateFailed || inst.Job.ExitClass != model.ExitFailed {
		t.Errorf("1/foo: state %s class %s, want failed/FAILED", inst.State, inst.Job.ExitClass)
	}
	if _, ok := h.loop.jobs["1/foo"]; ok {
		t.Error("failed job still tracked")
	}
}

func TestPollDoesNotRegressState(t *testing.T) {
	h := newHarness(t, longWorkflow)
	b := useScripted(h)
	startFoo(t, h)
	inst, _ := h.loop.pool.Get("1/foo")
	started := *inst.Job.StartedAt

	b.set(func(b *scriptedBackend) { b.pollState = model.JobStateSubmitted })
	for i := 0; i < 3; i++ {
		h.mustStep(t)
	}
	if inst.State != model.TaskStateRunning {
		t.Errorf("state = %s after a stale submitted poll, want running", inst.State)
	}
	if !inst.Job.StartedAt.Equal(started) {
		t.Errorf("start time changed from %s to %s", started, inst.Job.StartedAt)
	}
}

// failingStore fails the next failures checkpoint writes.
type failingStore struct {
	*store.SQLiteStore

	mu       sync.Mutex
	failures int
}

func (s *failingStore) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.SQLiteStore.SaveCheckpoint(ctx, cp)
}

func TestCheckpointFailureKeepsChanges(t *testing.T) {
	h := newHarness(t, plainWorkflow)
	fs := &failingStore{SQLiteStore: h.store, failures: 3}
	h.loopStore = fs
	h.loop = h.newLoop(t, plainWorkflow, nil)

	err := h.step()
	var storageErr *model.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("tick error = %v, want a StorageError", err)
	}
	if h.loop.checkpointOK || h.loop.lastCheckpoint != nil {
		t.Errorf("checkpointOK = %v, lastCheckpoint = %v", h.loop.checkpointOK, h.loop.lastCheckpoint)
	}
	if upserts, _ := h.loop.pool.Changes(); len(upserts) == 0 {
		t.Error("unsaved changes were dropped")
	}
	if recs, err := h.store.LoadPool(context.Background()); err != nil || len(recs) != 0 {
		t.Fatalf("LoadPool = %d records, %v; want nothing saved", len(recs), err)
	}

	h.mustStep(t)
	if !h.loop.checkpointOK || h.loop.lastCheckpoint == nil {
		t.Fatal("checkpoint not recorded after recovery")
	}
	recs, err := h.store.LoadPool(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var saved []string
	for _, rec := range recs {
		saved = append(saved, rec.ID)
	}
	if diff := cmp.Diff([]string{"1/foo"}, saved); diff != "" {
		t.Errorf("saved pool mismatch (-want +got):\n%s", diff)
	}
}
