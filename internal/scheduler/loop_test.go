package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/me/gocycle/internal/events"
	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/internal/metrics"
	"github.com/me/gocycle/internal/store"
	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/pkg/model"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// harness runs a Loop against the simulation back-end, an in-memory store
// and a fake clock. Back-end calls are waited for after every tick, so
// each step sees the results of the previous one.
type harness struct {
	loop    *Loop
	clock   *testClock
	store   *store.SQLiteStore
	reg     *executor.Registry
	metrics *metrics.Metrics

	// loopStore, when set, is given to new loops instead of store.
	loopStore store.Store
	// async skips waiting for back-end calls after a tick.
	async bool
}

func newHarness(t *testing.T, src string) *harness {
	t.Helper()
	logger := testLogger()
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := executor.NewRegistry(logger)
	reg.Register(executor.NewSimulationBackend(clock.Now, logger))
	reg.SetDefault(executor.TypeSimulation)

	h := &harness{clock: clock, store: st, reg: reg}
	h.loop = h.newLoop(t, src, nil)
	return h
}

// newLoop creates a loop sharing the harness store, back-ends and clock.
func (h *harness) newLoop(t *testing.T, src string, dispatcher *events.Dispatcher) *Loop {
	t.Helper()
	cfg, err := taskdef.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h.metrics = metrics.New()
	var st store.Store = h.store
	if h.loopStore != nil {
		st = h.loopStore
	}
	l, err := NewLoop(Options{
		Config:     Config{WorkflowID: "test", PollInterval: time.Nanosecond},
		Definition: cfg,
		Loader:     func() (*taskdef.Config, error) { return taskdef.Parse([]byte(src)) },
		Store:      st,
		Registry:   h.reg,
		Dispatcher: dispatcher,
		Metrics:    h.metrics,
		Logger:     testLogger(),
		Now:        h.clock.Now,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return l
}

// step advances the clock by a second and runs one iteration.
func (h *harness) step() error {
	h.clock.Advance(time.Second)
	err := h.loop.Tick(context.Background())
	if !h.async {
		h.loop.calls.Wait()
	}
	return err
}

func (h *harness) mustStep(t *testing.T) {
	t.Helper()
	if err := h.step(); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

// run steps until the loop finishes, collecting tick errors.
func (h *harness) run(t *testing.T, max int) []error {
	t.Helper()
	var errs []error
	for i := 0; i < max && !h.loop.done; i++ {
		if err := h.step(); err != nil {
			errs = append(errs, err)
		}
	}
	if !h.loop.done {
		t.Fatalf("workflow not finished after %d ticks: status %s, pool %v", max, h.loop.status, h.loop.pool.Incomplete())
	}
	return errs
}

// do sends cmd and runs the iteration that applies it.
func (h *harness) do(t *testing.T, cmd Command) (*Result, error) {
	t.Helper()
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := h.loop.Do(context.Background(), cmd)
		ch <- outcome{res, err}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case o := <-ch:
			return o.res, o.err
		default:
		}
		h.loop.inMu.Lock()
		n := len(h.loop.commands)
		h.loop.inMu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("command %s never queued", cmd.Name)
		}
		time.Sleep(time.Millisecond)
	}
	_ = h.step()
	o := <-ch
	return o.res, o.err
}

func (h *harness) jobs(t *testing.T, id string) []model.Job {
	t.Helper()
	jobs, _, err := h.store.ListJobs(context.Background(), id, model.DefaultListOptions())
	if err != nil {
		t.Fatalf("ListJobs(%s): %v", id, err)
	}
	return jobs
}

func (h *harness) state(t *testing.T, id string) model.TaskState {
	t.Helper()
	inst, ok := h.loop.pool.Get(id)
	if !ok {
		t.Fatalf("%s not in pool", id)
	}
	return inst.State
}

const chainWorkflow = `
name: chain
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  final_cycle_point: "3"
  graph:
    P1: |
      foo[-P1] => foo
      foo => bar
runtime:
  root:
    directives:
      sim_run_length: PT0S
  foo: {}
  bar: {}
`

func TestRunToCompletion(t *testing.T) {
	h := newHarness(t, chainWorkflow)
	if errs := h.run(t, 50); len(errs) > 0 {
		t.Fatalf("tick errors: %v", errs)
	}
	if h.loop.status != model.WorkflowStatusCompleted || h.loop.aborted {
		t.Fatalf("status = %s (%s)", h.loop.status, h.loop.statusMsg)
	}

	for _, id := range []string{"1/foo", "1/bar", "2/foo", "2/bar", "3/foo", "3/bar"} {
		jobs := h.jobs(t, id)
		if len(jobs) != 1 {
			t.Fatalf("%s: %d jobs, want 1", id, len(jobs))
		}
		if jobs[0].State != model.JobStateSucceeded || jobs[0].ExitClass != model.ExitSucceeded {
			t.Errorf("%s: job %+v", id, jobs[0])
		}
		outputs, ok, err := h.store.TaskOutputs(id)
		if err != nil || !ok {
			t.Fatalf("TaskOutputs(%s) = %v, %v", id, ok, err)
		}
		if diff := cmp.Diff([]string{"submitted", "started", "succeeded"}, outputs); diff != "" {
			t.Errorf("%s outputs mismatch (-want +got):\n%s", id, diff)
		}
	}
	if h.loop.pool.Len() != 0 {
		t.Errorf("pool still holds %d instances", h.loop.pool.Len())
	}
	if got := h.loop.Data().Workflow().Status; got != model.WorkflowStatusCompleted {
		t.Errorf("published status = %s", got)
	}
	if got := testutil.ToFloat64(h.metrics.JobsSubmitted.WithLabelValues(executor.TypeSimulation, "ok")); got != 6 {
		t.Errorf("jobs_submitted_total = %v, want 6", got)
	}
	if !h.loop.checkpointOK || h.loop.lastCheckpoint == nil {
		t.Error("checkpoint not recorded")
	}
}

const failingWorkflow = `
name: failing
scheduler:
  events:
    abort_on_stall: %v
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo => bar
runtime:
  foo:
    execution_retry_delays: PT0S
    directives:
      sim_run_length: PT0S
      sim_fail_tries: all
  bar: {}
`

func TestRetriesThenStall(t *testing.T) {
	h := newHarness(t, fmt.Sprintf(failingWorkflow, false))
	for i := 0; i < 20; i++ {
		h.mustStep(t)
	}
	if h.loop.done {
		t.Fatalf("workflow finished: %s", h.loop.statusMsg)
	}
	if !h.loop.stalled || h.loop.status != model.WorkflowStatusStalled {
		t.Errorf("stalled = %v, status = %s", h.loop.stalled, h.loop.status)
	}
	inst, _ := h.loop.pool.Get("1/foo")
	if inst.State != model.TaskStateFailed || inst.TryNum != 2 {
		t.Errorf("1/foo: state %s try %d", inst.State, inst.TryNum)
	}
	jobs := h.jobs(t, "1/foo")
	if len(jobs) != 2 {
		t.Fatalf("1/foo: %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.State != model.JobStateFailed || j.ExitClass != model.ExitFailed {
			t.Errorf("job %d: %+v", j.SubmitNum, j)
		}
		if j.ExitCode == nil || *j.ExitCode != 1 {
			t.Errorf("job %d exit code = %v", j.SubmitNum, j.ExitCode)
		}
	}
	if jobs := h.jobs(t, "1/bar"); len(jobs) != 0 {
		t.Errorf("1/bar ran after 1/foo failed: %+v", jobs)
	}
}

func TestAbortOnStall(t *testing.T) {
	h := newHarness(t, fmt.Sprintf(failingWorkflow, true))
	h.run(t, 20)
	if !h.loop.aborted || h.loop.status != model.WorkflowStatusAborted {
		t.Errorf("aborted = %v, status = %s", h.loop.aborted, h.loop.status)
	}
}

func TestSubmissionRetry(t *testing.T) {
	h := newHarness(t, `
name: submit
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    submission_retry_delays: PT0S
    directives:
      sim_run_length: PT0S
      sim_submit_fail: "1"
`)
	errs := h.run(t, 20)
	var subErr *model.SubmitError
	found := false
	for _, err := range errs {
		if errors.As(err, &subErr) {
			found = true
		}
	}
	if !found {
		t.Errorf("tick errors %v contain no SubmitError", errs)
	}
	if h.loop.status != model.WorkflowStatusCompleted {
		t.Fatalf("status = %s (%s)", h.loop.status, h.loop.statusMsg)
	}
	jobs := h.jobs(t, "1/foo")
	if len(jobs) != 1 || jobs[0].SubmitNum != 2 {
		t.Errorf("jobs = %+v, want the second submission only", jobs)
	}
	if got := testutil.ToFloat64(h.metrics.JobsSubmitted.WithLabelValues(executor.TypeSimulation, "failed")); got != 1 {
		t.Errorf("failed submissions = %v, want 1", got)
	}
}

const longWorkflow = `
name: long
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo => bar
runtime:
  root:
    directives:
      sim_run_length: PT1H
  foo:
    execution_retry_delays: PT0S
  bar: {}
`

// startFoo steps until 1/foo is running.
func startFoo(t *testing.T, h *harness) {
	t.Helper()
	for i := 0; i < 5; i++ {
		h.mustStep(t)
		if inst, ok := h.loop.pool.Get("1/foo"); ok && inst.State == model.TaskStateRunning {
			return
		}
	}
	t.Fatalf("1/foo never started")
}

func TestKillCommand(t *testing.T) {
	h := newHarness(t, longWorkflow)
	startFoo(t, h)

	res, err := h.do(t, Command{Name: CmdKill, Tasks: []string{"1/foo", "9/nope"}})
	if err != nil {
		t.Fatalf("kill: %v", err)
	}
	if diff := cmp.Diff([]string{"1/foo"}, res.Tasks); diff != "" {
		t.Errorf("killed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"9/nope"}, res.Unmatched); diff != "" {
		t.Errorf("unmatched mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i < 3; i++ {
		h.mustStep(t)
	}
	inst, _ := h.loop.pool.Get("1/foo")
	if inst.State != model.TaskStateFailed || inst.TryNum != 1 {
		t.Fatalf("1/foo: state %s try %d, want failed without retry", inst.State, inst.TryNum)
	}
	if inst.Job.ExitClass != model.ExitKilled {
		t.Errorf("exit class = %s", inst.Job.ExitClass)
	}
}

func TestExecutionTimeLimit(t *testing.T) {
	h := newHarness(t, `
name: limit
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    execution_time_limit: PT5S
    directives:
      sim_run_length: PT1H
`)
	startFoo(t, h)
	h.clock.Advance(10 * time.Second)
	for i := 0; i < 3; i++ {
		h.mustStep(t)
	}
	inst, _ := h.loop.pool.Get("1/foo")
	if inst.State != model.TaskStateFailed || inst.Job.ExitClass != model.ExitTimeout {
		t.Errorf("1/foo: state %s class %s", inst.State, inst.Job.ExitClass)
	}
}

func TestHoldIntentAndRelease(t *testing.T) {
	h := newHarness(t, chainWorkflow)
	res, err := h.do(t, Command{Name: CmdHold, Tasks: []string{"1/foo"}})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if diff := cmp.Diff([]string{"1/foo"}, res.Tasks); diff != "" {
		t.Errorf("held mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i < 3; i++ {
		h.mustStep(t)
	}
	inst, ok := h.loop.pool.Get("1/foo")
	if !ok || !inst.IsHeld || inst.State != model.TaskStateWaiting {
		t.Fatalf("1/foo = %+v", inst)
	}
	if jobs := h.jobs(t, "1/foo"); len(jobs) != 0 {
		t.Errorf("held task submitted: %+v", jobs)
	}

	if _, err := h.do(t, Command{Name: CmdRelease, Tasks: []string{"1/foo"}}); err != nil {
		t.Fatalf("release: %v", err)
	}
	h.run(t, 50)
	if h.loop.status != model.WorkflowStatusCompleted {
		t.Errorf("status = %s", h.loop.status)
	}
}

func TestPauseStopsSubmission(t *testing.T) {
	h := newHarness(t, chainWorkflow)
	if _, err := h.do(t, Command{Name: CmdPause}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	for i := 0; i < 3; i++ {
		h.mustStep(t)
	}
	if got := h.state(t, "1/foo"); got != model.TaskStateQueued {
		t.Errorf("1/foo = %s, want queued", got)
	}
	if h.loop.status != model.WorkflowStatusPaused {
		t.Errorf("status = %s", h.loop.status)
	}
	if _, err := h.do(t, Command{Name: CmdResume}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.run(t, 50)
}

func TestStopModes(t *testing.T) {
	tests := []struct {
		mode       StopMode
		wantActive bool
	}{
		{StopNow, true},
		{StopKill, false},
		{StopClean, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			h := newHarness(t, longWorkflow)
			startFoo(t, h)
			if _, err := h.do(t, Command{Name: CmdStop, Mode: tt.mode}); err != nil {
				t.Fatalf("stop: %v", err)
			}
			if tt.mode == StopClean {
				// Let the job finish on its own.
				h.clock.Advance(2 * time.Hour)
			}
			h.run(t, 10)
			if h.loop.status != model.WorkflowStatusStopped {
				t.Errorf("status = %s", h.loop.status)
			}
			active := len(h.loop.pool.Active()) > 0
			if active != tt.wantActive {
				t.Errorf("active jobs left = %v, want %v", active, tt.wantActive)
			}
			if jobs := h.jobs(t, "1/bar"); len(jobs) != 0 {
				t.Errorf("1/bar ran after the stop request")
			}
		})
	}
}

func TestStopAfterPoint(t *testing.T) {
	h := newHarness(t, `
name: open
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    P1: foo[-P1] => foo
runtime:
  foo:
    directives:
      sim_run_length: PT0S
`)
	if _, err := h.do(t, Command{Name: CmdStop, Point: "2"}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.run(t, 30)
	if h.loop.status != model.WorkflowStatusStopped || !strings.Contains(h.loop.statusMsg, "stop point 2") {
		t.Errorf("status = %s (%s)", h.loop.status, h.loop.statusMsg)
	}
	if jobs := h.jobs(t, "2/foo"); len(jobs) != 1 {
		t.Errorf("2/foo jobs = %d, want 1", len(jobs))
	}
	if jobs := h.jobs(t, "3/foo"); len(jobs) != 0 {
		t.Errorf("3/foo ran beyond the stop point")
	}
}

func TestBroadcastOverridesRuntime(t *testing.T) {
	h := newHarness(t, chainWorkflow)
	res, err := h.do(t, Command{
		Name:       CmdBroadcast,
		Points:     []string{"1"},
		Namespaces: []string{"foo"},
		Settings:   taskdef.Settings{"directives": map[string]any{"sim_fail_tries": "all"}},
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if len(res.Broadcasts) != 1 {
		t.Fatalf("broadcasts = %+v", res.Broadcasts)
	}
	for i := 0; i < 6; i++ {
		h.mustStep(t)
	}
	if got := h.state(t, "1/foo"); got != model.TaskStateFailed {
		t.Errorf("1/foo = %s, want failed", got)
	}
	stored, err := h.store.LoadBroadcasts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Namespace != "foo" {
		t.Errorf("stored broadcasts = %+v", stored)
	}
}

func TestCustomOutputMessage(t *testing.T) {
	h := newHarness(t, `
name: custom
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: "foo:x => bar"
runtime:
  foo:
    outputs:
      x: "file ready"
    directives:
      sim_run_length: PT1H
  bar:
    directives:
      sim_run_length: PT1H
`)
	startFoo(t, h)
	if err := h.loop.Message(context.Background(), model.TaskMessage{TaskID: "1/foo", Message: "file ready"}); err != nil {
		t.Fatalf("Message: %v", err)
	}
	h.mustStep(t)
	foo, _ := h.loop.pool.Get("1/foo")
	if !foo.HasOutput("x") {
		t.Errorf("1/foo outputs = %v", foo.Outputs())
	}
	if got := h.state(t, "1/bar"); got == model.TaskStateWaiting {
		t.Errorf("1/bar still waiting")
	}
	if err := h.loop.Message(context.Background(), model.TaskMessage{}); err == nil {
		t.Error("empty message accepted")
	}
}

func TestEventHandlers(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	run := func(_ context.Context, command string) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, command)
		return nil
	}
	src := `
name: handlers
scheduler:
  events:
    handlers: ["wf {{.Event}}"]
    handler_events: [startup]
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    R1: foo
runtime:
  foo:
    directives:
      sim_run_length: PT0S
    events:
      handlers: ["task {{.ID}} {{.Event}}"]
      handler_events: [succeeded]
`
	h := newHarness(t, src)
	d := events.NewDispatcher(events.Options{Workflow: "test", Run: run}, testLogger())
	h.loop = h.newLoop(t, src, d)
	d.Start(context.Background())
	h.loop.workflowEvent(model.EventStartup, "")
	h.run(t, 20)
	d.Stop()

	if diff := cmp.Diff([]string{"wf startup", "task 1/foo succeeded"}, ran); diff != "" {
		t.Errorf("handlers mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandValidate(t *testing.T) {
	tests := []struct {
		cmd     Command
		wantErr bool
	}{
		{Command{Name: CmdHold, Tasks: []string{"1/foo"}}, false},
		{Command{Name: CmdHold}, true},
		{Command{Name: CmdHoldAfter}, true},
		{Command{Name: CmdStop, Mode: "later"}, true},
		{Command{Name: CmdStop}, false},
		{Command{Name: CmdBroadcast}, true},
		{Command{Name: CmdReload}, false},
		{Command{Name: "frobnicate"}, true},
	}
	for _, tt := range tests {
		err := tt.cmd.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) = %v, wantErr %v", tt.cmd, err, tt.wantErr)
		}
		var apiErr *model.APIError
		if err != nil && (!errors.As(err, &apiErr) || apiErr.Code != model.ErrValidation) {
			t.Errorf("Validate(%+v) error %v is not a validation error", tt.cmd, err)
		}
	}
}

func TestInvalidPointIsRejected(t *testing.T) {
	h := newHarness(t, chainWorkflow)
	if _, err := h.do(t, Command{Name: CmdHoldAfter, Point: "not-a-point"}); err == nil {
		t.Fatal("hold-after accepted an invalid point")
	}
	if _, err := h.do(t, Command{Name: CmdHoldAfter, Point: "1"}); err != nil {
		t.Fatalf("hold-after: %v", err)
	}
	for i := 0; i < 8; i++ {
		h.mustStep(t)
	}
	if inst, ok := h.loop.pool.Get("2/foo"); !ok || !inst.IsHeld {
		t.Errorf("2/foo should be held after the hold point")
	}
}
