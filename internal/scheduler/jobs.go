package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/events"
	"github.com/me/gocycle/internal/pool"
	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/pkg/model"
)

// Back-end operations, as recorded in metrics.
const (
	opSubmit = "submit"
	opPoll   = "poll"
	opKill   = "kill"
)

// tracked is the loop's view of the current job of one active instance.
type tracked struct {
	submitNum int
	platform  string
	handle    string

	submissionTimeout       time.Duration
	executionTimeout        time.Duration
	timeLimit               time.Duration
	failOnSubmissionTimeout bool
	killOnExecutionTimeout  bool

	// A call of each kind is in flight.
	submitting, polling, killing bool

	lastPoll     time.Time
	pollNow      bool
	pollFailures int

	// killClass is the exit class a kill in progress will record.
	// killPending waits for a handle; killRetry re-issues a failed kill.
	killClass    model.ExitClass
	killPending  bool
	killRetry    bool
	killFailures int

	submitTimedOut bool
	execTimedOut   bool
}

func (tr *tracked) busy() bool { return tr.submitting || tr.polling || tr.killing }

// completion is the result of one back-end call, applied by the loop.
type completion struct {
	id        string
	submitNum int
	op        string
	handle    string
	status    model.JobStatus
	ack       model.Ack
	err       error
	at        time.Time
}

// callsInFlight reports whether any back-end call has not been applied.
func (l *Loop) callsInFlight() bool {
	for _, tr := range l.jobs {
		if tr.busy() {
			return true
		}
	}
	l.inMu.Lock()
	defer l.inMu.Unlock()
	return len(l.completions) > 0
}

// call runs fn on its own goroutine, bounded by the call semaphore and
// the call timeout, and queues the result for the next iteration.
func (l *Loop) call(id string, submitNum int, platform, op string, fn func(ctx context.Context) completion) {
	l.calls.Add(1)
	go func() {
		defer l.calls.Done()
		var c completion
		if err := l.sem.Acquire(l.callCtx, 1); err != nil {
			c = completion{id: id, submitNum: submitNum, op: op, err: err}
		} else {
			ctx, cancel := context.WithTimeout(l.callCtx, l.config.CallTimeout)
			start := time.Now()
			c = fn(ctx)
			cancel()
			l.sem.Release(1)
			if l.metrics != nil {
				l.metrics.ObserveCall(platform, op, time.Since(start), c.err)
			}
		}
		c.at = l.now().UTC()
		l.inMu.Lock()
		l.completions = append(l.completions, c)
		l.inMu.Unlock()
	}()
}

// runtimeFor returns the effective runtime of inst: its definition with
// broadcast overrides applied.
func (l *Loop) runtimeFor(def *taskdef.Definition, point cycling.Point) (taskdef.Runtime, error) {
	return def.RuntimeWith(l.broadcasts.Overrides(point, def.MRO))
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := cycling.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (l *Loop) newTrack(inst *pool.Instance, rt taskdef.Runtime) *tracked {
	def := inst.Def()
	platform := rt.Platform
	if platform == "" {
		platform = l.registry.Default()
	}
	return &tracked{
		submitNum:               inst.SubmitNum,
		platform:                platform,
		submissionTimeout:       durationOr(rt.Events.SubmissionTimeout, def.SubmissionTimeout),
		executionTimeout:        durationOr(rt.Events.ExecutionTimeout, def.ExecutionTimeout),
		timeLimit:               durationOr(rt.ExecutionTimeLimit, def.ExecutionTimeLimit),
		failOnSubmissionTimeout: rt.Events.FailOnSubmissionTimeout,
		killOnExecutionTimeout:  rt.Events.KillOnExecutionTimeout,
	}
}

// submit prepares the job of a ready instance and hands it to its
// back-end. Preparation failures count as submission failures.
func (l *Loop) submit(inst *pool.Instance) error {
	id := inst.ID()
	rt, err := l.runtimeFor(inst.Def(), inst.Point)
	if err != nil {
		return l.submitFailed(inst, "", err)
	}
	tr := l.newTrack(inst, rt)
	backend, err := l.registry.Get(tr.platform)
	if err != nil {
		return l.submitFailed(inst, tr.platform, err)
	}
	spec := model.JobSpec{
		WorkflowID:  l.config.WorkflowID,
		TaskID:      id,
		Name:        inst.Name,
		Point:       inst.Point.String(),
		SubmitNum:   inst.SubmitNum,
		TryNum:      inst.TryNum,
		Platform:    tr.platform,
		Script:      rt.Script,
		Environment: copyMap(rt.Environment),
		Directives:  copyMap(rt.Directives),
		TimeLimit:   tr.timeLimit,
	}
	tr.submitting = true
	l.jobs[id] = tr
	l.logger.Debug("submitting job", "task", id, "submit_num", spec.SubmitNum, "platform", tr.platform)
	l.call(id, spec.SubmitNum, tr.platform, opSubmit, func(ctx context.Context) completion {
		handle, err := backend.Submit(ctx, spec)
		return completion{id: id, submitNum: spec.SubmitNum, op: opSubmit, handle: handle, err: err}
	})
	return nil
}

func (l *Loop) submitFailed(inst *pool.Instance, platform string, cause error) error {
	err := &model.SubmitError{TaskID: inst.ID(), Err: cause}
	l.logger.Warn("job submission failed", "task", inst.ID(), "error", err, "kind", model.KindOf(err))
	l.pool.JobSubmitFailed(inst, inst.SubmitNum, cause.Error())
	delete(l.jobs, inst.ID())
	if l.metrics != nil {
		l.metrics.JobsSubmitted.WithLabelValues(platform, "failed").Inc()
	}
	return err
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// applyCompletion applies one back-end result. Results for a job that is
// no longer current are dropped.
func (l *Loop) applyCompletion(ctx context.Context, c completion) error {
	tr, ok := l.jobs[c.id]
	if !ok || tr.submitNum != c.submitNum {
		l.logger.Debug("dropping stale back-end result", "task", c.id, "op", c.op, "submit_num", c.submitNum)
		return nil
	}
	switch c.op {
	case opSubmit:
		tr.submitting = false
	case opPoll:
		tr.polling = false
	case opKill:
		tr.killing = false
	}
	inst, ok := l.pool.Get(c.id)
	if !ok || inst.SubmitNum != c.submitNum {
		l.logger.Debug("dropping stale back-end result", "task", c.id, "op", c.op, "submit_num", c.submitNum)
		return nil
	}

	switch c.op {
	case opSubmit:
		if c.err != nil && tr.killClass != "" {
			// Killed while the submission was in flight: no retries.
			l.logger.Info("killed job failed to submit", "task", c.id, "error", c.err)
			l.pool.JobFailed(inst, c.submitNum, tr.killClass, "killed", c.at)
			delete(l.jobs, c.id)
			if l.metrics != nil {
				l.metrics.JobsSubmitted.WithLabelValues(tr.platform, "failed").Inc()
			}
			return nil
		}
		if c.err != nil {
			return l.submitFailed(inst, tr.platform, c.err)
		}
		tr.handle = c.handle
		tr.lastPoll = c.at
		at := c.at
		l.pool.JobSubmitted(inst, c.submitNum, model.Job{
			TaskID:      c.id,
			Name:        inst.Name,
			Point:       inst.Point.String(),
			SubmitNum:   c.submitNum,
			TryNum:      inst.TryNum,
			Platform:    tr.platform,
			Handle:      c.handle,
			State:       model.JobStateSubmitted,
			SubmittedAt: &at,
		})
		if l.metrics != nil {
			l.metrics.JobsSubmitted.WithLabelValues(tr.platform, "ok").Inc()
		}
		l.logger.Info("job submitted", "task", c.id, "submit_num", c.submitNum, "handle", c.handle)
		if tr.killPending {
			tr.killPending = false
			l.issueKill(inst, tr)
		}
	case opPoll:
		if c.err != nil {
			err := &model.PollError{TaskID: c.id, Handle: tr.handle, Err: c.err}
			l.pollFailed(inst, tr, err, c.at)
			return err
		}
		l.applyStatus(inst, tr, c.status, c.at)
	case opKill:
		if c.err != nil {
			tr.killFailures++
			if tr.killFailures < l.config.MaxPollFailures {
				l.logger.Warn("kill failed, will retry", "task", c.id, "handle", tr.handle, "failures", tr.killFailures, "error", c.err)
				tr.killRetry = true
			} else {
				l.logger.Error("kill failed, giving up", "task", c.id, "handle", tr.handle, "failures", tr.killFailures, "error", c.err)
				tr.killClass = ""
			}
			return fmt.Errorf("kill %s: %w", c.id, c.err)
		}
		tr.killFailures = 0
		l.logger.Info("kill acknowledged", "task", c.id, "handle", tr.handle, "message", c.ack.Message)
		// The job's final state comes from the next poll.
		tr.pollNow = true
	}
	return nil
}

// applyStatus moves an instance along according to a poll result.
func (l *Loop) applyStatus(inst *pool.Instance, tr *tracked, st model.JobStatus, at time.Time) {
	if st.State != model.JobStateUnknown {
		tr.pollFailures = 0
	}
	switch st.State {
	case model.JobStateSubmitted:
	case model.JobStateRunning:
		if inst.State == model.TaskStateSubmitted {
			l.pool.JobStarted(inst, tr.submitNum, timeOr(st.StartedAt, at))
		}
	case model.JobStateSucceeded:
		if inst.Job != nil {
			inst.Job.ExitCode = st.ExitCode
		}
		if inst.State == model.TaskStateSubmitted && st.StartedAt != nil {
			l.pool.JobStarted(inst, tr.submitNum, *st.StartedAt)
		}
		l.pool.JobSucceeded(inst, tr.submitNum, timeOr(st.FinishedAt, at))
		l.jobFinished(inst, tr, model.JobStateSucceeded)
	case model.JobStateFailed:
		if inst.Job != nil {
			inst.Job.ExitCode = st.ExitCode
		}
		class := model.ExitFailed
		switch {
		case tr.killClass != "":
			class = tr.killClass
		case st.Message == "killed":
			class = model.ExitKilled
		}
		if class == model.ExitSubmitFailed {
			l.pool.JobSubmitFailed(inst, tr.submitNum, "submission timed out")
		} else {
			if inst.State == model.TaskStateSubmitted && st.StartedAt != nil {
				l.pool.JobStarted(inst, tr.submitNum, *st.StartedAt)
			}
			l.pool.JobFailed(inst, tr.submitNum, class, st.Message, timeOr(st.FinishedAt, at))
		}
		l.jobFinished(inst, tr, model.JobStateFailed)
	default:
		l.pollFailed(inst, tr, &model.PollError{TaskID: inst.ID(), Handle: tr.handle, Err: errors.New("back-end has no record of the job")}, at)
	}
}

// pollFailed counts a failed or inconclusive poll. Too many in a row
// fail the job.
func (l *Loop) pollFailed(inst *pool.Instance, tr *tracked, err error, at time.Time) {
	tr.pollFailures++
	l.logger.Warn("poll failed", "task", inst.ID(), "handle", tr.handle, "failures", tr.pollFailures, "error", err, "kind", model.KindOf(err))
	if tr.pollFailures < l.config.MaxPollFailures {
		return
	}
	l.pool.JobFailed(inst, tr.submitNum, model.ExitFailed, "lost track of job: "+err.Error(), at)
	l.jobFinished(inst, tr, model.JobStateFailed)
}

func (l *Loop) jobFinished(inst *pool.Instance, tr *tracked, st model.JobState) {
	if l.metrics != nil {
		l.metrics.JobsFinished.WithLabelValues(tr.platform, string(st)).Inc()
	}
	if !inst.IsActive() && !tr.busy() {
		delete(l.jobs, inst.ID())
	}
}

func timeOr(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}

// adoptJobs tracks active jobs the loop did not submit itself, which
// happens after a restart.
func (l *Loop) adoptJobs() {
	for _, inst := range l.pool.Active() {
		id := inst.ID()
		if _, ok := l.jobs[id]; ok {
			continue
		}
		j := inst.Job
		if j == nil || j.Handle == "" || j.SubmitNum != inst.SubmitNum {
			continue
		}
		rt, err := l.runtimeFor(inst.Def(), inst.Point)
		if err != nil {
			rt = inst.Def().Runtime
		}
		tr := l.newTrack(inst, rt)
		tr.handle = j.Handle
		if j.Platform != "" {
			tr.platform = j.Platform
		}
		tr.pollNow = true
		l.jobs[id] = tr
		l.logger.Info("tracking restored job", "task", id, "handle", j.Handle, "platform", tr.platform)
	}
}

// pruneTracks forgets jobs whose instance has left the pool or is no
// longer active.
func (l *Loop) pruneTracks() {
	for id, tr := range l.jobs {
		if tr.busy() {
			continue
		}
		inst, ok := l.pool.Get(id)
		if !ok || !inst.IsActive() || inst.SubmitNum != tr.submitNum {
			delete(l.jobs, id)
		}
	}
}

// pollJobs polls every tracked job whose poll interval has elapsed.
func (l *Loop) pollJobs(now time.Time) {
	l.adoptJobs()
	for id, tr := range l.jobs {
		if tr.handle == "" || tr.busy() {
			continue
		}
		inst, ok := l.pool.Get(id)
		if !ok || !inst.IsActive() {
			continue
		}
		if tr.killRetry {
			tr.killRetry = false
			l.issueKill(inst, tr)
			continue
		}
		if !tr.pollNow && now.Sub(tr.lastPoll) < l.config.PollInterval {
			continue
		}
		backend, err := l.registry.Get(tr.platform)
		if err != nil {
			l.pollFailed(inst, tr, &model.PollError{TaskID: id, Handle: tr.handle, Err: err}, now)
			continue
		}
		tr.polling, tr.pollNow, tr.lastPoll = true, false, now
		id, handle, submitNum := id, tr.handle, tr.submitNum
		l.call(id, submitNum, tr.platform, opPoll, func(ctx context.Context) completion {
			st, err := backend.Poll(ctx, handle)
			return completion{id: id, submitNum: submitNum, op: opPoll, status: st, err: err}
		})
	}
}

// checkTimeouts raises submission and execution timeout events once per
// job and enforces execution time limits.
func (l *Loop) checkTimeouts(now time.Time) {
	for id, tr := range l.jobs {
		inst, ok := l.pool.Get(id)
		if !ok || inst.Job == nil || tr.killClass != "" {
			continue
		}
		switch inst.State {
		case model.TaskStateSubmitted:
			if tr.submitTimedOut || tr.submissionTimeout <= 0 || inst.Job.SubmittedAt == nil {
				continue
			}
			if now.Sub(*inst.Job.SubmittedAt) < tr.submissionTimeout {
				continue
			}
			tr.submitTimedOut = true
			l.logger.Warn("submission timeout", "task", id, "after", tr.submissionTimeout)
			l.pool.TimedOut(inst, model.EventSubmissionTimeout)
			if tr.failOnSubmissionTimeout {
				l.killInstance(context.Background(), inst, model.ExitSubmitFailed)
			}
		case model.TaskStateRunning:
			if inst.Job.StartedAt == nil {
				continue
			}
			elapsed := now.Sub(*inst.Job.StartedAt)
			if !tr.execTimedOut && tr.executionTimeout > 0 && elapsed >= tr.executionTimeout {
				tr.execTimedOut = true
				l.logger.Warn("execution timeout", "task", id, "after", tr.executionTimeout)
				l.pool.TimedOut(inst, model.EventExecutionTimeout)
				if tr.killOnExecutionTimeout {
					l.killInstance(context.Background(), inst, model.ExitTimeout)
					continue
				}
			}
			if tr.timeLimit > 0 && elapsed >= tr.timeLimit {
				l.logger.Warn("execution time limit exceeded", "task", id, "limit", tr.timeLimit)
				l.killInstance(context.Background(), inst, model.ExitTimeout)
			}
		}
	}
}

// killMatching kills the active instances matching patterns.
func (l *Loop) killMatching(ctx context.Context, patterns []string) ([]string, []string, error) {
	insts, unmatched, err := l.pool.Match(patterns)
	if err != nil {
		return nil, nil, err
	}
	var killed []string
	for _, inst := range insts {
		switch inst.State {
		case model.TaskStateQueued, model.TaskStateReady, model.TaskStateSubmitted, model.TaskStateRunning:
			l.killInstance(ctx, inst, model.ExitKilled)
			killed = append(killed, inst.ID())
		}
	}
	return killed, unmatched, nil
}

// killInstance kills the job of inst and records class when the kill
// takes effect. Queued instances fail at once.
func (l *Loop) killInstance(_ context.Context, inst *pool.Instance, class model.ExitClass) {
	if inst.State == model.TaskStateQueued {
		l.pool.KillQueued(inst)
		return
	}
	if !inst.IsActive() {
		return
	}
	tr, ok := l.jobs[inst.ID()]
	if !ok {
		l.pool.JobFailed(inst, inst.SubmitNum, class, "killed", l.now().UTC())
		return
	}
	if tr.killClass != "" {
		return
	}
	tr.killClass = class
	if tr.handle == "" {
		tr.killPending = true
		return
	}
	l.issueKill(inst, tr)
}

func (l *Loop) issueKill(inst *pool.Instance, tr *tracked) {
	if tr.killing {
		return
	}
	backend, err := l.registry.Get(tr.platform)
	if err != nil {
		l.logger.Warn("cannot kill job", "task", inst.ID(), "error", err)
		return
	}
	tr.killing = true
	id, handle, submitNum := inst.ID(), tr.handle, tr.submitNum
	l.logger.Info("killing job", "task", id, "handle", handle, "class", tr.killClass)
	l.call(id, submitNum, tr.platform, opKill, func(ctx context.Context) completion {
		ack, err := backend.Kill(ctx, handle)
		return completion{id: id, submitNum: submitNum, op: opKill, ack: ack, err: err}
	})
}

// applyMessage applies a task message. A zero submit number means the
// current job.
func (l *Loop) applyMessage(msg model.TaskMessage) {
	inst, ok := l.pool.Get(msg.TaskID)
	if !ok {
		l.logger.Warn("message for unknown task", "task", msg.TaskID, "message", msg.Message)
		return
	}
	if msg.SubmitNum == 0 {
		msg.SubmitNum = inst.SubmitNum
	}
	switch msg.Message {
	case model.OutputStarted:
		l.pool.JobStarted(inst, msg.SubmitNum, msg.EventTime)
	case model.OutputSucceeded:
		l.pool.JobSucceeded(inst, msg.SubmitNum, msg.EventTime)
	case model.OutputFailed:
		l.pool.JobFailed(inst, msg.SubmitNum, model.ExitFailed, "failed", msg.EventTime)
	default:
		l.pool.Message(inst, msg)
	}
}

// dispatchTaskEvents hands drained task events to their handlers.
func (l *Loop) dispatchTaskEvents() {
	for _, ev := range l.pool.DrainEvents() {
		def, ok := l.def.Task(ev.Name)
		if !ok {
			continue
		}
		rt := def.Runtime
		if pt, err := cycling.ParsePoint(l.def.Kind(), ev.Point); err == nil {
			if eff, err := l.runtimeFor(def, pt); err == nil {
				rt = eff
			}
		}
		handlers := rt.Events.HandlersFor(ev.Event)
		if len(handlers) == 0 {
			continue
		}
		delays := def.HandlerRetryDelays
		if len(delays) == 0 {
			delays = l.def.HandlerRetryDelays
		}
		l.dispatcher.Enqueue(ev, handlers, delays)
	}
}

// workflowEvent dispatches a workflow event to the workflow handlers.
func (l *Loop) workflowEvent(name, msg string) {
	ev := l.def.Events
	var handlers []string
	for _, e := range ev.HandlerEvents {
		if e == name {
			handlers = ev.Handlers
			break
		}
	}
	if len(handlers) == 0 {
		return
	}
	l.dispatcher.Enqueue(model.Event{Event: name, Message: msg, Time: l.now().UTC()}, handlers, l.def.HandlerRetryDelays)
}

// handlerResult records the outcome of an event handler run.
func (l *Loop) handlerResult(d events.Dispatch, err error) {
	if l.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	l.metrics.HandlerDispatches.WithLabelValues(d.Event.Event, result).Inc()
}
