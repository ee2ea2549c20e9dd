package pool

import (
	"sort"
	"time"

	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/pkg/model"
)

// setState moves inst to st. Edges outside model.ValidTaskTransitions are
// refused and logged; it reports whether the state is now st.
func (p *Pool) setState(inst *Instance, st model.TaskState) bool {
	if inst.State == st {
		return true
	}
	if !inst.State.CanTransitionTo(st) {
		err := &model.InvalidTransitionError{Entity: "task", ID: inst.ID(), From: string(inst.State), To: string(st)}
		p.logger.Error("refusing state change", "task", inst.ID(), "error", err)
		return false
	}
	p.logger.Debug("state change", "task", inst.ID(), "from", inst.State, "to", st)
	inst.State = st
	inst.StateChangedAt = p.now()
	p.markDirty(inst)
	return true
}

func (p *Pool) emit(inst *Instance, event, msg string) {
	ev := model.Event{
		Event:     event,
		TaskID:    inst.ID(),
		Name:      inst.Name,
		Point:     inst.Point.String(),
		TryNum:    inst.TryNum,
		SubmitNum: inst.SubmitNum,
		Message:   msg,
		Platform:  inst.def.Runtime.Platform,
		Time:      p.now(),
	}
	if j := inst.Job; j != nil {
		ev.JobID = j.Handle
		ev.SubmitTime = j.SubmittedAt
		ev.StartTime = j.StartedAt
		ev.FinishTime = j.FinishedAt
	}
	p.events = append(p.events, ev)
}

// current reports whether a job result for submitNum still applies to inst.
func (p *Pool) current(inst *Instance, submitNum int) bool {
	if submitNum != inst.SubmitNum {
		p.logger.Debug("discarding stale job result", "task", inst.ID(), "submit_num", submitNum, "current", inst.SubmitNum)
		return false
	}
	return true
}

// Evaluate moves waiting instances whose prerequisites are met to queued,
// applies clock expiry and xtriggers, and deals with instances that can
// no longer become ready. It returns the IDs queued.
func (p *Pool) Evaluate(now time.Time) []string {
	var queued []string
	for _, inst := range p.Instances() {
		if inst.State != model.TaskStateWaiting || inst.IsRunahead {
			continue
		}
		if p.clockExpired(inst, now) {
			p.expire(inst, "clock expired")
			continue
		}
		if inst.IsRetrying() && now.Before(inst.RetryAt) {
			continue
		}
		if inst.taskConditionsSatisfied() {
			p.checkXTriggers(inst, now)
		}
		if inst.IsRetrying() || inst.PrereqsSatisfied() {
			if inst.IsHeld {
				continue
			}
			p.queue(inst)
			queued = append(queued, inst.ID())
			continue
		}
		if !p.canStillSucceed(inst) {
			p.unsatisfiable(inst)
		}
	}
	return queued
}

func (p *Pool) clockExpired(inst *Instance, now time.Time) bool {
	ce := inst.def.ClockExpire
	if ce == nil || inst.IsForced {
		return false
	}
	at, err := inst.Point.Add(*ce)
	if err != nil {
		return false
	}
	return now.After(at.Time())
}

func (p *Pool) checkXTriggers(inst *Instance, now time.Time) {
	if p.xtrig == nil {
		return
	}
	for _, pr := range inst.Prereqs {
		for _, k := range pr.Pending() {
			if !k.IsXTrigger() {
				continue
			}
			ok, err := p.xtrig.Satisfied(k.Label(), inst.Point, now)
			if err != nil {
				p.logger.Warn("xtrigger check failed", "task", inst.ID(), "xtrigger", k.Label(), "error", err)
				continue
			}
			if ok && pr.Satisfy(k) {
				p.logger.Info("xtrigger satisfied", "task", inst.ID(), "xtrigger", k.Label())
				p.markDirty(inst)
			}
		}
	}
}

func (p *Pool) canStillSucceed(inst *Instance) bool {
	for _, pr := range inst.Prereqs {
		if !pr.CanStillSucceed() {
			return false
		}
	}
	return true
}

func (p *Pool) unsatisfiable(inst *Instance) {
	var missing []string
	for _, pr := range inst.Prereqs {
		for _, k := range pr.Unsatisfiable() {
			missing = append(missing, k.String())
		}
	}
	err := &model.UnsatisfiableDependencyError{TaskID: inst.ID(), Missing: missing}
	if p.cfg.Unsatisfiable == taskdef.UnsatisfiableWait {
		if !inst.unsatisfiableLogged {
			p.logger.Warn("instance can never become ready", "task", inst.ID(), "error", err)
			inst.unsatisfiableLogged = true
		}
		return
	}
	p.logger.Warn("expiring instance", "task", inst.ID(), "error", err)
	p.expire(inst, err.Error())
}

func (p *Pool) queue(inst *Instance) {
	p.queueSeq++
	inst.QueuedSeq = p.queueSeq
	inst.RetryAt = time.Time{}
	p.setState(inst, model.TaskStateQueued)
}

// ReleaseQueued moves queued instances to ready, respecting max_active
// and queue limits, highest priority first then in queueing order.
// Instances beyond the runahead limit stay queued. Forced instances
// bypass all of these. Each released instance gets a new
// submit number; the caller submits a job for it.
func (p *Pool) ReleaseQueued() []*Instance {
	active := 0
	perQueue := make(map[string]int)
	var queued []*Instance
	for _, inst := range p.tasks {
		switch {
		case inst.IsActive():
			active++
			perQueue[p.cfg.QueueOf(inst.Name).Name]++
		case inst.State == model.TaskStateQueued:
			queued = append(queued, inst)
		}
	}
	sort.Slice(queued, func(a, b int) bool {
		pa, pb := queued[a].def.Runtime.Priority, queued[b].def.Runtime.Priority
		if pa != pb {
			return pa > pb
		}
		return queued[a].QueuedSeq < queued[b].QueuedSeq
	})
	var released []*Instance
	for _, inst := range queued {
		if inst.IsHeld || (inst.IsRunahead && !inst.IsForced) {
			continue
		}
		q := p.cfg.QueueOf(inst.Name)
		if !inst.IsForced {
			if p.cfg.MaxActive > 0 && active >= p.cfg.MaxActive {
				continue
			}
			if q.Limit > 0 && perQueue[q.Name] >= q.Limit {
				continue
			}
		}
		active++
		perQueue[q.Name]++
		inst.SubmitNum++
		inst.Job = nil
		p.setState(inst, model.TaskStateReady)
		released = append(released, inst)
	}
	return released
}

// JobSubmitted records a successful submission.
func (p *Pool) JobSubmitted(inst *Instance, submitNum int, job model.Job) {
	if !p.current(inst, submitNum) {
		return
	}
	j := job
	inst.Job = &j
	p.touchJob(inst)
	inst.SubmitTries = 0
	inst.IsForced = false
	if !p.setState(inst, model.TaskStateSubmitted) {
		return
	}
	p.satisfyOutput(inst, model.OutputSubmitted)
	p.emit(inst, model.EventSubmitted, "")
}

// JobSubmitFailed records a failed submission and schedules a submission
// retry if any remain.
func (p *Pool) JobSubmitFailed(inst *Instance, submitNum int, msg string) {
	if !p.current(inst, submitNum) {
		return
	}
	inst.IsForced = false
	inst.SubmitTries++
	delays := inst.def.SubmissionRetryDelays
	if inst.SubmitTries <= len(delays) {
		inst.RetryAt = p.now().Add(delays[inst.SubmitTries-1])
		p.setState(inst, model.TaskStateWaiting)
		p.logger.Info("submission failed, will retry", "task", inst.ID(), "retry_at", inst.RetryAt, "error", msg)
		p.emit(inst, model.EventSubmissionRetry, msg)
		return
	}
	inst.RetryAt = time.Time{}
	p.setState(inst, model.TaskStateSubmitFailed)
	p.satisfyOutput(inst, model.OutputSubmitFailed)
	p.logger.Warn("submission failed", "task", inst.ID(), "error", msg)
	p.emit(inst, model.EventSubmissionFailed, msg)
	p.settle(inst)
}

// JobStarted records that the job began executing.
func (p *Pool) JobStarted(inst *Instance, submitNum int, at time.Time) {
	if !p.current(inst, submitNum) || inst.State == model.TaskStateRunning {
		return
	}
	if inst.State != model.TaskStateSubmitted && inst.State != model.TaskStateReady {
		return
	}
	if inst.Job != nil {
		t := at
		inst.Job.StartedAt = &t
		inst.Job.State = model.JobStateRunning
		p.touchJob(inst)
	}
	if inst.State == model.TaskStateReady {
		p.satisfyOutput(inst, model.OutputSubmitted)
	}
	if !p.setState(inst, model.TaskStateRunning) {
		return
	}
	p.satisfyOutput(inst, model.OutputStarted)
	p.emit(inst, model.EventStarted, "")
}

// JobSucceeded records a successful job.
func (p *Pool) JobSucceeded(inst *Instance, submitNum int, at time.Time) {
	if !p.current(inst, submitNum) || !inst.IsActive() {
		return
	}
	if inst.State != model.TaskStateRunning {
		p.JobStarted(inst, submitNum, at)
	}
	p.finishJob(inst, model.JobStateSucceeded, model.ExitSucceeded, at)
	if !p.setState(inst, model.TaskStateSucceeded) {
		return
	}
	p.satisfyOutput(inst, model.OutputSucceeded)
	p.logger.Info("task succeeded", "task", inst.ID(), "try", inst.TryNum)
	p.emit(inst, model.EventSucceeded, "")
	p.settle(inst)
}

// JobFailed records a failed job. Execution retries apply unless the job
// was killed.
func (p *Pool) JobFailed(inst *Instance, submitNum int, class model.ExitClass, msg string, at time.Time) {
	if !p.current(inst, submitNum) || !inst.IsActive() {
		return
	}
	p.finishJob(inst, model.JobStateFailed, class, at)
	delays := inst.def.ExecutionRetryDelays
	if class != model.ExitKilled && inst.TryNum <= len(delays) {
		inst.RetryAt = p.now().Add(delays[inst.TryNum-1])
		inst.TryNum++
		p.setState(inst, model.TaskStateWaiting)
		p.logger.Info("task failed, will retry", "task", inst.ID(), "next_try", inst.TryNum, "retry_at", inst.RetryAt)
		p.emit(inst, model.EventRetry, msg)
		return
	}
	inst.RetryAt = time.Time{}
	p.setState(inst, model.TaskStateFailed)
	p.satisfyOutput(inst, model.OutputFailed)
	p.logger.Warn("task failed", "task", inst.ID(), "try", inst.TryNum, "class", class, "message", msg)
	p.emit(inst, model.EventFailed, msg)
	p.settle(inst)
}

// KillQueued fails a queued instance as killed before any job exists.
// It reports false for instances in any other state.
func (p *Pool) KillQueued(inst *Instance) bool {
	if inst.State != model.TaskStateQueued {
		return false
	}
	inst.RetryAt = time.Time{}
	inst.IsForced = false
	if !p.setState(inst, model.TaskStateFailed) {
		return false
	}
	p.satisfyOutput(inst, model.OutputFailed)
	p.logger.Warn("task killed before submission", "task", inst.ID(), "try", inst.TryNum)
	p.emit(inst, model.EventFailed, "killed")
	p.settle(inst)
	return true
}

func (p *Pool) finishJob(inst *Instance, st model.JobState, class model.ExitClass, at time.Time) {
	if inst.Job == nil {
		return
	}
	t := at
	inst.Job.FinishedAt = &t
	inst.Job.State = st
	inst.Job.ExitClass = class
	p.touchJob(inst)
}

// Message applies a message reported by a running job. Messages that name
// a custom output emit it; warning and critical messages raise events.
func (p *Pool) Message(inst *Instance, msg model.TaskMessage) {
	if !p.current(inst, msg.SubmitNum) {
		return
	}
	switch msg.Severity {
	case "WARNING", "warning":
		p.emit(inst, model.EventWarning, msg.Message)
	case "CRITICAL", "critical":
		p.emit(inst, model.EventCritical, msg.Message)
	}
	out, ok := inst.def.OutputForMessage(msg.Message)
	if !ok {
		p.logger.Info("task message", "task", inst.ID(), "message", msg.Message)
		return
	}
	if inst.State == model.TaskStateSubmitted {
		p.JobStarted(inst, msg.SubmitNum, msg.EventTime)
	}
	if !inst.HasOutput(out) {
		p.satisfyOutput(inst, out)
		p.emit(inst, model.EventCustom, msg.Message)
	}
}

// Expire moves a non-active instance to expired.
func (p *Pool) Expire(inst *Instance, reason string) bool {
	if inst.IsActive() || inst.isTerminal() {
		return false
	}
	p.expire(inst, reason)
	return true
}

func (p *Pool) expire(inst *Instance, reason string) {
	inst.RetryAt = time.Time{}
	p.setState(inst, model.TaskStateExpired)
	p.satisfyOutput(inst, model.OutputExpired)
	p.emit(inst, model.EventExpired, reason)
	p.settle(inst)
}

// TimedOut raises a submission or execution timeout event once per job.
func (p *Pool) TimedOut(inst *Instance, event string) {
	p.emit(inst, event, "")
}

// Active returns the instances holding an execution slot.
func (p *Pool) Active() []*Instance {
	var out []*Instance
	for _, inst := range p.Instances() {
		if inst.IsActive() {
			out = append(out, inst)
		}
	}
	return out
}

// Waiting returns waiting instances with every non-xtrigger condition met.
func (p *Pool) Waiting() []*Instance {
	var out []*Instance
	for _, inst := range p.Instances() {
		if inst.State == model.TaskStateWaiting && inst.taskConditionsSatisfied() {
			out = append(out, inst)
		}
	}
	return out
}
