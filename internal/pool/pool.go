// Package pool holds the live task instances of a running workflow and
// applies every state change to them: spawning on demand, prerequisite
// satisfaction, queueing, runahead, holds, retries and removal.
//
// A Pool is not safe for concurrent use. The scheduling loop owns it and
// everything else talks to the loop.
package pool

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/matcher"
	"github.com/me/gocycle/internal/prereq"
	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/pkg/model"
)

// XTriggerChecker decides whether an xtrigger is satisfied for a point.
// Implementations must not block.
type XTriggerChecker interface {
	Satisfied(label string, point cycling.Point, now time.Time) (bool, error)
}

// History looks up the outputs of instances that have left the pool.
type History interface {
	TaskOutputs(id string) (outputs []string, ok bool, err error)
}

// Options configures a Pool.
type Options struct {
	Logger      *slog.Logger
	Now         func() time.Time
	XTriggers   XTriggerChecker
	History     History
	HistorySize int
}

// Pool is the set of live task instances.
type Pool struct {
	cfg     *taskdef.Config
	logger  *slog.Logger
	now     func() time.Time
	xtrig   XTriggerChecker
	history History
	removed *lru.Cache[string, []string]
	matcher *matcher.Matcher

	tasks map[string]*Instance
	// waitingOn maps an upstream instance ID to the IDs of instances with
	// a prerequisite on it. Entries may be stale and are checked on use.
	waitingOn map[string]map[string]struct{}
	// scan is the next point at which each task may be parentless.
	scan        map[string]cycling.Point
	holdIntents map[string]string
	holdAfter   cycling.Point
	stopPoint   cycling.Point
	queueSeq    uint64

	dirty   map[string]struct{}
	deleted map[string]struct{}
	// finals holds the last record of dirty instances removed before the
	// next checkpoint.
	finals map[string]model.TaskRecord
	// jobs holds job records changed since the last checkpoint, keyed by
	// task ID and submit number.
	jobs   map[string]model.Job
	events []model.Event
}

// New creates an empty pool for cfg with every task's parentless scan
// starting at the initial cycle point.
func New(cfg *taskdef.Config, opts Options) (*Pool, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 4096
	}
	removed, err := lru.New[string, []string](opts.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	m, err := matcher.New(cfg.Kind(), 0)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:         cfg,
		logger:      opts.Logger.With("component", "pool"),
		now:         opts.Now,
		xtrig:       opts.XTriggers,
		history:     opts.History,
		removed:     removed,
		matcher:     m,
		tasks:       make(map[string]*Instance),
		waitingOn:   make(map[string]map[string]struct{}),
		scan:        make(map[string]cycling.Point),
		holdIntents: make(map[string]string),
		holdAfter:   cfg.HoldAfter,
		stopPoint:   cfg.StopAfter,
		dirty:       make(map[string]struct{}),
		deleted:     make(map[string]struct{}),
		finals:      make(map[string]model.TaskRecord),
		jobs:        make(map[string]model.Job),
	}
	for _, name := range cfg.TaskNames() {
		def := cfg.Tasks[name]
		if first, ok := def.FirstPoint(cfg.Context.Initial); ok {
			p.scan[name] = first
		}
	}
	return p, nil
}

// Config returns the workflow definition in use.
func (p *Pool) Config() *taskdef.Config { return p.cfg }

// Get returns the instance with the given ID.
func (p *Pool) Get(id string) (*Instance, bool) {
	inst, ok := p.tasks[id]
	return inst, ok
}

// Len returns the number of instances in the pool.
func (p *Pool) Len() int { return len(p.tasks) }

// Instances returns every instance ordered by point and name.
func (p *Pool) Instances() []*Instance {
	out := make([]*Instance, 0, len(p.tasks))
	for _, inst := range p.tasks {
		out = append(out, inst)
	}
	sortInstances(out)
	return out
}

// Proxies returns the API view of every instance.
func (p *Pool) Proxies() []model.TaskProxy {
	list := p.Instances()
	out := make([]model.TaskProxy, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.Proxy(p.cfg))
	}
	return out
}

// SetXTriggers replaces the xtrigger checker, typically after a reload.
func (p *Pool) SetXTriggers(x XTriggerChecker) { p.xtrig = x }

// HoldPoint returns the hold-after point, if set.
func (p *Pool) HoldPoint() cycling.Point { return p.holdAfter }

// StopPoint returns the stop-after point, if set.
func (p *Pool) StopPoint() cycling.Point { return p.stopPoint }

// SetStopPoint stops spawning instances after pt. A zero point clears it.
func (p *Pool) SetStopPoint(pt cycling.Point) {
	p.stopPoint = pt
	p.logger.Info("stop point set", "point", pt.String())
}

// Spawn adds name at point to the pool, or returns the existing instance.
// A forced spawn may place an instance off its sequences, after the stop
// point, or where one has already run.
func (p *Pool) Spawn(name string, point cycling.Point, forced bool) (*Instance, error) {
	return p.spawn(name, point, forced)
}

func (p *Pool) spawn(name string, point cycling.Point, forced bool) (*Instance, error) {
	id := taskID(point, name)
	if inst, ok := p.tasks[id]; ok {
		return inst, nil
	}
	def, ok := p.cfg.Task(name)
	if !ok {
		return nil, model.NewNotFoundError("task", name)
	}
	ctx := p.cfg.Context
	if point.Kind() != ctx.Kind {
		return nil, &model.DomainMismatchError{Op: "spawn", Left: string(point.Kind()), Right: string(ctx.Kind)}
	}
	if point.Before(ctx.Initial) {
		return nil, fmt.Errorf("%s: before the initial cycle point %s", id, ctx.Initial)
	}
	if !ctx.Final.IsZero() && point.After(ctx.Final) {
		return nil, fmt.Errorf("%s: after the final cycle point %s", id, ctx.Final)
	}
	if !forced {
		if !def.ValidAt(point) {
			return nil, fmt.Errorf("%s: not on any of the task's sequences", id)
		}
		if !p.stopPoint.IsZero() && point.After(p.stopPoint) {
			return nil, fmt.Errorf("%s: after the stop point %s", id, p.stopPoint)
		}
		if _, ran := p.historyOutputs(id); ran {
			return nil, fmt.Errorf("%s: already ran", id)
		}
	}

	prereqs, err := def.PrerequisitesAt(point)
	if err != nil {
		return nil, fmt.Errorf("%s: bind prerequisites: %w", id, err)
	}
	now := p.now()
	inst := &Instance{
		Name:           name,
		Point:          point,
		def:            def,
		State:          model.TaskStateWaiting,
		Prereqs:        prereqs,
		TryNum:         1,
		IsForced:       forced,
		SpawnedAt:      now,
		StateChangedAt: now,
	}
	if reason, ok := p.holdIntents[id]; ok {
		inst.IsHeld, inst.HoldReason = true, reason
		delete(p.holdIntents, id)
	} else if !p.holdAfter.IsZero() && point.After(p.holdAfter) {
		inst.IsHeld, inst.HoldReason = true, HoldAfter
	}
	if oldest, ok := p.OldestActivePoint(); ok && point.After(p.cfg.RunaheadPoint(oldest)) {
		inst.IsRunahead = true
	}
	p.tasks[id] = inst
	p.resolveUpstream(inst)
	p.markDirty(inst)
	p.logger.Debug("spawned", "task", id, "held", inst.IsHeld, "runahead", inst.IsRunahead)
	return inst, nil
}

// resolveUpstream satisfies or rules out the task conditions of inst from
// what the pool and its history know, and registers the rest for later.
func (p *Pool) resolveUpstream(inst *Instance) {
	id := inst.ID()
	for _, pr := range inst.Prereqs {
		for _, k := range pr.Pending() {
			if k.IsXTrigger() {
				continue
			}
			up := k.TaskID()
			waiters, ok := p.waitingOn[up]
			if !ok {
				waiters = make(map[string]struct{})
				p.waitingOn[up] = waiters
			}
			waiters[id] = struct{}{}

			if u, ok := p.tasks[up]; ok {
				switch {
				case u.HasOutput(k.Output):
					pr.Satisfy(k)
				case u.isComplete(p.cfg):
					pr.MarkUnsatisfiable(k)
				}
				continue
			}
			if outs, ok := p.historyOutputs(up); ok {
				if contains(outs, k.Output) {
					pr.Satisfy(k)
				} else {
					pr.MarkUnsatisfiable(k)
				}
				continue
			}
			if !p.canExist(k.Task, k.Point) {
				pr.MarkUnsatisfiable(k)
			}
		}
	}
}

// canExist reports whether name could ever be spawned at point without
// manual intervention.
func (p *Pool) canExist(name string, point cycling.Point) bool {
	def, ok := p.cfg.Task(name)
	if !ok {
		return false
	}
	if !p.cfg.Context.Final.IsZero() && point.After(p.cfg.Context.Final) {
		return false
	}
	return def.ValidAt(point)
}

func (p *Pool) historyOutputs(id string) ([]string, bool) {
	if outs, ok := p.removed.Get(id); ok {
		return outs, true
	}
	if p.history == nil {
		return nil, false
	}
	outs, ok, err := p.history.TaskOutputs(id)
	if err != nil {
		p.logger.Warn("history lookup failed", "task", id, "error", err)
		return nil, false
	}
	if ok {
		p.removed.Add(id, outs)
	}
	return outs, ok
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// satisfyOutput records output on inst and satisfies every downstream
// prerequisite that depends on it, spawning downstream instances as needed.
func (p *Pool) satisfyOutput(inst *Instance, output string) {
	if !inst.addOutput(output) {
		return
	}
	p.markDirty(inst)
	if inst.IsOrphaned {
		return
	}
	key := prereq.TaskKey(inst.Point, inst.Name, output)
	for _, ch := range p.cfg.Children(inst.Name, output) {
		at, err := inst.Point.Sub(ch.Offset)
		if err != nil || !ch.Sequence.IsValid(at) {
			continue
		}
		child, err := p.spawn(ch.Task, at, false)
		if err != nil {
			p.logger.Debug("child not spawned", "parent", inst.ID(), "output", output, "error", err)
			continue
		}
		p.satisfyKey(child, key)
	}
	for wid := range p.waitingOn[inst.ID()] {
		if w, ok := p.tasks[wid]; ok {
			p.satisfyKey(w, key)
		}
	}
}

func (p *Pool) satisfyKey(inst *Instance, key prereq.Key) {
	changed := false
	for _, pr := range inst.Prereqs {
		if pr.Satisfy(key) {
			changed = true
		}
	}
	if changed {
		p.markDirty(inst)
	}
}

// settle marks the prerequisites of downstream instances unsatisfiable
// for every output a complete instance never emitted.
func (p *Pool) settle(inst *Instance) {
	if inst.isComplete(p.cfg) {
		p.ruleOut(inst)
	}
}

// ruleOut marks downstream conditions on outputs inst has not emitted
// unsatisfiable.
func (p *Pool) ruleOut(inst *Instance) {
	for wid := range p.waitingOn[inst.ID()] {
		w, ok := p.tasks[wid]
		if !ok {
			continue
		}
		for _, pr := range w.Prereqs {
			for _, k := range pr.Pending() {
				if k.IsXTrigger() || k.Task != inst.Name || !k.Point.Equal(inst.Point) {
					continue
				}
				if !inst.HasOutput(k.Output) && pr.MarkUnsatisfiable(k) {
					p.markDirty(w)
				}
			}
		}
	}
}

// OldestActivePoint returns the earliest point of any instance that is not
// complete, or of any pending parentless scan. It is false when there is
// neither.
func (p *Pool) OldestActivePoint() (cycling.Point, bool) {
	var oldest cycling.Point
	for _, inst := range p.tasks {
		if !inst.isComplete(p.cfg) {
			oldest = cycling.Min(oldest, inst.Point)
		}
	}
	for _, pt := range p.scan {
		oldest = cycling.Min(oldest, pt)
	}
	return oldest, !oldest.IsZero()
}

// RunaheadPoint returns the latest point at which instances may run.
func (p *Pool) RunaheadPoint() (cycling.Point, bool) {
	oldest, ok := p.OldestActivePoint()
	if !ok {
		return cycling.Point{}, false
	}
	return p.cfg.RunaheadPoint(oldest), true
}

// ScanParentless spawns parentless instances up to the runahead point, the
// final point and the stop point.
func (p *Pool) ScanParentless() int {
	limit, ok := p.RunaheadPoint()
	if !ok {
		return 0
	}
	final := p.cfg.Context.Final
	spawned := 0
	for _, name := range p.cfg.TaskNames() {
		ptr, ok := p.scan[name]
		if !ok {
			continue
		}
		def := p.cfg.Tasks[name]
		for !ptr.After(limit) {
			if (!final.IsZero() && ptr.After(final)) || (!p.stopPoint.IsZero() && ptr.After(p.stopPoint)) {
				break
			}
			if def.IsParentlessAt(ptr) {
				if _, exists := p.tasks[taskID(ptr, name)]; !exists {
					if _, err := p.spawn(name, ptr, false); err == nil {
						spawned++
					} else {
						p.logger.Debug("parentless instance not spawned", "task", taskID(ptr, name), "error", err)
					}
				}
			}
			next, ok := def.NextPoint(ptr)
			if !ok {
				ptr = cycling.Point{}
				break
			}
			ptr = next
		}
		p.setScan(name, ptr)
	}
	p.dropExhaustedScans()
	return spawned
}

func (p *Pool) setScan(name string, ptr cycling.Point) {
	if ptr.IsZero() {
		delete(p.scan, name)
		return
	}
	p.scan[name] = ptr
}

// dropExhaustedScans forgets scans that can never spawn again.
func (p *Pool) dropExhaustedScans() {
	final := p.cfg.Context.Final
	for name, ptr := range p.scan {
		if (!final.IsZero() && ptr.After(final)) || (!p.stopPoint.IsZero() && ptr.After(p.stopPoint)) {
			delete(p.scan, name)
		}
	}
}

// ScanPointers returns the parentless scan position of each task.
func (p *Pool) ScanPointers() map[string]string {
	out := make(map[string]string, len(p.scan))
	for name, pt := range p.scan {
		out[name] = pt.String()
	}
	return out
}

// RestoreScanPointers replaces the scan positions, typically on restart.
// Tasks absent from ptrs are considered exhausted.
func (p *Pool) RestoreScanPointers(ptrs map[string]string) error {
	scan := make(map[string]cycling.Point, len(ptrs))
	for name, s := range ptrs {
		if _, ok := p.cfg.Task(name); !ok {
			continue
		}
		pt, err := cycling.ParsePoint(p.cfg.Kind(), s)
		if err != nil {
			return fmt.Errorf("scan pointer for %s: %w", name, err)
		}
		scan[name] = pt
	}
	p.scan = scan
	return nil
}

// ApplyRunaheadLimit flags instances beyond the runahead point and clears
// the flag on those that have come within it.
func (p *Pool) ApplyRunaheadLimit() {
	limit, ok := p.RunaheadPoint()
	for _, inst := range p.tasks {
		ahead := ok && inst.Point.After(limit)
		if inst.IsRunahead != ahead {
			inst.IsRunahead = ahead
			p.markDirty(inst)
		}
	}
}

// RemoveFinished removes complete instances at or before the oldest
// active point minus the retention interval. It returns the removed IDs.
func (p *Pool) RemoveFinished() []string {
	oldest, hasOldest := p.OldestActivePoint()
	var cutoff cycling.Point
	if hasOldest {
		c, err := oldest.Sub(p.cfg.Retention)
		if err != nil {
			return nil
		}
		cutoff = c
	}
	var gone []string
	for _, inst := range p.Instances() {
		if !inst.isComplete(p.cfg) {
			continue
		}
		if hasOldest && inst.Point.After(cutoff) {
			continue
		}
		p.remove(inst)
		gone = append(gone, inst.ID())
	}
	if len(gone) > 0 {
		p.logger.Debug("removed finished instances", "count", len(gone))
	}
	return gone
}

func (p *Pool) remove(inst *Instance) {
	id := inst.ID()
	p.ruleOut(inst)
	p.removed.Add(id, inst.Outputs())
	if _, ok := p.dirty[id]; ok {
		p.finals[id] = inst.Record(p.now())
	}
	delete(p.tasks, id)
	delete(p.waitingOn, id)
	delete(p.dirty, id)
	p.deleted[id] = struct{}{}
}

// Finished reports whether there is nothing left to do: no instance that
// is not complete and no parentless scan that may still spawn.
func (p *Pool) Finished() bool {
	if len(p.scan) > 0 {
		return false
	}
	for _, inst := range p.tasks {
		if !inst.isComplete(p.cfg) {
			return false
		}
	}
	return true
}

// ReachedStopPoint reports whether a stop point is set, no job is active
// and every instance at or before it is complete. Instances after the stop
// point are left as they are.
func (p *Pool) ReachedStopPoint() bool {
	if p.stopPoint.IsZero() {
		return false
	}
	for _, ptr := range p.scan {
		if !ptr.After(p.stopPoint) {
			return false
		}
	}
	for _, inst := range p.tasks {
		if inst.IsActive() {
			return false
		}
		if !inst.Point.After(p.stopPoint) && !inst.isComplete(p.cfg) {
			return false
		}
	}
	return true
}

// CanProgress reports whether anything can still happen without outside
// intervention. Held instances whose prerequisites are satisfied count as
// progress: a release is expected, not a stall.
func (p *Pool) CanProgress() bool {
	incomplete := 0
	for _, inst := range p.tasks {
		if inst.isComplete(p.cfg) {
			continue
		}
		incomplete++
		switch inst.State {
		case model.TaskStateReady, model.TaskStateSubmitted, model.TaskStateRunning, model.TaskStateQueued:
			return true
		case model.TaskStateWaiting:
			if inst.IsRunahead {
				continue
			}
			if inst.IsRetrying() || inst.def.ClockExpire != nil || inst.PrereqsSatisfied() {
				return true
			}
			if inst.taskConditionsSatisfied() && p.xtriggersPending(inst) {
				return true
			}
		}
	}
	return incomplete == 0 && len(p.scan) > 0
}

// xtriggersPending reports whether inst waits on xtriggers that may still
// fire.
func (p *Pool) xtriggersPending(inst *Instance) bool {
	if p.xtrig == nil {
		return false
	}
	for _, pr := range inst.Prereqs {
		for _, k := range pr.Pending() {
			if k.IsXTrigger() {
				return true
			}
		}
	}
	return false
}

// Stalled reports whether the workflow has work left but nothing can move.
func (p *Pool) Stalled() bool {
	return !p.Finished() && !p.CanProgress()
}

// Incomplete returns the IDs of instances that block completion.
func (p *Pool) Incomplete() []string {
	var out []string
	for _, inst := range p.Instances() {
		if !inst.isComplete(p.cfg) {
			out = append(out, inst.ID())
		}
	}
	return out
}

// Reload switches to a new definition. Live instances are rebound to
// their new task definitions; instances whose task has gone are orphaned
// and left to finish. Prerequisites of instances that have not started
// are rebuilt, keeping conditions already satisfied.
func (p *Pool) Reload(cfg *taskdef.Config) error {
	m, err := matcher.New(cfg.Kind(), 0)
	if err != nil {
		return err
	}
	if cfg.Kind() != p.cfg.Kind() {
		return &model.DomainMismatchError{Op: "reload", Left: string(p.cfg.Kind()), Right: string(cfg.Kind())}
	}
	// Bind every waiting or queued instance against the new definition
	// before touching the pool, so a failed reload changes nothing.
	staged := make(map[*Instance][]*prereq.Prerequisite)
	for _, inst := range p.Instances() {
		def, ok := cfg.Task(inst.Name)
		if !ok || (inst.State != model.TaskStateWaiting && inst.State != model.TaskStateQueued) {
			continue
		}
		prereqs, err := def.PrerequisitesAt(inst.Point)
		if err != nil {
			return fmt.Errorf("%s: bind prerequisites: %w", inst.ID(), err)
		}
		satisfied := inst.satisfiedKeys()
		for _, pr := range prereqs {
			pr.Restore(satisfied)
		}
		staged[inst] = prereqs
	}

	p.cfg = cfg
	p.matcher = m
	p.waitingOn = make(map[string]map[string]struct{})
	for _, inst := range p.Instances() {
		def, ok := cfg.Task(inst.Name)
		if !ok {
			if !inst.IsOrphaned {
				p.logger.Warn("task removed from definition, orphaning instance", "task", inst.ID())
			}
			inst.IsOrphaned = true
			p.markDirty(inst)
			continue
		}
		inst.def = def
		inst.IsOrphaned = false
		if prereqs, ok := staged[inst]; ok {
			inst.Prereqs = prereqs
		}
		p.resolveUpstream(inst)
		p.markDirty(inst)
	}
	for _, name := range cfg.TaskNames() {
		if _, ok := p.scan[name]; ok {
			continue
		}
		start := cfg.Context.Initial
		if oldest, ok := p.OldestActivePoint(); ok {
			start = oldest
		}
		if first, ok := cfg.Tasks[name].FirstPoint(start); ok {
			p.scan[name] = first
		}
	}
	for name := range p.scan {
		if _, ok := cfg.Task(name); !ok {
			delete(p.scan, name)
		}
	}
	p.logger.Info("definition reloaded", "tasks", len(cfg.Tasks), "instances", len(p.tasks))
	return nil
}

func (i *Instance) satisfiedKeys() []string {
	var keys []string
	for _, pr := range i.Prereqs {
		keys = append(keys, pr.SatisfiedKeys()...)
	}
	return keys
}

// Load restores instances from persisted records. Records for tasks that
// no longer exist are loaded as orphans only if they were active.
func (p *Pool) Load(records []model.TaskRecord) error {
	for _, rec := range records {
		point, err := cycling.ParsePoint(p.cfg.Kind(), rec.Point)
		if err != nil {
			return fmt.Errorf("restore %s: %w", rec.ID, err)
		}
		def, ok := p.cfg.Task(rec.Name)
		if !ok {
			p.logger.Warn("dropping instance of undefined task", "task", rec.ID)
			continue
		}
		inst := &Instance{
			Name:           rec.Name,
			Point:          point,
			def:            def,
			State:          rec.State,
			IsHeld:         rec.IsHeld,
			HoldReason:     rec.HoldReason,
			IsRunahead:     rec.IsRunahead,
			IsForced:       rec.IsForced,
			TryNum:         rec.TryNum,
			SubmitNum:      rec.SubmitNum,
			SubmitTries:    rec.SubmitTries,
			QueuedSeq:      rec.QueuedSeq,
			SpawnedAt:      rec.SpawnedAt,
			StateChangedAt: rec.UpdatedAt,
		}
		if inst.TryNum < 1 {
			inst.TryNum = 1
		}
		if rec.RetryAt != nil {
			inst.RetryAt = *rec.RetryAt
		}
		if rec.Job != nil {
			j := *rec.Job
			inst.Job = &j
		}
		for _, o := range rec.Outputs {
			inst.addOutput(o)
		}
		// A job that was being prepared never reached a back-end.
		if inst.State == model.TaskStateReady {
			inst.State = model.TaskStateQueued
			inst.SubmitNum--
			if inst.SubmitNum < 0 {
				inst.SubmitNum = 0
			}
		}
		if rec.QueuedSeq > p.queueSeq {
			p.queueSeq = rec.QueuedSeq
		}
		var satisfied []string
		for _, keys := range rec.Prereqs {
			satisfied = append(satisfied, keys...)
		}
		prereqs, err := def.PrerequisitesAt(point)
		if err != nil {
			return fmt.Errorf("restore %s: %w", rec.ID, err)
		}
		for _, pr := range prereqs {
			pr.Restore(satisfied)
		}
		inst.Prereqs = prereqs
		p.tasks[inst.ID()] = inst
	}
	for _, inst := range p.tasks {
		p.resolveUpstream(inst)
	}
	p.logger.Info("task pool restored", "instances", len(p.tasks))
	return nil
}

func (p *Pool) markDirty(inst *Instance) {
	id := inst.ID()
	p.dirty[id] = struct{}{}
	delete(p.deleted, id)
	delete(p.finals, id)
}

// Changes returns the records of instances modified since the last call
// to ClearChanges, and the IDs of instances removed since then. Removed
// instances that changed before removal are in both lists.
func (p *Pool) Changes() (updated []model.TaskRecord, deleted []string) {
	now := p.now()
	for id := range p.dirty {
		if inst, ok := p.tasks[id]; ok {
			updated = append(updated, inst.Record(now))
		}
	}
	for _, rec := range p.finals {
		updated = append(updated, rec)
	}
	sort.Slice(updated, func(a, b int) bool { return updated[a].ID < updated[b].ID })
	for id := range p.deleted {
		deleted = append(deleted, id)
	}
	sort.Strings(deleted)
	return updated, deleted
}

// HasChanges reports whether anything awaits checkpointing.
func (p *Pool) HasChanges() bool { return len(p.dirty) > 0 || len(p.deleted) > 0 }

// ClearChanges forgets tracked changes after a successful checkpoint.
func (p *Pool) ClearChanges() {
	p.dirty = make(map[string]struct{})
	p.deleted = make(map[string]struct{})
	p.finals = make(map[string]model.TaskRecord)
	p.jobs = make(map[string]model.Job)
}

func (p *Pool) touchJob(inst *Instance) {
	if inst.Job == nil {
		return
	}
	p.jobs[fmt.Sprintf("%s/%02d", inst.ID(), inst.Job.SubmitNum)] = *inst.Job
}

// JobChanges returns the job records created or updated since the last
// call to ClearChanges, ordered by task ID and submit number.
func (p *Pool) JobChanges() []model.Job {
	keys := make([]string, 0, len(p.jobs))
	for k := range p.jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]model.Job, 0, len(keys))
	for _, k := range keys {
		out = append(out, p.jobs[k])
	}
	return out
}

// MarkAllDirty schedules every instance for the next checkpoint.
func (p *Pool) MarkAllDirty() {
	for _, inst := range p.tasks {
		p.markDirty(inst)
	}
}

// DrainEvents returns and clears the queued task events.
func (p *Pool) DrainEvents() []model.Event {
	ev := p.events
	p.events = nil
	return ev
}
