package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/me/gocycle/internal/broadcast"
	"github.com/me/gocycle/internal/datastore"
	"github.com/me/gocycle/internal/events"
	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/internal/metrics"
	"github.com/me/gocycle/internal/pool"
	"github.com/me/gocycle/internal/store"
	"github.com/me/gocycle/internal/taskdef"
	"github.com/me/gocycle/internal/xtrigger"
	"github.com/me/gocycle/pkg/model"
)

// ErrAborted is returned by Start when an abort condition ends the run.
var ErrAborted = errors.New("workflow aborted")

// Config holds scheduler configuration.
type Config struct {
	WorkflowID string
	// TickInterval is the time between scheduling iterations.
	TickInterval time.Duration
	// PollInterval is the minimum time between polls of one job.
	PollInterval time.Duration
	// CallTimeout bounds every back-end call.
	CallTimeout time.Duration
	// MaxConcurrentCalls bounds back-end calls in flight.
	MaxConcurrentCalls int64
	// CheckpointAttempts is how often a failed checkpoint is retried
	// within one iteration.
	CheckpointAttempts int
	// MaxPollFailures is how many consecutive failed or unknown polls
	// fail a job. A kill is abandoned after as many failed attempts.
	MaxPollFailures int
	// HandlerWorkers and HandlerTimeout size the event handler pool when
	// no Dispatcher is given.
	HandlerWorkers int
	HandlerTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:       time.Second,
		PollInterval:       10 * time.Second,
		CallTimeout:        30 * time.Second,
		MaxConcurrentCalls: 16,
		CheckpointAttempts: 3,
		MaxPollFailures:    5,
	}
}

// Options holds the collaborators of a Loop. Definition, Store and
// Registry are required.
type Options struct {
	Config     Config
	Definition *taskdef.Config
	// Loader re-reads the definition for the reload command.
	Loader     func() (*taskdef.Config, error)
	Store      store.Store
	Registry   *executor.Registry
	Dispatcher *events.Dispatcher
	Data       *datastore.Store
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Loop implements the Scheduler interface with a polling-based scheduling loop.
type Loop struct {
	config     Config
	def        *taskdef.Config
	loader     func() (*taskdef.Config, error)
	store      store.Store
	registry   *executor.Registry
	dispatcher *events.Dispatcher
	data       *datastore.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	pool       *pool.Pool
	broadcasts *broadcast.Manager
	xtriggers  *xtrigger.Manager

	sem   *semaphore.Weighted
	calls sync.WaitGroup
	// callCtx outlives single ticks; calls finish or time out on their own.
	callCtx context.Context

	inMu        sync.Mutex
	completions []completion
	messages    []pendingMessage
	commands    []*pendingCommand

	jobs map[string]*tracked

	status         model.WorkflowStatus
	statusMsg      string
	paused         bool
	stopMode       StopMode
	stopAt         time.Time
	stopTask       string
	done           bool
	aborted        bool
	stalled        bool
	stallSince     time.Time
	stallTimedOut  bool
	lastActivity   time.Time
	inactive       bool
	iteration      int64
	startedAt      time.Time
	lastCheckpoint *time.Time
	checkpointOK   bool
	applied        []int64
	savedParams    map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewLoop creates a new scheduler loop for a fresh or restored run. Call
// Restore before Start to pick up persisted state.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Definition == nil || opts.Store == nil || opts.Registry == nil {
		return nil, errors.New("scheduler: definition, store and registry are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = def.MaxConcurrentCalls
	}
	if cfg.CheckpointAttempts <= 0 {
		cfg.CheckpointAttempts = def.CheckpointAttempts
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = def.MaxPollFailures
	}
	if cfg.WorkflowID == "" {
		cfg.WorkflowID = opts.Definition.Name
	}

	logger := opts.Logger.With("component", "scheduler", "workflow", cfg.WorkflowID)
	l := &Loop{
		config:      cfg,
		def:         opts.Definition,
		loader:      opts.Loader,
		store:       opts.Store,
		registry:    opts.Registry,
		dispatcher:  opts.Dispatcher,
		data:        opts.Data,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         opts.Now,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		callCtx:     context.Background(),
		jobs:        make(map[string]*tracked),
		status:      model.WorkflowStatusRunning,
		savedParams: make(map[string]string),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if l.dispatcher == nil {
		l.dispatcher = events.NewDispatcher(events.Options{
			Workflow: cfg.WorkflowID,
			Workers:  cfg.HandlerWorkers,
			Timeout:  cfg.HandlerTimeout,
			OnResult: l.handlerResult,
		}, opts.Logger)
	}
	if l.data == nil {
		l.data = datastore.New(opts.Definition.Kind(), opts.Logger)
	}

	xt, err := newXTriggers(opts.Definition, opts.Logger, nil)
	if err != nil {
		return nil, err
	}
	l.xtriggers = xt
	l.broadcasts = broadcast.New(opts.Definition.Kind(), l.knownNamespace, opts.Logger)
	p, err := pool.New(opts.Definition, pool.Options{
		Logger:    opts.Logger,
		Now:       opts.Now,
		XTriggers: xt,
		History:   opts.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("create task pool: %w", err)
	}
	l.pool = p
	return l, nil
}

func newXTriggers(cfg *taskdef.Config, logger *slog.Logger, prev *xtrigger.Manager) (*xtrigger.Manager, error) {
	xt, err := xtrigger.New(cfg.XTriggers, logger)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if err := xt.Restore(cfg.Kind(), prev.Results()); err != nil {
			return nil, err
		}
	}
	return xt, nil
}

func (l *Loop) knownNamespace(ns string) bool {
	if ns == "root" || l.def.IsFamily(ns) {
		return true
	}
	_, ok := l.def.Task(ns)
	return ok
}

// Pool returns the task pool. It must only be used from the loop's
// goroutine, or in tests between ticks.
func (l *Loop) Pool() *pool.Pool { return l.pool }

// Data returns the published view of the workflow.
func (l *Loop) Data() *datastore.Store { return l.data }

// Start begins the scheduling loop. It returns nil when the workflow
// completes or is stopped, ErrAborted on an abort condition, and the
// context error on cancellation.
func (l *Loop) Start(ctx context.Context) error {
	l.startedAt = l.now().UTC()
	l.lastActivity = l.startedAt
	l.dispatcher.Start(ctx)
	l.workflowEvent(model.EventStartup, "")
	l.logger.Info("scheduler started",
		"tick_interval", l.config.TickInterval,
		"poll_interval", l.config.PollInterval,
		"initial_point", l.def.Context.Initial.String())
	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	var runErr error
	for !l.done {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			runErr = ctx.Err()
			l.finish(model.WorkflowStatusStopped, "context cancelled")
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			l.finish(model.WorkflowStatusStopped, "stop called")
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
	if l.aborted && runErr == nil {
		runErr = fmt.Errorf("%w: %s", ErrAborted, l.statusMsg)
	}
	l.shutdown()
	return runErr
}

// shutdown writes the final checkpoint, sends the shutdown event and waits
// for in-flight back-end calls and event handlers.
func (l *Loop) shutdown() {
	ctx := context.Background()
	if err := l.checkpoint(ctx); err != nil {
		l.logger.Error("final checkpoint failed", "error", err, "kind", model.KindOf(err))
	}
	l.publish(l.now().UTC())
	if l.aborted {
		l.workflowEvent(model.EventAbort, l.statusMsg)
	}
	l.workflowEvent(model.EventShutdown, l.statusMsg)
	l.calls.Wait()
	l.dispatcher.Stop()
	l.inMu.Lock()
	for _, pc := range l.commands {
		pc.reply <- reply{err: &model.APIError{Code: model.ErrUnavailable, Message: "scheduler has shut down"}}
	}
	l.commands = nil
	l.inMu.Unlock()
	close(l.doneCh)
	l.logger.Info("scheduler stopped", "status", l.status, "reason", l.statusMsg)
}

// Stop gracefully shuts down the scheduler and waits for the current tick
// to finish.
func (l *Loop) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}

// Done is closed once the loop has shut down.
func (l *Loop) Done() <-chan struct{} { return l.doneCh }

// Tick runs a single scheduling iteration. Errors from individual phases
// are collected; one failing instance never stops the others.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	now := l.now().UTC()
	l.iteration++
	var errs *multierror.Error

	// Phase 1: Apply back-end results, task messages and commands.
	if err := l.drainInbox(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("phase 1 (inbox): %w", err))
	}

	// Phase 2: Spawn parentless instances and apply the runahead limit.
	l.pool.ScanParentless()
	l.pool.ApplyRunaheadLimit()

	// Phase 3: Evaluate prerequisites, xtriggers and clock expiry.
	l.pool.Evaluate(now)

	// Phase 4: Release queued instances and submit their jobs.
	if l.canSubmit() {
		for _, inst := range l.pool.ReleaseQueued() {
			if err := l.submit(inst); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("phase 4 (submit): %w", err))
			}
		}
	}

	// Phase 5: Poll active jobs and enforce timeouts.
	l.pollJobs(now)
	l.checkTimeouts(now)

	// Phase 6: Dispatch events and drop finished instances.
	l.dispatchTaskEvents()
	l.housekeep()

	// Phase 7: Stop, stall and completion checks.
	l.checkStop(now)

	// Phase 8: Checkpoint.
	if err := l.checkpoint(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("phase 8 (checkpoint): %w", err))
	}

	// Phase 9: Publish the data store and metrics.
	l.publish(now)
	if l.metrics != nil {
		n := 0
		if errs != nil {
			n = len(errs.Errors)
		}
		l.metrics.ObserveTick(time.Since(start), n)
	}
	return errs.ErrorOrNil()
}

// drainInbox applies everything received since the last tick, in order:
// back-end results first, then task messages, then commands.
func (l *Loop) drainInbox(ctx context.Context) error {
	l.inMu.Lock()
	completions, messages, commands := l.completions, l.messages, l.commands
	l.completions, l.messages, l.commands = nil, nil, nil
	l.inMu.Unlock()

	var errs *multierror.Error
	for _, c := range completions {
		if err := l.applyCompletion(ctx, c); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, m := range messages {
		l.applyMessage(m.msg)
		l.applied = append(l.applied, m.journalID)
	}
	for _, pc := range commands {
		res, err := l.apply(ctx, pc.cmd)
		if err != nil {
			l.logger.Warn("command failed", "command", pc.cmd.Name, "id", pc.cmd.ID, "error", err)
		}
		l.applied = append(l.applied, pc.journalID)
		pc.reply <- reply{res: res, err: err}
	}
	l.pruneTracks()
	return errs.ErrorOrNil()
}

func (l *Loop) canSubmit() bool {
	return !l.paused && l.stopMode == "" && !l.done
}

// housekeep removes finished instances and expires state tied to points
// older than the oldest active point.
func (l *Loop) housekeep() {
	for _, id := range l.pool.RemoveFinished() {
		delete(l.jobs, id)
	}
	if oldest, ok := l.pool.OldestActivePoint(); ok {
		l.broadcasts.Expire(oldest)
		l.xtriggers.Forget(oldest)
	}
}

// checkStop decides whether the run is over: explicit stops, the stop
// point, stop time and stop task, completion, stalls and timeouts.
func (l *Loop) checkStop(now time.Time) {
	if l.done {
		return
	}
	activity := l.pool.HasChanges() || l.broadcasts.Changed()
	if activity {
		l.lastActivity = now
		l.inactive = false
	}

	if l.stopTask != "" {
		if inst, ok := l.pool.Get(l.stopTask); ok && inst.State == model.TaskStateSucceeded {
			l.logger.Info("stop task succeeded", "task", l.stopTask)
			l.stopTask = ""
			l.stopMode = StopClean
		}
	}
	if !l.stopAt.IsZero() && !now.Before(l.stopAt) {
		l.logger.Info("stop time reached", "at", l.stopAt)
		l.stopAt = time.Time{}
		l.stopMode = StopClean
	}

	switch l.stopMode {
	case StopNow:
		l.finish(model.WorkflowStatusStopped, "stopped now")
		return
	case StopClean, StopKill:
		if len(l.pool.Active()) == 0 && !l.callsInFlight() {
			l.finish(model.WorkflowStatusStopped, "stopped ("+string(l.stopMode)+")")
			return
		}
		l.status = model.WorkflowStatusStopping
		return
	}

	if !l.callsInFlight() {
		final := l.def.Context.Final
		if sp := l.pool.StopPoint(); !sp.IsZero() && (final.IsZero() || sp.Before(final)) && l.pool.ReachedStopPoint() {
			l.finish(model.WorkflowStatusStopped, "stop point "+sp.String()+" reached")
			return
		}
		if l.pool.Finished() {
			l.finish(model.WorkflowStatusCompleted, "all tasks complete")
			return
		}
	}

	ev := l.def.Events
	stalled := !l.paused && !l.callsInFlight() && l.pool.Stalled()
	switch {
	case stalled && !l.stalled:
		l.stalled, l.stallSince, l.stallTimedOut = true, now, false
		incomplete := l.pool.Incomplete()
		l.logger.Warn("workflow stalled", "incomplete", incomplete)
		l.workflowEvent(model.EventStall, fmt.Sprintf("incomplete: %v", incomplete))
		if ev.AbortOnStall {
			l.abort("stalled")
			return
		}
	case !stalled && l.stalled:
		l.stalled = false
		l.logger.Info("workflow no longer stalled")
	}
	if l.stalled && !l.stallTimedOut && l.def.StallTimeout > 0 && now.Sub(l.stallSince) >= l.def.StallTimeout {
		l.stallTimedOut = true
		l.logger.Warn("stall timeout", "after", l.def.StallTimeout)
		l.workflowEvent(model.EventStallTimeout, "")
		if ev.AbortOnStallTimeout {
			l.abort("stall timeout")
			return
		}
	}
	if !l.inactive && l.def.InactivityTimeout > 0 && now.Sub(l.lastActivity) >= l.def.InactivityTimeout {
		l.inactive = true
		l.logger.Warn("inactivity timeout", "after", l.def.InactivityTimeout)
		l.workflowEvent(model.EventInactivityTimeout, "")
		if ev.AbortOnInactivityTimeout {
			l.abort("inactivity timeout")
			return
		}
	}

	switch {
	case l.paused:
		l.status = model.WorkflowStatusPaused
	case l.stalled:
		l.status = model.WorkflowStatusStalled
	default:
		l.status = model.WorkflowStatusRunning
	}
}

func (l *Loop) abort(reason string) {
	l.logger.Error("aborting workflow", "reason", reason, "incomplete", l.pool.Incomplete())
	l.aborted = true
	l.finish(model.WorkflowStatusAborted, reason)
}

func (l *Loop) finish(status model.WorkflowStatus, reason string) {
	if l.done {
		return
	}
	l.done = true
	l.status = status
	l.statusMsg = reason
	l.logger.Info("workflow finishing", "status", status, "reason", reason)
}

// Info returns the workflow summary as of the last iteration.
func (l *Loop) info(now time.Time) model.WorkflowInfo {
	info := model.WorkflowInfo{
		ID:             l.config.WorkflowID,
		Name:           l.def.Name,
		Status:         l.status,
		StatusMessage:  l.statusMsg,
		CyclingMode:    string(l.def.Kind()),
		InitialPoint:   l.def.Context.Initial.String(),
		LastCheckpoint: l.lastCheckpoint,
		CheckpointOK:   l.checkpointOK,
		Iteration:      l.iteration,
		StartedAt:      l.startedAt,
	}
	if !l.def.Context.Final.IsZero() {
		info.FinalPoint = l.def.Context.Final.String()
	}
	if rp, ok := l.pool.RunaheadPoint(); ok {
		info.RunaheadPoint = rp.String()
	}
	if hp := l.pool.HoldPoint(); !hp.IsZero() {
		info.HoldPoint = hp.String()
	}
	if sp := l.pool.StopPoint(); !sp.IsZero() {
		info.StopPoint = sp.String()
	}
	if l.stalled && !l.done {
		info.StatusMessage = "stalled since " + l.stallSince.Format(time.RFC3339)
	}
	return info
}

// publish pushes the current view to the data store and metrics.
func (l *Loop) publish(now time.Time) {
	proxies := l.pool.Proxies()
	l.data.Update(l.info(now), proxies, now)
	if l.metrics != nil {
		held := 0
		for _, tp := range proxies {
			if tp.IsHeld {
				held++
			}
		}
		l.metrics.SetPool(model.ComputeStateTotals(proxies), held)
	}
}
