package events

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/gocycle/pkg/model"
)

// Defaults for a Dispatcher.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
	DefaultTimeout   = time.Minute
)

// Dispatch is one handler invocation waiting to run.
type Dispatch struct {
	Event       model.Event
	Handler     string
	RetryDelays []time.Duration
}

// RunFunc runs a rendered handler command.
type RunFunc func(ctx context.Context, command string) error

// ShellRun runs command with /bin/sh -c and reports a non-zero exit with
// the command's combined output.
func ShellRun(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Options configures a Dispatcher.
type Options struct {
	Workflow  string
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Run       RunFunc
	// OnResult, if set, is called after every dispatch with its final error.
	OnResult func(d Dispatch, err error)
}

// Dispatcher runs event handlers on a bounded worker pool. Failures are
// retried on the handler's own delays, then logged; they never reach the
// scheduling loop.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger
	queue  chan Dispatch
	done   chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewDispatcher creates a Dispatcher. Call Start before Enqueue.
func NewDispatcher(opts Options, logger *slog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Run == nil {
		opts.Run = ShellRun
	}
	return &Dispatcher{
		opts:   opts,
		logger: logger.With("component", "events"),
		queue:  make(chan Dispatch, opts.QueueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the worker pool. It stops when Stop is called; ctx
// cancels in-flight handlers and retry waits.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		var g errgroup.Group
		g.SetLimit(d.opts.Workers)
		for job := range d.queue {
			g.Go(func() error {
				d.dispatch(ctx, job)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

// Enqueue schedules handlers for ev without blocking. When the queue is
// full the dispatch is dropped and logged.
func (d *Dispatcher) Enqueue(ev model.Event, handlers []string, retryDelays []time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, h := range handlers {
		job := Dispatch{Event: ev, Handler: h, RetryDelays: retryDelays}
		select {
		case d.queue <- job:
		default:
			err := &model.HandlerDispatchError{Event: ev.Event, Handler: h, Err: fmt.Errorf("dispatch queue full")}
			d.logger.Warn("event handler dropped", "task", ev.TaskID, "error", err, "kind", model.KindOf(err))
			d.report(job, err)
		}
	}
}

// Stop stops accepting dispatches and waits for queued ones to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, job Dispatch) {
	command, err := Render(job.Handler, FieldsFor(d.opts.Workflow, job.Event))
	if err != nil {
		d.fail(job, err, 1)
		return
	}
	attempts := len(job.RetryDelays) + 1
	for try := 1; ; try++ {
		runCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		err = d.opts.Run(runCtx, command)
		cancel()
		if err == nil {
			d.logger.Debug("event handler succeeded", "event", job.Event.Event, "task", job.Event.TaskID, "try", try)
			d.report(job, nil)
			return
		}
		if try >= attempts {
			d.fail(job, err, try)
			return
		}
		d.logger.Info("event handler failed, retrying",
			"event", job.Event.Event, "task", job.Event.TaskID, "try", try, "error", err)
		if !sleep(ctx, job.RetryDelays[try-1]) {
			d.fail(job, ctx.Err(), try)
			return
		}
	}
}

func (d *Dispatcher) fail(job Dispatch, err error, tries int) {
	herr := &model.HandlerDispatchError{Event: job.Event.Event, Handler: job.Handler, Err: err}
	d.logger.Warn("event handler failed",
		"event", job.Event.Event,
		"task", job.Event.TaskID,
		"tries", tries,
		"kind", model.KindOf(herr),
		"error", herr,
	)
	d.report(job, herr)
}

func (d *Dispatcher) report(job Dispatch, err error) {
	if d.opts.OnResult != nil {
		d.opts.OnResult(job, err)
	}
}

func sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
