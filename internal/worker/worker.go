package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/pkg/model"
)

// Exit code reported for jobs stopped by the worker.
const exitTerminated = 143

// Worker polls the scheduler for jobs, runs them one at a time with the
// configured runtime, and reports their state back.
type Worker struct {
	client  *Client
	runtime Runtime
	stager  Stager
	cfg     Config
	logger  *slog.Logger

	draining atomic.Bool

	mu      sync.Mutex
	running map[string]*runningJob
}

type runningJob struct {
	cancel context.CancelFunc
	killed bool
}

// Config holds worker configuration.
type Config struct {
	ServerURL string
	Name      string
	Hostname  string
	Pools     []string
	Labels    map[string]string
	Runtime   string
	WorkDir   string
	StageOut  string
	WorkerKey string
	Poll      time.Duration
	TLS       TLSConfig
}

// New creates a Worker from configuration.
func New(cfg Config, logger *slog.Logger) (*Worker, error) {
	rt, err := NewRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}
	if _, err := ParseStageOut(cfg.StageOut); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.TLS.BuildTLSConfig()
	if err != nil {
		return nil, err
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "gocycle-worker")
	}
	if cfg.StageOut == "" {
		cfg.StageOut = "local"
	}
	if cfg.Poll == 0 {
		cfg.Poll = 5 * time.Second
	}
	if len(cfg.Pools) == 0 {
		cfg.Pools = []string{executor.DefaultWorkerPool}
	}

	client := NewClient(cfg.ServerURL, tlsCfg)
	client.SetWorkerKey(cfg.WorkerKey)
	return newWorker(cfg, client, rt, NewFileStager(cfg.StageOut), logger), nil
}

func newWorker(cfg Config, client *Client, rt Runtime, stager Stager, logger *slog.Logger) *Worker {
	return &Worker{
		client:  client,
		runtime: rt,
		stager:  stager,
		cfg:     cfg,
		logger:  logger.With("component", "worker"),
		running: make(map[string]*runningJob),
	}
}

// Run registers with the scheduler, then polls for jobs until ctx is
// cancelled. Registration is retried with backoff so a worker can start
// before the scheduler.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", w.cfg.WorkDir, err)
	}
	if err := w.register(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeatLoop(ctx)
	}()

	err := w.jobLoop(ctx)
	wg.Wait()
	return err
}

func (w *Worker) register(ctx context.Context) error {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		worker, err := w.client.Register(ctx, Registration{
			Name:     w.cfg.Name,
			Hostname: w.cfg.Hostname,
			Pools:    w.cfg.Pools,
			Labels:   w.cfg.Labels,
		})
		if err == nil {
			w.logger.Info("registered with scheduler",
				"worker_id", worker.ID,
				"name", worker.Name,
				"pools", worker.Pools,
				"runtime", w.runtime.Name(),
			)
			return nil
		}
		if isRejected(err) {
			return err
		}
		d := b.Duration()
		w.logger.Warn("registration failed, retrying", "error", err, "attempt", int(b.Attempt()), "retry_in", d)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// heartbeatLoop sends heartbeats until ctx is cancelled, stopping jobs the
// scheduler asks to kill. A worker the scheduler no longer knows registers
// again.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat(ctx)
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	hb, err := w.client.Heartbeat(ctx)
	if err != nil {
		if isNotFound(err) {
			w.logger.Warn("scheduler lost this worker, registering again")
			if err := w.register(ctx); err != nil {
				w.logger.Error("re-registration failed", "error", err)
			}
			return
		}
		w.logger.Warn("heartbeat failed", "error", err)
		return
	}
	for _, handle := range hb.Kill {
		w.kill(handle)
	}
	if hb.Draining != w.draining.Load() {
		w.draining.Store(hb.Draining)
		w.logger.Info("drain state changed", "draining", hb.Draining)
	}
}

func (w *Worker) kill(handle string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rj, ok := w.running[handle]
	if !ok || rj.killed {
		return
	}
	rj.killed = true
	rj.cancel()
	w.logger.Info("kill requested", "handle", handle)
}

// jobLoop checks out and runs jobs until ctx is cancelled, then deregisters.
func (w *Worker) jobLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down, deregistering")
			deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := w.client.Deregister(deregCtx)
			cancel()
			if err != nil {
				w.logger.Error("deregister failed", "error", err)
			}
			return nil

		case <-ticker.C:
			if err := w.pollAndExecute(ctx); err != nil {
				w.logger.Error("poll error", "error", err)
			}
		}
	}
}

// pollAndExecute checks for work and runs it if available. Jobs are taken
// back to back until the queue is empty.
func (w *Worker) pollAndExecute(ctx context.Context) error {
	for ctx.Err() == nil && !w.draining.Load() {
		job, err := w.client.Checkout(ctx)
		if err != nil {
			return fmt.Errorf("checkout: %w", err)
		}
		if job == nil {
			return nil
		}
		w.logger.Info("job received", "task", job.Spec.TaskID, "submit", job.Spec.SubmitNum, "handle", job.Handle)
		w.executeJob(ctx, job)
	}
	return nil
}

// executeJob runs one job and reports its outcome.
func (w *Worker) executeJob(ctx context.Context, job *model.WorkerJob) {
	spec := job.Spec
	jobDir := filepath.Join(w.cfg.WorkDir, executor.JobName(spec))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if spec.TimeLimit > 0 {
		jobCtx, cancel = context.WithTimeout(jobCtx, spec.TimeLimit)
		defer cancel()
	}
	rj := &runningJob{cancel: cancel}
	w.mu.Lock()
	w.running[job.Handle] = rj
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.running, job.Handle)
		w.mu.Unlock()
	}()

	report := w.runJob(ctx, jobCtx, job, jobDir)

	w.mu.Lock()
	killed := rj.killed
	w.mu.Unlock()
	switch {
	case killed:
		report = failure(exitTerminated, "killed")
	case ctx.Err() != nil && report.State != model.JobStateSucceeded:
		report = failure(exitTerminated, "worker shut down")
	case spec.TimeLimit > 0 && jobCtx.Err() == context.DeadlineExceeded:
		report = failure(exitTerminated, "execution time limit exceeded")
	}

	if loc, err := w.stager.StageOut(context.Background(), jobDir, spec); err != nil {
		w.logger.Warn("stage-out failed", "task", spec.TaskID, "error", err)
	} else {
		w.logger.Debug("job output staged", "task", spec.TaskID, "location", loc)
	}

	w.logger.Info("job finished",
		"task", spec.TaskID,
		"submit", spec.SubmitNum,
		"state", report.State,
		"exit_code", *report.ExitCode,
		"message", report.Message,
	)
	w.reportWithRetry(job.Handle, report)
}

// runJob prepares the job directory, reports running and executes the script.
func (w *Worker) runJob(ctx, jobCtx context.Context, job *model.WorkerJob, jobDir string) model.WorkerReport {
	spec := job.Spec
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return failure(-1, fmt.Sprintf("create job dir: %v", err))
	}
	if err := os.WriteFile(filepath.Join(jobDir, jobScript), []byte(spec.Script+"\n"), 0o644); err != nil {
		return failure(-1, fmt.Sprintf("write job script: %v", err))
	}
	stdout, err := os.Create(filepath.Join(jobDir, executor.StdoutFile))
	if err != nil {
		return failure(-1, fmt.Sprintf("create stdout: %v", err))
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(jobDir, executor.StderrFile))
	if err != nil {
		return failure(-1, fmt.Sprintf("create stderr: %v", err))
	}
	defer stderr.Close()

	if err := w.client.Report(ctx, job.Handle, model.WorkerReport{State: model.JobStateRunning, Time: time.Now().UTC()}); err != nil {
		w.logger.Warn("report running failed", "task", spec.TaskID, "error", err)
	}

	env := append(executor.JobEnv(spec), "GOCYCLE_SERVER="+w.cfg.ServerURL)
	result, err := w.runtime.Run(jobCtx, RunSpec{
		Name:    executor.JobName(spec),
		Image:   spec.Directives[executor.DirectiveImage],
		WorkDir: jobDir,
		Env:     env,
		GPU:     parseGPUs(spec.Directives[directiveGPUs]),
		Stdout:  stdout,
		Stderr:  stderr,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return failure(-1, err.Error())
	}
	if result.ExitCode != 0 {
		return failure(result.ExitCode, fmt.Sprintf("exit code %d", result.ExitCode))
	}
	code := 0
	return model.WorkerReport{State: model.JobStateSucceeded, ExitCode: &code, Time: time.Now().UTC()}
}

func failure(code int, msg string) model.WorkerReport {
	return model.WorkerReport{State: model.JobStateFailed, ExitCode: &code, Message: msg, Time: time.Now().UTC()}
}

// reportWithRetry delivers a final report. It outlives the worker context
// so that a job finished during shutdown is still accounted for.
func (w *Worker) reportWithRetry(handle string, report model.WorkerReport) {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := w.client.Report(ctx, handle, report)
		cancel()
		if err == nil {
			return
		}
		if isNotFound(err) || attempt >= 5 {
			w.logger.Error("giving up on job report", "handle", handle, "error", err, "attempts", attempt)
			return
		}
		d := b.Duration()
		w.logger.Warn("job report failed, retrying", "handle", handle, "error", err, "retry_in", d)
		time.Sleep(d)
	}
}
