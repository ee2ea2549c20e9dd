package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/me/gocycle/pkg/model"
)

// DirectiveWorkerPool selects the worker pool a job is queued for.
const DirectiveWorkerPool = "worker_pool"

// DefaultWorkerPool is used when a job names no pool.
const DefaultWorkerPool = "default"

// JobQueue is the persistent queue remote workers pull from.
// This avoids importing the full store package.
type JobQueue interface {
	EnqueueWorkerJob(ctx context.Context, job *model.WorkerJob) error
	GetWorkerJob(ctx context.Context, handle string) (*model.WorkerJob, error)
	RequestWorkerJobKill(ctx context.Context, handle string) error
}

// jobNamespace seeds the deterministic worker job handles.
var jobNamespace = uuid.MustParse("5b0f8f6e-3f3a-4c55-9c1e-7d1b1f0c2a10")

// WorkerBackend is a thin scheduler-side back-end for remote workers.
// Submit enqueues the job; workers check it out via the API and report
// status back into the queue, which Poll reads.
type WorkerBackend struct {
	queue  JobQueue
	logDir string
	now    func() time.Time
	logger *slog.Logger
}

// NewWorkerBackend creates a WorkerBackend.
func NewWorkerBackend(queue JobQueue, logger *slog.Logger) *WorkerBackend {
	return &WorkerBackend{
		queue:  queue,
		now:    time.Now,
		logger: logger.With("component", "worker-executor"),
	}
}

// SetLogDir names the directory workers stage job output into. Without it
// the back-end cannot serve logs.
func (b *WorkerBackend) SetLogDir(dir string) { b.logDir = dir }

// Type returns TypeWorker.
func (b *WorkerBackend) Type() string { return TypeWorker }

// Submit enqueues the job. The handle is derived from the job identity, so
// a retried submission finds the existing entry.
func (b *WorkerBackend) Submit(ctx context.Context, spec model.JobSpec) (string, error) {
	handle := uuid.NewSHA1(jobNamespace, []byte(JobName(spec))).String()
	existing, err := b.queue.GetWorkerJob(ctx, handle)
	if err != nil {
		return "", fmt.Errorf("worker executor: get job %s: %w", handle, err)
	}
	if existing != nil {
		return handle, nil
	}
	pool := spec.Directives[DirectiveWorkerPool]
	if pool == "" {
		pool = DefaultWorkerPool
	}
	job := &model.WorkerJob{
		Handle:    handle,
		Spec:      spec,
		Pool:      pool,
		State:     model.JobStateSubmitted,
		CreatedAt: b.now().UTC(),
	}
	if err := b.queue.EnqueueWorkerJob(ctx, job); err != nil {
		return "", fmt.Errorf("worker executor: enqueue %s: %w", spec.TaskID, err)
	}
	b.logger.Debug("job enqueued for worker pickup", "task", spec.TaskID, "handle", handle, "pool", pool)
	return handle, nil
}

// Poll returns whatever the workers last reported.
func (b *WorkerBackend) Poll(ctx context.Context, handle string) (model.JobStatus, error) {
	job, err := b.queue.GetWorkerJob(ctx, handle)
	if err != nil {
		return model.JobStatus{}, fmt.Errorf("worker executor: get job %s: %w", handle, err)
	}
	if job == nil {
		return model.JobStatus{State: model.JobStateUnknown}, nil
	}
	st := model.JobStatus{
		State:      job.State,
		ExitCode:   job.ExitCode,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.State == model.JobStateFailed && job.KillReq {
		st.Message = "killed"
	}
	return st, nil
}

// Kill flags the job. A job nobody checked out is failed straight away;
// a running one is stopped by its worker on the next heartbeat.
func (b *WorkerBackend) Kill(ctx context.Context, handle string) (model.Ack, error) {
	job, err := b.queue.GetWorkerJob(ctx, handle)
	if err != nil {
		return model.Ack{}, fmt.Errorf("worker executor: get job %s: %w", handle, err)
	}
	if job == nil || job.State.IsTerminal() {
		return model.Ack{Handle: handle, Message: "job not active"}, nil
	}
	if err := b.queue.RequestWorkerJobKill(ctx, handle); err != nil {
		return model.Ack{}, fmt.Errorf("worker executor: kill %s: %w", handle, err)
	}
	return model.Ack{Handle: handle, Message: "kill requested"}, nil
}

// Logs reads the output a worker staged for the job.
func (b *WorkerBackend) Logs(ctx context.Context, handle string) (string, string, error) {
	if b.logDir == "" {
		return "", "", &model.APIError{Code: model.ErrNotFound, Message: "no shared log directory configured for worker jobs"}
	}
	job, err := b.queue.GetWorkerJob(ctx, handle)
	if err != nil {
		return "", "", fmt.Errorf("worker executor: get job %s: %w", handle, err)
	}
	if job == nil {
		return "", "", model.NewNotFoundError("worker job", handle)
	}
	return readJobLogs(filepath.Join(b.logDir, JobName(job.Spec)))
}
