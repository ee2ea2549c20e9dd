package store

import (
	"context"
	"time"

	"github.com/me/gocycle/internal/broadcast"
	"github.com/me/gocycle/pkg/model"
)

// Journal entry kinds.
const (
	JournalMessage = "message"
	JournalCommand = "command"
)

// JournalEntry is an input received from outside the scheduling loop,
// recorded before it is applied so it survives a restart.
type JournalEntry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the incremental state written after a tick that changed
// anything. It is applied in one transaction.
type Checkpoint struct {
	Upserts []model.TaskRecord
	Deletes []string
	Jobs    []model.Job
	Params  map[string]string
	// Broadcasts replaces all broadcast rows when non-nil.
	Broadcasts *[]broadcast.Broadcast
	Applied    []int64
}

// Empty reports whether the checkpoint would write nothing.
func (c *Checkpoint) Empty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0 && len(c.Jobs) == 0 &&
		len(c.Params) == 0 && c.Broadcasts == nil && len(c.Applied) == 0
}

// Store defines the persistence layer for one workflow run.
type Store interface {
	// Checkpointing and restart
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadPool(ctx context.Context) ([]model.TaskRecord, error)
	LoadParams(ctx context.Context) (map[string]string, error)
	LoadBroadcasts(ctx context.Context) ([]broadcast.Broadcast, error)
	TaskOutputs(id string) ([]string, bool, error)

	// Jobs
	ListJobs(ctx context.Context, taskID string, opts model.ListOptions) ([]model.Job, int, error)

	// Journal
	AppendJournal(ctx context.Context, kind string, payload []byte) (int64, error)
	UnappliedJournal(ctx context.Context) ([]JournalEntry, error)

	// Worker job queue
	EnqueueWorkerJob(ctx context.Context, job *model.WorkerJob) error
	GetWorkerJob(ctx context.Context, handle string) (*model.WorkerJob, error)
	RequestWorkerJobKill(ctx context.Context, handle string) error
	CheckoutWorkerJob(ctx context.Context, workerID string, pools []string) (*model.WorkerJob, error)
	ReportWorkerJob(ctx context.Context, workerID string, handle string, report model.WorkerReport) error
	ListWorkerJobs(ctx context.Context, state model.JobState) ([]*model.WorkerJob, error)

	// Workers
	CreateWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, id string) (*model.Worker, error)
	UpdateWorker(ctx context.Context, w *model.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	ListWorkers(ctx context.Context) ([]*model.Worker, error)
	MarkStaleWorkers(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
