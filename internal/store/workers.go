package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/me/gocycle/pkg/model"
)

// --- Worker job queue ---

const workerJobColumns = `handle, pool, spec, state, worker_id, exit_code, kill_requested, message,
	created_at, started_at, finished_at`

// EnqueueWorkerJob adds a job to the queue. Enqueueing an existing handle
// is a no-op.
func (s *SQLiteStore) EnqueueWorkerJob(ctx context.Context, job *model.WorkerJob) error {
	s.logger.Debug("sql", "op", "insert", "table", "worker_jobs", "handle", job.Handle)

	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO worker_jobs (handle, task_id, pool, spec, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.Handle, job.Spec.TaskID, job.Pool, string(specJSON), string(job.State), formatTime(job.CreatedAt))
	return err
}

// GetWorkerJob returns the job with handle, or nil if there is none.
func (s *SQLiteStore) GetWorkerJob(ctx context.Context, handle string) (*model.WorkerJob, error) {
	s.logger.Debug("sql", "op", "select", "table", "worker_jobs", "handle", handle)

	job, err := scanWorkerJob(s.db.QueryRowContext(ctx,
		`SELECT `+workerJobColumns+` FROM worker_jobs WHERE handle = ?`, handle))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListWorkerJobs returns jobs in state, or all jobs if state is empty.
func (s *SQLiteStore) ListWorkerJobs(ctx context.Context, state model.JobState) ([]*model.WorkerJob, error) {
	s.logger.Debug("sql", "op", "list", "table", "worker_jobs", "state", state)

	query := `SELECT ` + workerJobColumns + ` FROM worker_jobs`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.WorkerJob
	for rows.Next() {
		job, err := scanWorkerJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequestWorkerJobKill flags a job for killing. A job no worker has
// checked out yet fails immediately.
func (s *SQLiteStore) RequestWorkerJobKill(ctx context.Context, handle string) error {
	s.logger.Debug("sql", "op", "kill", "table", "worker_jobs", "handle", handle)

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_jobs SET kill_requested = 1,
		   state = CASE WHEN worker_id = '' THEN 'failed' ELSE state END,
		   message = CASE WHEN worker_id = '' THEN 'killed before checkout' ELSE message END,
		   finished_at = CASE WHEN worker_id = '' THEN ? ELSE finished_at END
		 WHERE handle = ? AND state IN ('submitted', 'running')`,
		now, handle)
	return err
}

// CheckoutWorkerJob atomically assigns the oldest unassigned job in one of
// pools to workerID. Returns nil if no job is available.
func (s *SQLiteStore) CheckoutWorkerJob(ctx context.Context, workerID string, pools []string) (*model.WorkerJob, error) {
	s.logger.Debug("sql", "op", "checkout_job", "worker_id", workerID, "pools", pools)
	if len(pools) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	args := []any{}
	for _, p := range pools {
		args = append(args, p)
	}
	job, err := scanWorkerJob(tx.QueryRowContext(ctx,
		`SELECT `+workerJobColumns+` FROM worker_jobs
		 WHERE state = 'submitted' AND worker_id = '' AND kill_requested = 0 AND pool IN (`+placeholders(len(pools))+`)
		 ORDER BY created_at LIMIT 1`, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx,
		`UPDATE worker_jobs SET worker_id = ? WHERE handle = ? AND worker_id = ''`,
		workerID, job.Handle); err != nil {
		return nil, fmt.Errorf("assign job: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workers SET current_job = ?, last_seen = ? WHERE id = ?`,
		job.Handle, now, workerID); err != nil {
		return nil, fmt.Errorf("update worker current_job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	job.WorkerID = workerID
	return job, nil
}

// ReportWorkerJob records a status update from the worker holding the job.
func (s *SQLiteStore) ReportWorkerJob(ctx context.Context, workerID, handle string, report model.WorkerReport) error {
	s.logger.Debug("sql", "op", "report", "table", "worker_jobs", "handle", handle, "state", report.State)

	job, err := s.GetWorkerJob(ctx, handle)
	if err != nil {
		return err
	}
	if job == nil {
		return model.NewNotFoundError("job", handle)
	}
	if job.WorkerID != workerID {
		return &model.APIError{Code: model.ErrConflict, Message: fmt.Sprintf("job %s is not held by worker %s", handle, workerID)}
	}
	if job.State.IsTerminal() {
		return nil
	}

	at := report.Time
	if at.IsZero() {
		at = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	switch report.State {
	case model.JobStateRunning:
		_, err = tx.ExecContext(ctx,
			`UPDATE worker_jobs SET state = 'running', started_at = COALESCE(started_at, ?) WHERE handle = ?`,
			formatTime(at), handle)
	case model.JobStateSucceeded, model.JobStateFailed:
		_, err = tx.ExecContext(ctx,
			`UPDATE worker_jobs SET state = ?, exit_code = ?, message = ?,
			   started_at = COALESCE(started_at, ?), finished_at = ? WHERE handle = ?`,
			string(report.State), report.ExitCode, report.Message, formatTime(at), formatTime(at), handle)
		if err == nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE workers SET current_job = '' WHERE id = ? AND current_job = ?`, workerID, handle)
		}
	default:
		return model.NewValidationError(fmt.Sprintf("invalid job state %q", report.State))
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func scanWorkerJob(row scanner) (*model.WorkerJob, error) {
	var job model.WorkerJob
	var specJSON, state, createdAt string
	var startedAt, finishedAt *string
	var killReq int
	if err := row.Scan(&job.Handle, &job.Pool, &specJSON, &state, &job.WorkerID, &job.ExitCode,
		&killReq, &job.Message, &createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specJSON), &job.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	job.State = model.JobState(state)
	job.KillReq = killReq != 0
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseTimePtr(startedAt)
	job.FinishedAt = parseTimePtr(finishedAt)
	return &job, nil
}

// --- Worker operations ---

const workerColumns = `id, name, hostname, state, pools, labels, last_seen, current_job, registered_at`

func (s *SQLiteStore) CreateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "insert", "table", "workers", "id", w.ID)

	poolsJSON, labelsJSON, err := marshalWorker(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workers (`+workerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Hostname, string(w.State), poolsJSON, labelsJSON,
		formatTime(w.LastSeen), w.CurrentJob, formatTime(w.RegisteredAt),
	)
	return err
}

func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	s.logger.Debug("sql", "op", "select", "table", "workers", "id", id)

	w, err := scanWorker(s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

func (s *SQLiteStore) UpdateWorker(ctx context.Context, w *model.Worker) error {
	s.logger.Debug("sql", "op", "update", "table", "workers", "id", w.ID)

	poolsJSON, labelsJSON, err := marshalWorker(w)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET name=?, hostname=?, state=?, pools=?, labels=?,
		 last_seen=?, current_job=? WHERE id=?`,
		w.Name, w.Hostname, string(w.State), poolsJSON, labelsJSON,
		formatTime(w.LastSeen), w.CurrentJob, w.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s not found", w.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteWorker(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "workers", "id", id)

	result, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("worker %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*model.Worker, error) {
	s.logger.Debug("sql", "op", "list", "table", "workers")

	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY registered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// MarkStaleWorkers takes workers not seen since before offline and fails
// the jobs they were running.
func (s *SQLiteStore) MarkStaleWorkers(ctx context.Context, before time.Time) (int64, error) {
	s.logger.Debug("sql", "op", "mark_stale", "table", "workers", "before", before)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := formatTime(before)
	if _, err := tx.ExecContext(ctx,
		`UPDATE worker_jobs SET state = 'failed', message = 'worker lost', finished_at = ?
		 WHERE state IN ('submitted', 'running') AND worker_id IN
		   (SELECT id FROM workers WHERE state != 'offline' AND last_seen < ?)`,
		formatTime(time.Now()), cutoff); err != nil {
		return 0, err
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE workers SET state = 'offline', current_job = '' WHERE state != 'offline' AND last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()
	return n, tx.Commit()
}

func marshalWorker(w *model.Worker) (string, string, error) {
	poolsJSON, err := json.Marshal(nonNil(w.Pools))
	if err != nil {
		return "", "", fmt.Errorf("marshal pools: %w", err)
	}
	labelsJSON, err := json.Marshal(w.Labels)
	if err != nil {
		return "", "", fmt.Errorf("marshal labels: %w", err)
	}
	return string(poolsJSON), string(labelsJSON), nil
}

func scanWorker(row scanner) (*model.Worker, error) {
	var w model.Worker
	var state, poolsJSON, labelsJSON, lastSeen, registeredAt string
	if err := row.Scan(&w.ID, &w.Name, &w.Hostname, &state, &poolsJSON,
		&labelsJSON, &lastSeen, &w.CurrentJob, &registeredAt); err != nil {
		return nil, err
	}
	w.State = model.WorkerState(state)
	json.Unmarshal([]byte(poolsJSON), &w.Pools)
	json.Unmarshal([]byte(labelsJSON), &w.Labels)
	w.LastSeen = parseTime(lastSeen)
	w.RegisteredAt = parseTime(registeredAt)
	return &w, nil
}
