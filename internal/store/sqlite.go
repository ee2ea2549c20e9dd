package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/gocycle/internal/broadcast"
	"github.com/me/gocycle/pkg/model"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored times compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Checkpoints ---

// SaveCheckpoint applies cp in a single transaction. Any failure is
// returned as a *model.StorageError and nothing is written.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.Empty() {
		return nil
	}
	s.logger.Debug("sql", "op", "checkpoint",
		"upserts", len(cp.Upserts), "deletes", len(cp.Deletes), "jobs", len(cp.Jobs), "applied", len(cp.Applied))

	if err := s.saveCheckpoint(ctx, cp); err != nil {
		return &model.StorageError{Op: "checkpoint", Err: err}
	}
	return nil
}

func (s *SQLiteStore) saveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for _, rec := range cp.Upserts {
		recordJSON, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_pool (id, name, point, state, record, updated_at) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET state=excluded.state, record=excluded.record, updated_at=excluded.updated_at`,
			rec.ID, rec.Name, rec.Point, string(rec.State), string(recordJSON), now,
		); err != nil {
			return fmt.Errorf("upsert task %s: %w", rec.ID, err)
		}
		outputsJSON, err := json.Marshal(nonNil(rec.Outputs))
		if err != nil {
			return fmt.Errorf("marshal outputs %s: %w", rec.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_outputs (task_id, outputs, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(task_id) DO UPDATE SET outputs=excluded.outputs, updated_at=excluded.updated_at`,
			rec.ID, string(outputsJSON), now,
		); err != nil {
			return fmt.Errorf("upsert outputs %s: %w", rec.ID, err)
		}
	}
	for _, id := range cp.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_pool WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	for _, j := range cp.Jobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_jobs (task_id, submit_num, name, point, try_num, platform, handle, state,
			   exit_class, exit_code, submitted_at, started_at, finished_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(task_id, submit_num) DO UPDATE SET try_num=excluded.try_num, platform=excluded.platform,
			   handle=excluded.handle, state=excluded.state, exit_class=excluded.exit_class,
			   exit_code=excluded.exit_code, submitted_at=excluded.submitted_at,
			   started_at=excluded.started_at, finished_at=excluded.finished_at`,
			j.TaskID, j.SubmitNum, j.Name, j.Point, j.TryNum, j.Platform, j.Handle, string(j.State),
			string(j.ExitClass), j.ExitCode, formatTimePtr(j.SubmittedAt), formatTimePtr(j.StartedAt), formatTimePtr(j.FinishedAt),
		); err != nil {
			return fmt.Errorf("upsert job %s/%02d: %w", j.TaskID, j.SubmitNum, err)
		}
	}
	for k, v := range cp.Params {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_params (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v,
		); err != nil {
			return fmt.Errorf("upsert param %s: %w", k, err)
		}
	}
	if cp.Broadcasts != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM broadcast_states`); err != nil {
			return fmt.Errorf("clear broadcasts: %w", err)
		}
		for _, b := range *cp.Broadcasts {
			settingsJSON, err := json.Marshal(b.Settings)
			if err != nil {
				return fmt.Errorf("marshal broadcast: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO broadcast_states (point, namespace, settings) VALUES (?, ?, ?)`,
				b.Point, b.Namespace, string(settingsJSON),
			); err != nil {
				return fmt.Errorf("insert broadcast: %w", err)
			}
		}
	}
	for _, id := range cp.Applied {
		if _, err := tx.ExecContext(ctx, `UPDATE journal SET applied = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark journal %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadPool returns the persisted task instances ordered by point and name.
func (s *SQLiteStore) LoadPool(ctx context.Context) ([]model.TaskRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "task_pool")

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM task_pool ORDER BY point, name`)
	if err != nil {
		return nil, &model.StorageError{Op: "load pool", Err: err}
	}
	defer rows.Close()

	var out []model.TaskRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, &model.StorageError{Op: "load pool", Err: err}
		}
		var rec model.TaskRecord
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			return nil, &model.StorageError{Op: "load pool", Err: fmt.Errorf("unmarshal record: %w", err)}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LoadParams returns all workflow parameters.
func (s *SQLiteStore) LoadParams(ctx context.Context) (map[string]string, error) {
	s.logger.Debug("sql", "op", "list", "table", "workflow_params")

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM workflow_params`)
	if err != nil {
		return nil, &model.StorageError{Op: "load params", Err: err}
	}
	defer rows.Close()

	params := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, &model.StorageError{Op: "load params", Err: err}
		}
		params[k] = v
	}
	return params, rows.Err()
}

// LoadBroadcasts returns the persisted broadcasts.
func (s *SQLiteStore) LoadBroadcasts(ctx context.Context) ([]broadcast.Broadcast, error) {
	s.logger.Debug("sql", "op", "list", "table", "broadcast_states")

	rows, err := s.db.QueryContext(ctx,
		`SELECT point, namespace, settings FROM broadcast_states ORDER BY point, namespace`)
	if err != nil {
		return nil, &model.StorageError{Op: "load broadcasts", Err: err}
	}
	defer rows.Close()

	var out []broadcast.Broadcast
	for rows.Next() {
		var b broadcast.Broadcast
		var settingsJSON string
		if err := rows.Scan(&b.Point, &b.Namespace, &settingsJSON); err != nil {
			return nil, &model.StorageError{Op: "load broadcasts", Err: err}
		}
		if err := json.Unmarshal([]byte(settingsJSON), &b.Settings); err != nil {
			return nil, &model.StorageError{Op: "load broadcasts", Err: fmt.Errorf("unmarshal settings: %w", err)}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TaskOutputs returns the outputs recorded for a task instance that was
// ever in the pool. It implements pool.History.
func (s *SQLiteStore) TaskOutputs(id string) ([]string, bool, error) {
	var outputsJSON string
	err := s.db.QueryRowContext(context.Background(),
		`SELECT outputs FROM task_outputs WHERE task_id = ?`, id).Scan(&outputsJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &model.StorageError{Op: "task outputs", Err: err}
	}
	var outputs []string
	if err := json.Unmarshal([]byte(outputsJSON), &outputs); err != nil {
		return nil, false, &model.StorageError{Op: "task outputs", Err: err}
	}
	return outputs, true, nil
}

// --- Jobs ---

// ListJobs returns job records, newest submission first within a task.
// An empty taskID lists every job.
func (s *SQLiteStore) ListJobs(ctx context.Context, taskID string, opts model.ListOptions) ([]model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "task_jobs", "task_id", taskID)
	opts.Clamp()

	where := ""
	var args []any
	if taskID != "" {
		where = " WHERE task_id = ?"
		args = append(args, taskID)
	}
	if opts.State != "" {
		if where == "" {
			where = " WHERE state = ?"
		} else {
			where += " AND state = ?"
		}
		args = append(args, opts.State)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_jobs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, submit_num, name, point, try_num, platform, handle, state, exit_class, exit_code,
		 submitted_at, started_at, finished_at FROM task_jobs`+where+
			` ORDER BY point, name, submit_num DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		var state, exitClass string
		var submittedAt, startedAt, finishedAt *string
		if err := rows.Scan(&j.TaskID, &j.SubmitNum, &j.Name, &j.Point, &j.TryNum, &j.Platform, &j.Handle,
			&state, &exitClass, &j.ExitCode, &submittedAt, &startedAt, &finishedAt); err != nil {
			return nil, 0, err
		}
		j.State = model.JobState(state)
		j.ExitClass = model.ExitClass(exitClass)
		j.SubmittedAt = parseTimePtr(submittedAt)
		j.StartedAt = parseTimePtr(startedAt)
		j.FinishedAt = parseTimePtr(finishedAt)
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

// --- Journal ---

// AppendJournal records an entry and returns its id.
func (s *SQLiteStore) AppendJournal(ctx context.Context, kind string, payload []byte) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "journal", "kind", kind)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO journal (kind, payload, created_at) VALUES (?, ?, ?)`,
		kind, string(payload), formatTime(time.Now()))
	if err != nil {
		return 0, &model.StorageError{Op: "append journal", Err: err}
	}
	return res.LastInsertId()
}

// UnappliedJournal returns entries not yet marked applied, oldest first.
func (s *SQLiteStore) UnappliedJournal(ctx context.Context) ([]JournalEntry, error) {
	s.logger.Debug("sql", "op", "list", "table", "journal")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, payload, created_at FROM journal WHERE applied = 0 ORDER BY id`)
	if err != nil {
		return nil, &model.StorageError{Op: "load journal", Err: err}
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var payload, createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &payload, &createdAt); err != nil {
			return nil, &model.StorageError{Op: "load journal", Err: err}
		}
		e.Payload = []byte(payload)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
