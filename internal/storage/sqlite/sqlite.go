package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/kelden/warden/pkg/types"
)

// Store persists pool history to a SQLite file. The file is the surface
// external dashboards poll, so every write is an upsert keyed by id.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the history database at path
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set pragmas for performance/safety
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT,
		state TEXT,
		priority INTEGER,
		attempts INTEGER,
		max_attempts INTEGER,
		timeout_secs INTEGER,
		worker_id TEXT,
		last_error TEXT,
		payload TEXT,
		context TEXT,
		created_at DATETIME,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		task_id TEXT,
		attempts INTEGER,
		category TEXT,
		suggestion TEXT,
		last_error TEXT,
		errors TEXT,
		task TEXT,
		created_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_escalations_task ON escalations(task_id);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		pid INTEGER,
		state TEXT,
		task_id TEXT,
		last_response DATETIME,
		created_at DATETIME,
		consecutive_failures INTEGER,
		lifetime_errors INTEGER,
		repair_attempts INTEGER,
		incidents INTEGER,
		tasks_completed INTEGER,
		tasks_failed INTEGER,
		updated_at DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Helper to serialize JSON fields
func jsonString(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// Helper to deserialize JSON fields
func fromJSON(data string, v interface{}) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

// RecordTask upserts one task row
func (s *Store) RecordTask(ctx context.Context, t *types.Task) error {
	query := `
	INSERT INTO tasks (
		id, type, state, priority, attempts, max_attempts, timeout_secs,
		worker_id, last_error, payload, context, created_at, started_at, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state=excluded.state,
		priority=excluded.priority,
		attempts=excluded.attempts,
		max_attempts=excluded.max_attempts,
		timeout_secs=excluded.timeout_secs,
		worker_id=excluded.worker_id,
		last_error=excluded.last_error,
		payload=excluded.payload,
		context=excluded.context,
		started_at=excluded.started_at,
		completed_at=excluded.completed_at`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Type, t.State, t.Priority, t.Attempts, t.MaxAttempts, t.TimeoutSecs,
		t.WorkerID, t.LastError, jsonString(t.Payload), jsonString(t.Context),
		t.CreatedAt, t.StartedAt, t.CompletedAt,
	)
	return err
}

// GetTask loads one task row by id
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, taskColumns+" WHERE id = ?", id)
	return scanTask(row)
}

// ListTasks returns the most recently created tasks, newest first
func (s *Store) ListTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, taskColumns+" ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const taskColumns = `SELECT id, type, state, priority, attempts, max_attempts,
	timeout_secs, worker_id, last_error, payload, context,
	created_at, started_at, completed_at FROM tasks`

// Scannable interface to handle Row and Rows
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*types.Task, error) {
	var t types.Task
	var payload, taskCtx string
	var started, completed sql.NullTime

	err := row.Scan(
		&t.ID, &t.Type, &t.State, &t.Priority, &t.Attempts, &t.MaxAttempts,
		&t.TimeoutSecs, &t.WorkerID, &t.LastError, &payload, &taskCtx,
		&t.CreatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}

	if started.Valid {
		t.StartedAt = started.Time
	}
	if completed.Valid {
		t.CompletedAt = completed.Time
	}
	if err := fromJSON(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if err := fromJSON(taskCtx, &t.Context); err != nil {
		return nil, fmt.Errorf("failed to parse context: %w", err)
	}
	return &t, nil
}

// RecordEscalation upserts one escalation report
func (s *Store) RecordEscalation(ctx context.Context, e *types.Escalation) error {
	query := `
	INSERT INTO escalations (
		id, task_id, attempts, category, suggestion, last_error, errors, task, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		attempts=excluded.attempts,
		category=excluded.category,
		suggestion=excluded.suggestion,
		last_error=excluded.last_error,
		errors=excluded.errors,
		task=excluded.task`

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Task.ID, e.Attempts, e.Category, e.Suggestion, e.LastError,
		jsonString(e.Errors), jsonString(e.Task), e.Time,
	)
	return err
}

// ListEscalations returns recent escalations, newest first
func (s *Store) ListEscalations(ctx context.Context, limit int) ([]*types.Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, attempts, category,
		suggestion, last_error, errors, task, created_at
		FROM escalations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escalations []*types.Escalation
	for rows.Next() {
		var e types.Escalation
		var taskID, errs, taskJSON string
		if err := rows.Scan(&e.ID, &taskID, &e.Attempts, &e.Category,
			&e.Suggestion, &e.LastError, &errs, &taskJSON, &e.Time); err != nil {
			return nil, err
		}
		if err := fromJSON(errs, &e.Errors); err != nil {
			return nil, fmt.Errorf("failed to parse errors: %w", err)
		}
		if err := fromJSON(taskJSON, &e.Task); err != nil {
			return nil, fmt.Errorf("failed to parse task: %w", err)
		}
		escalations = append(escalations, &e)
	}
	return escalations, rows.Err()
}

// UpsertWorker records the latest status snapshot of one worker
func (s *Store) UpsertWorker(ctx context.Context, w *types.WorkerInfo) error {
	query := `
	INSERT INTO workers (
		id, pid, state, task_id, last_response, created_at,
		consecutive_failures, lifetime_errors, repair_attempts, incidents,
		tasks_completed, tasks_failed, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		pid=excluded.pid,
		state=excluded.state,
		task_id=excluded.task_id,
		last_response=excluded.last_response,
		consecutive_failures=excluded.consecutive_failures,
		lifetime_errors=excluded.lifetime_errors,
		repair_attempts=excluded.repair_attempts,
		incidents=excluded.incidents,
		tasks_completed=excluded.tasks_completed,
		tasks_failed=excluded.tasks_failed,
		updated_at=excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.PID, w.State, w.TaskID, w.LastResponse, w.CreatedAt,
		w.ConsecutiveFailures, w.LifetimeErrors, w.RepairAttempts, w.Incidents,
		w.TasksCompleted, w.TasksFailed, time.Now().UTC(),
	)
	return err
}

// ListWorkers returns the latest snapshot of every worker ever seen
func (s *Store) ListWorkers(ctx context.Context) ([]*types.WorkerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pid, state, task_id,
		last_response, created_at, consecutive_failures, lifetime_errors,
		repair_attempts, incidents, tasks_completed, tasks_failed
		FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*types.WorkerInfo
	for rows.Next() {
		var w types.WorkerInfo
		if err := rows.Scan(&w.ID, &w.PID, &w.State, &w.TaskID,
			&w.LastResponse, &w.CreatedAt, &w.ConsecutiveFailures,
			&w.LifetimeErrors, &w.RepairAttempts, &w.Incidents,
			&w.TasksCompleted, &w.TasksFailed); err != nil {
			return nil, err
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}
