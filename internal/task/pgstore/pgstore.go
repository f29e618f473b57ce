// Package pgstore is the Postgres-backed Task Repository, grounded on the
// teacher's lark task_store_postgres.go: pgxpool, CREATE TABLE IF NOT
// EXISTS schema management, plain INSERTs (a unique violation becomes
// DuplicateID), and COALESCE partial updates. UpdateProgress uses an atomic
// `accumulated_cost = accumulated_cost + $2` so concurrent stream callbacks
// for the same task never lose an update.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/taskcore/internal/logging"
	"github.com/relaydesk/taskcore/internal/task"
	"github.com/relaydesk/taskcore/internal/taskerr"
)

const taskTable = "background_tasks"

// Store persists task records in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Postgres-backed task store over an already-connected
// pool. Call EnsureSchema once before use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskPostgresStore"),
	}
}

// Connect opens a pool against dsn, ensures the schema exists, and returns
// a ready-to-use Store. Callers should defer Close.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect task store: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureSchema creates the backing table and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    task_id TEXT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    working_dir TEXT NOT NULL,
    prompt TEXT NOT NULL,
    status TEXT NOT NULL,
    continuation_handle TEXT,
    created_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    accumulated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    turns INTEGER NOT NULL DEFAULT 0,
    last_output TEXT,
    last_activity_at TIMESTAMPTZ NOT NULL,
    result_summary TEXT,
    error_message TEXT,
    commits JSONB NOT NULL DEFAULT '[]',
    chat_id BIGINT NOT NULL,
    thread_id TEXT
);`, taskTable),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_running_dir ON %s (working_dir) WHERE status = 'running';`, taskTable, taskTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status);`, taskTable, taskTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_dir_finished ON %s (working_dir, finished_at);`, taskTable, taskTable),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec *task.Record) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO `+taskTable+` (task_id, user_id, working_dir, prompt, status, continuation_handle,
    created_at, finished_at, accumulated_cost, turns, last_output, last_activity_at,
    result_summary, error_message, commits, chat_id, thread_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`, rec.ID, rec.UserID, rec.WorkingDir, rec.Prompt, string(rec.Status), rec.ContinuationHandle,
		rec.CreatedAt, rec.FinishedAt, rec.AccumulatedCost, rec.Turns, rec.LastOutput, rec.LastActivityAt,
		rec.ResultSummary, rec.ErrorMessage, commitsJSON(rec.Commits), rec.ChatID, rec.ThreadID)
	if err != nil {
		if isUniqueViolation(err) {
			return &taskerr.DuplicateID{ID: rec.ID}
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*task.Record, error) {
	row := s.pool.QueryRow(ctx, selectColumns()+` WHERE task_id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, newStatus task.Status, opts ...task.UpdateStatusOption) error {
	params := task.ApplyUpdateStatusOptions(opts)
	now := time.Now().UTC()
	var finishedAt *time.Time
	if newStatus == task.StatusCompleted || newStatus == task.StatusFailed {
		finishedAt = &now
	}
	var commits []byte
	if params.Commits != nil {
		commits = commitsJSON(params.Commits)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE `+taskTable+`
SET status = $2,
    last_activity_at = $3,
    finished_at = COALESCE($4, finished_at),
    result_summary = COALESCE($5, result_summary),
    error_message = COALESCE($6, error_message),
    continuation_handle = COALESCE($7, continuation_handle),
    commits = COALESCE($8::jsonb, commits)
WHERE task_id = $1
`, id, string(newStatus), now, finishedAt, params.ResultSummary, params.ErrorMessage, params.ContinuationHandle, commits)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &taskerr.NotFound{TaskID: id}
	}
	return nil
}

// UpdateProgress accumulates cost with an atomic
// SET accumulated_cost = accumulated_cost + $2 so
// concurrent stream callbacks for the same task can never lose an update.
func (s *Store) UpdateProgress(ctx context.Context, id string, costDelta float64, lastOutput *string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE `+taskTable+`
SET accumulated_cost = accumulated_cost + $2,
    turns = turns + 1,
    last_output = COALESCE($3, last_output),
    last_activity_at = $4
WHERE task_id = $1
`, id, costDelta, lastOutput, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &taskerr.NotFound{TaskID: id}
	}
	return nil
}

func (s *Store) GetRunningForProject(ctx context.Context, workingDir string) (*task.Record, error) {
	row := s.pool.QueryRow(ctx, selectColumns()+` WHERE working_dir = $1 AND status = 'running'`, workingDir)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get running for project: %w", err)
	}
	return rec, nil
}

func (s *Store) GetAllRunning(ctx context.Context) ([]*task.Record, error) {
	rows, err := s.pool.Query(ctx, selectColumns()+` WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("get all running: %w", err)
	}
	defer rows.Close()
	var out []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan running task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+taskTable+` WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return count, nil
}

func (s *Store) GetLastFinishedForProject(ctx context.Context, workingDir string) (*task.Record, error) {
	row := s.pool.QueryRow(ctx, selectColumns()+`
WHERE working_dir = $1 AND status IN ('completed', 'failed')
ORDER BY finished_at DESC NULLS LAST LIMIT 1`, workingDir)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last finished for project: %w", err)
	}
	return rec, nil
}

func selectColumns() string {
	return `SELECT task_id, user_id, working_dir, prompt, status, continuation_handle,
    created_at, finished_at, accumulated_cost, turns, last_output, last_activity_at,
    result_summary, error_message, commits, chat_id, thread_id
FROM ` + taskTable
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*task.Record, error) {
	var rec task.Record
	var status string
	var commits []byte
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.WorkingDir, &rec.Prompt, &status, &rec.ContinuationHandle,
		&rec.CreatedAt, &rec.FinishedAt, &rec.AccumulatedCost, &rec.Turns, &rec.LastOutput, &rec.LastActivityAt,
		&rec.ResultSummary, &rec.ErrorMessage, &commits, &rec.ChatID, &rec.ThreadID); err != nil {
		return nil, err
	}
	rec.Status = task.Status(status)
	rec.Commits = decodeCommits(commits)
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
