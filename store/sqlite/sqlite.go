// Package sqlite implements valet.JobStore using pure-Go SQLite.
// Zero CGO required. The single-connection pool serializes all access,
// which is what makes ClaimNext atomic without row locking.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/valetd/valet"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// JobStoreOption configures a JobStore.
type JobStoreOption func(*JobStore)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) JobStoreOption {
	return func(s *JobStore) { s.logger = l }
}

// JobStore implements valet.JobStore backed by a local SQLite file.
type JobStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ valet.JobStore = (*JobStore)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a JobStore using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...JobStoreOption) *JobStore {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &JobStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: job store opened", "path", dbPath)
	return s
}

// Init creates the jobs table and its indexes.
func (s *JobStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload TEXT NOT NULL,
			ctx TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			run_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs(queue, state, run_at, priority)`,
		`CREATE INDEX IF NOT EXISTS jobs_state_updated_idx ON jobs(state, updated_at)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init jobs: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *JobStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, queue, payload, ctx, attempts, max_attempts, priority, state, run_at, created_at, updated_at, error`

// InsertJob persists a new job. Duplicate ids fail with Conflict.
func (s *JobStore) InsertJob(ctx context.Context, job valet.Job) error {
	ctxJSON, err := json.Marshal(job.Ctx)
	if err != nil {
		return fmt.Errorf("sqlite: marshal job ctx: %w", err)
	}
	payload := string(job.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, payload, string(ctxJSON), job.Attempts, job.MaxAttempts,
		job.Priority, job.State, job.RunAt, job.CreatedAt, job.UpdatedAt, job.Error)
	if err != nil {
		if isUniqueErr(err) {
			return valet.Errorf(valet.KindConflict, "sqlite.job", "job %q already exists", job.ID)
		}
		return fmt.Errorf("sqlite: insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (valet.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return valet.Job{}, valet.Errorf(valet.KindNotFound, "sqlite.job", "job %q not found", id)
	}
	if err != nil {
		return valet.Job{}, fmt.Errorf("sqlite: get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the most recently updated jobs of a queue.
// Empty queue lists across all queues.
func (s *JobStore) ListJobs(ctx context.Context, queue string, limit int) ([]valet.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs ORDER BY updated_at DESC LIMIT ?`
	args := []any{limit}
	if queue != "" {
		q = `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ? ORDER BY updated_at DESC LIMIT ?`
		args = []any{queue, limit}
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []valet.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically moves the best ready job of a queue to running and
// returns it. Ready means state=queued and run_at<=now; best means highest
// priority, then oldest run_at. The UPDATE..RETURNING runs as one statement
// over the single serialized connection, so no two claimers get the same row.
func (s *JobStore) ClaimNext(ctx context.Context, queue string, now int64) (valet.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ? AND state = ? AND run_at <= ?
			ORDER BY priority DESC, run_at ASC, id ASC
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		valet.JobRunning, now, queue, valet.JobQueued, now)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return valet.Job{}, valet.Errorf(valet.KindNotFound, "sqlite.claim", "no ready job in queue %q", queue)
	}
	if err != nil {
		return valet.Job{}, fmt.Errorf("sqlite: claim job: %w", err)
	}
	return job, nil
}

// UpdateJob replaces a job's mutable fields.
func (s *JobStore) UpdateJob(ctx context.Context, job valet.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET attempts=?, max_attempts=?, priority=?, state=?, run_at=?, updated_at=?, error=? WHERE id=?`,
		job.Attempts, job.MaxAttempts, job.Priority, job.State, job.RunAt, job.UpdatedAt, job.Error, job.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update job rows: %w", err)
	}
	if n == 0 {
		return valet.Errorf(valet.KindNotFound, "sqlite.job", "job %q not found", job.ID)
	}
	return nil
}

// ReclaimRunning re-queues jobs stuck in running since before olderThan,
// incrementing attempts. Returns the re-queued jobs.
func (s *JobStore) ReclaimRunning(ctx context.Context, queue string, olderThan int64) ([]valet.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs SET state = ?, attempts = attempts + 1
		 WHERE queue = ? AND state = ? AND updated_at < ?
		 RETURNING `+jobColumns,
		valet.JobQueued, queue, valet.JobRunning, olderThan)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reclaim running: %w", err)
	}
	defer rows.Close()

	var jobs []valet.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan reclaimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// EvictTerminal removes completed and failed jobs last touched before the
// cutoff. Returns how many rows were removed.
func (s *JobStore) EvictTerminal(ctx context.Context, olderThan int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?) AND updated_at < ?`,
		valet.JobCompleted, valet.JobFailed, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sqlite: evict terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: evict rows: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (valet.Job, error) {
	var job valet.Job
	var payload, ctxJSON string
	err := row.Scan(&job.ID, &job.Queue, &payload, &ctxJSON, &job.Attempts, &job.MaxAttempts,
		&job.Priority, &job.State, &job.RunAt, &job.CreatedAt, &job.UpdatedAt, &job.Error)
	if err != nil {
		return valet.Job{}, err
	}
	if payload != "" && payload != "null" {
		job.Payload = json.RawMessage(payload)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &job.Ctx); err != nil {
		return valet.Job{}, fmt.Errorf("unmarshal job ctx: %w", err)
	}
	return job, nil
}

// isUniqueErr matches SQLite's unique-constraint violation by message;
// modernc.org/sqlite does not export a typed error for it.
func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
