// Package queue is a lease queue for ingestion jobs backed by SQLite.
//
// A claimed job stays invisible for the lease duration. The worker holding it
// extends the lease while it runs and deletes the row once the job reached a
// terminal state. A worker that dies simply stops extending; the row becomes
// visible again and another worker claims it and resumes from the job state.
//
// Schema (created by Open):
//
//	CREATE TABLE IF NOT EXISTS ingest_jobs (
//	    id          TEXT PRIMARY KEY,
//	    payload     BLOB NOT NULL,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix millis
//	    created_at  INTEGER NOT NULL,            -- unix millis
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    last_error  TEXT NOT NULL DEFAULT ''
//	);
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	DefaultLease       = 30 * time.Minute
	DefaultMaxAttempts = 3
)

// ErrDuplicate is returned by Publish when the job id is already queued.
var ErrDuplicate = errors.New("job already queued")

// Job is a queued ingestion request.
type Job struct {
	ID        string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
	LastError string
}

type Options struct {
	// Lease is how long a claimed job stays invisible without a heartbeat.
	Lease time.Duration
	// MaxAttempts is how many claims a job gets. The claim that reaches it
	// is the job's final attempt.
	MaxAttempts int
	Logger      *zap.Logger
}

type Queue struct {
	db          *sql.DB
	lease       time.Duration
	maxAttempts int
	log         *zap.Logger
	now         func() time.Time
}

// Open opens (or creates) the queue database at path.
func Open(ctx context.Context, path string, opts Options) (*Queue, error) {
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	db.SetMaxOpenConns(1)

	q := &Queue{
		db:          db,
		lease:       opts.Lease,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger,
		now:         time.Now,
	}
	if err := q.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

func (q *Queue) Lease() time.Duration { return q.lease }

func (q *Queue) ensureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ingest_jobs (
			id          TEXT PRIMARY KEY,
			payload     BLOB NOT NULL,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_ingest_jobs_visible ON ingest_jobs (visible_at);
	`)
	if err != nil {
		return fmt.Errorf("create queue table: %w", err)
	}
	return nil
}

// Publish enqueues a job that is immediately visible.
func (q *Queue) Publish(ctx context.Context, id string, payload []byte) error {
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO ingest_jobs (id, payload, visible_at, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Claim leases the oldest visible job. It returns nil, nil when nothing is
// visible.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
		UPDATE ingest_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM ingest_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, payload, visible_at, created_at, attempts, last_error`,
		now.Add(q.lease).UnixMilli(), now.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Extend pushes the lease of a running job forward (heartbeat).
func (q *Queue) Extend(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET visible_at = ? WHERE id = ?`,
		q.now().Add(q.lease).UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// Complete removes a job that reached a terminal state.
func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM ingest_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Retry releases a failed job so it becomes visible again after delay.
func (q *Queue) Retry(ctx context.Context, id string, delay time.Duration, reason string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET visible_at = ?, last_error = ? WHERE id = ?`,
		q.now().Add(delay).UnixMilli(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// Get returns the queued job id, or nil, nil when it is not queued.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, payload, visible_at, created_at, attempts, last_error FROM ingest_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Len returns the number of queued jobs, visible or leased.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// Final reports whether the current claim of j is its last attempt.
func (q *Queue) Final(j *Job) bool {
	return j.Attempts >= q.maxAttempts
}

// Exhausted reports a job whose final attempt died without releasing it.
func (q *Queue) Exhausted(j *Job) bool {
	return j.Attempts > q.maxAttempts
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j            Job
		visAt, creAt int64
	)
	if err := row.Scan(&j.ID, &j.Payload, &visAt, &creAt, &j.Attempts, &j.LastError); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}
