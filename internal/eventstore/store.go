// Package eventstore keeps a SQLite history of narration jobs and the
// events each run emitted.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

// Job statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job is one run of the narrator against an input.
type Job struct {
	RunID      string
	JobID      string
	Input      string
	Output     string
	Status     string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	RunID     string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed job history. In ephemeral mode it has no
// database and every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    run_id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    input TEXT,
    output TEXT,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES jobs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether the store persists anything.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginJob records a new run as running.
func (s *Store) BeginJob(ctx context.Context, job Job) error {
	if s.db == nil {
		return nil
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(run_id, job_id, input, output, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET status=excluded.status`,
		job.RunID, job.JobID, job.Input, job.Output, StatusRunning, job.CreatedAt.UnixMilli())
	return err
}

// FinishJob stamps a run with its terminal status.
func (s *Store) FinishJob(ctx context.Context, runID, status string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = ? WHERE run_id = ?`,
		status, s.clock().UnixMilli(), runID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.RunID, evt.Type, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// ListJobEvents retrieves up to limit events for a run in emission order.
func (s *Store) ListJobEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListJobs returns the most recent runs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job_id, input, output, status, created_at, finished_at
		 FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var (
			j        Job
			created  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&j.RunID, &j.JobID, &j.Input, &j.Output, &j.Status, &created, &finished); err != nil {
			return nil, err
		}
		j.CreatedAt = time.UnixMilli(created)
		if finished.Valid {
			j.FinishedAt = time.UnixMilli(finished.Int64)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE run_id IN (
			SELECT run_id FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
