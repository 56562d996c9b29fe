package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// tsLayout is fixed width so that timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

type Store struct {
	DB *sql.DB
}

// dsn opens path with a busy timeout and IMMEDIATE transactions. Every
// transaction here reads and then writes; taking the write lock at BEGIN
// lets a second process wait on busy_timeout instead of failing the lock
// upgrade with SQLITE_BUSY.
func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers inside the process; the busy timeout
	// covers other processes sharing the file.
	db.SetMaxOpenConns(1)

	// Enable WAL mode (important for concurrency)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping verifies the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.DB.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func runMigrations(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  workflow_id TEXT NOT NULL,
  execution_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  type TEXT NOT NULL CHECK (type IN ('data_prep','train','evaluate')),
  payload BLOB,
  state TEXT NOT NULL CHECK (state IN ('waiting','active','completed','failed','delayed','paused')),
  priority INTEGER NOT NULL DEFAULT 0,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  worker_id TEXT NOT NULL DEFAULT '',
  result BLOB,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  available_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS jobs_claim ON jobs(state, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS jobs_execution ON jobs(execution_id);

CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  workflow_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed','cancelled')),
  planned INTEGER NOT NULL,
  workflow TEXT NOT NULL,
  started_at TEXT NOT NULL,
  completed_at TEXT,
  checkpoint_id TEXT NOT NULL DEFAULT '',
  checkpoint_seq INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_jobs (
  execution_id TEXT NOT NULL,
  job_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  job_set TEXT NOT NULL CHECK (job_set IN ('current','completed','failed')),
  required INTEGER NOT NULL DEFAULT 1,
  seq INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (execution_id, job_id),
  UNIQUE (execution_id, stage)
);

CREATE TABLE IF NOT EXISTS checkpoints (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  execution_id TEXT NOT NULL,
  payload BLOB NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS checkpoints_execution ON checkpoints(execution_id, seq);

CREATE TABLE IF NOT EXISTS config (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}
