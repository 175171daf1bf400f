// Package store provides SQLite-backed persistence for the warren core:
// queue tasks with lease fields, idempotency records, review items,
// policy releases, personas, and the append-only audit event tables.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store provides access to the warren database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		persona_id     TEXT NOT NULL,
		task_type      TEXT NOT NULL,
		payload        TEXT NOT NULL DEFAULT '{}',
		status         TEXT NOT NULL DEFAULT 'PENDING',
		scheduled_at   DATETIME NOT NULL,
		created_at     DATETIME NOT NULL,
		started_at     DATETIME,
		completed_at   DATETIME,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 3,
		result_id      TEXT DEFAULT '',
		result_type    TEXT DEFAULT '',
		error_message  TEXT DEFAULT '',
		lease_owner    TEXT DEFAULT '',
		lease_until    DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_claim
		ON tasks(status, scheduled_at);

	CREATE TABLE IF NOT EXISTS idempotency (
		scope        TEXT NOT NULL,
		key          TEXT NOT NULL,
		result_id    TEXT NOT NULL,
		result_type  TEXT DEFAULT '',
		created_at   DATETIME NOT NULL,
		PRIMARY KEY (scope, key)
	);

	CREATE TABLE IF NOT EXISTS task_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id      TEXT NOT NULL,
		persona_id   TEXT DEFAULT '',
		task_type    TEXT DEFAULT '',
		from_status  TEXT DEFAULT '',
		to_status    TEXT NOT NULL,
		reason_code  TEXT DEFAULT '',
		worker_id    TEXT DEFAULT '',
		retry_count  INTEGER NOT NULL DEFAULT 0,
		occurred_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS review_items (
		id                    TEXT PRIMARY KEY,
		task_id               TEXT NOT NULL REFERENCES tasks(id),
		persona_id            TEXT NOT NULL,
		risk_level            TEXT NOT NULL DEFAULT 'UNKNOWN',
		status                TEXT NOT NULL DEFAULT 'PENDING',
		enqueue_reason_code   TEXT NOT NULL,
		decision              TEXT DEFAULT '',
		decision_reason_code  TEXT DEFAULT '',
		reviewer_id           TEXT DEFAULT '',
		note                  TEXT DEFAULT '',
		expires_at            DATETIME NOT NULL,
		claimed_at            DATETIME,
		decided_at            DATETIME,
		metadata              TEXT NOT NULL DEFAULT '{}',
		created_at            DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_review_open_task
		ON review_items(task_id) WHERE status IN ('PENDING', 'IN_REVIEW');

	CREATE TABLE IF NOT EXISTS review_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id         TEXT NOT NULL,
		task_id         TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		reason_code     TEXT DEFAULT '',
		risk_level      TEXT DEFAULT '',
		reviewer_id     TEXT DEFAULT '',
		generated_text  TEXT DEFAULT '',
		occurred_at     DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policy_releases (
		version      INTEGER PRIMARY KEY AUTOINCREMENT,
		is_active    INTEGER NOT NULL DEFAULT 0,
		policy       TEXT NOT NULL,
		created_by   TEXT NOT NULL,
		change_note  TEXT DEFAULT '',
		created_at   DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS safety_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		source       TEXT NOT NULL,
		persona_id   TEXT DEFAULT '',
		reason_code  TEXT NOT NULL,
		similarity   REAL,
		occurred_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS personas (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		bio         TEXT DEFAULT '',
		interests   TEXT DEFAULT '',
		created_at  DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}
