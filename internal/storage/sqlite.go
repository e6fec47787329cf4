package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when a record that may only be written once
// already exists.
var ErrDuplicate = errors.New("duplicate record")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	// Pragmas in the DSN apply to every pooled connection.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    name TEXT,
    specialties TEXT NOT NULL,
    endpoint TEXT,
    metadata TEXT,
    rating REAL DEFAULT 0.0,
    total_tasks INTEGER DEFAULT 0,
    successful_tasks INTEGER DEFAULT 0,
    avg_response_secs REAL DEFAULT 0.0,
    cost REAL DEFAULT 0.0,
    status TEXT NOT NULL,
    load REAL DEFAULT 0.0,
    last_heartbeat INTEGER
);

CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    work_id TEXT NOT NULL,
    contract_id INTEGER,
    category TEXT NOT NULL,
    conversation_id TEXT,
    assigned_workers TEXT,
    status TEXT NOT NULL,
    failure_reason TEXT,
    stuck INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    started_at INTEGER,
    deadline INTEGER,
    finished_at INTEGER
);

CREATE TABLE IF NOT EXISTS worker_results (
    task_id TEXT NOT NULL,
    worker_id TEXT NOT NULL,
    specialties TEXT,
    approved INTEGER NOT NULL,
    confidence REAL NOT NULL,
    scores TEXT,
    issues TEXT,
    recommendations TEXT,
    metadata TEXT,
    latency_ms INTEGER,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (task_id, worker_id),
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS decisions (
    task_id TEXT PRIMARY KEY,
    approved INTEGER NOT NULL,
    approval_rate REAL NOT NULL,
    weighted_confidence REAL NOT NULL,
    overall_score REAL NOT NULL,
    category_scores TEXT,
    recommendations TEXT,
    issues TEXT,
    result_count INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    work_id TEXT NOT NULL UNIQUE,
    agent_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    contract_id INTEGER,
    category TEXT,
    state TEXT NOT NULL,
    status TEXT NOT NULL,
    end_reason TEXT,
    round INTEGER DEFAULT 0,
    task_id TEXT,
    last_score REAL DEFAULT 0.0,
    partial_released INTEGER DEFAULT 0,
    full_released INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    type TEXT NOT NULL,
    sender TEXT,
    recipient TEXT,
    title TEXT,
    body TEXT,
    data BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id)
);

CREATE TABLE IF NOT EXISTS payments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    contract_id INTEGER,
    work_id TEXT,
    percentage INTEGER NOT NULL,
    trigger_type TEXT NOT NULL,
    assessment_score REAL,
    created_at INTEGER NOT NULL,
    UNIQUE (conversation_id, trigger_type)
);

CREATE TABLE IF NOT EXISTS revisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL,
    contract_id INTEGER,
    work_id TEXT,
    source TEXT NOT NULL,
    requested_changes TEXT,
    notes TEXT,
    deadline TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_work ON tasks(work_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeJSON marshals v for a TEXT column. nil slices and maps are stored as
// NULL.
func encodeJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeJSON unmarshals a TEXT column into v. NULL leaves v untouched.
func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
