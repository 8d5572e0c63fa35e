package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilupskalvis/nestsync/internal/models"
	_ "modernc.org/sqlite"
)

const currentSchemaVersion = 2

// SQLiteQueueStore persists queued operations in a SQLite table. Useful when
// the host already keeps its local record cache in SQLite.
type SQLiteQueueStore struct {
	db *sql.DB
}

// OpenSQLite opens the database and creates the schema.
func OpenSQLite(dbPath string) (*SQLiteQueueStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteQueueStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteQueueStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteQueueStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nestsync_schema_version (
		version INTEGER PRIMARY KEY
	);

	-- Pending mutations, one row per live operation
	CREATE TABLE IF NOT EXISTS queued_operations (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload JSON,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		backoff_ms INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		enqueued_at TEXT NOT NULL,
		context TEXT,
		last_error TEXT,
		revision INTEGER NOT NULL DEFAULT 0,
		base JSON,
		UNIQUE(table_name, record_id, kind)
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_queued_operations_seq ON queued_operations(seq);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if err := s.addColumn("queued_operations", "base", "JSON"); err != nil {
		return err
	}

	_, err := s.db.Exec("INSERT OR REPLACE INTO nestsync_schema_version (version) VALUES (?)", currentSchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// addColumn adds a column that databases created by older versions lack.
func (s *SQLiteQueueStore) addColumn(table, column, decl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	rows.Close()

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// Load returns every stored operation in sequence order.
func (s *SQLiteQueueStore) Load() ([]*models.QueuedOperation, error) {
	rows, err := s.db.Query(`
		SELECT id, seq, table_name, record_id, kind, payload, attempts, max_attempts,
		       backoff_ms, last_attempt_at, enqueued_at, context, last_error, revision, base
		FROM queued_operations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		var (
			op                 models.QueuedOperation
			kind               string
			payload, base      sql.NullString
			lastAttempt        sql.NullString
			enqueuedAt         string
			label, lastErrText sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.Seq, &op.Table, &op.RecordID, &kind, &payload,
			&op.Attempts, &op.MaxAttempts, &op.BackoffMs, &lastAttempt, &enqueuedAt,
			&label, &lastErrText, &op.Revision, &base); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op.Kind = models.OperationKind(kind)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &op.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload of %s: %w", op.ID, err)
			}
		}
		if base.Valid && base.String != "" && base.String != "null" {
			if err := json.Unmarshal([]byte(base.String), &op.Base); err != nil {
				return nil, fmt.Errorf("unmarshal base of %s: %w", op.ID, err)
			}
		}
		if lastAttempt.Valid {
			op.LastAttemptAt = parseTimestamp(lastAttempt.String)
		}
		op.EnqueuedAt = parseTimestamp(enqueuedAt)
		op.Context = label.String
		op.LastError = lastErrText.String
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// Save replaces the stored queue in a single transaction.
func (s *SQLiteQueueStore) Save(ops []*models.QueuedOperation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM queued_operations"); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO queued_operations (id, seq, table_name, record_id, kind, payload, attempts,
			max_attempts, backoff_ms, last_attempt_at, enqueued_at, context, last_error, revision, base)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, op := range ops {
		payload, err := json.Marshal(op.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload of %s: %w", op.ID, err)
		}
		var base interface{}
		if op.Base != nil {
			data, err := json.Marshal(op.Base)
			if err != nil {
				return fmt.Errorf("marshal base of %s: %w", op.ID, err)
			}
			base = string(data)
		}
		var lastAttempt interface{}
		if !op.LastAttemptAt.IsZero() {
			lastAttempt = op.LastAttemptAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := stmt.Exec(op.ID, op.Seq, op.Table, op.RecordID, string(op.Kind), string(payload),
			op.Attempts, op.MaxAttempts, op.BackoffMs, lastAttempt,
			op.EnqueuedAt.UTC().Format(time.RFC3339Nano), op.Context, op.LastError, op.Revision, base); err != nil {
			return fmt.Errorf("insert operation %s: %w", op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue: %w", err)
	}
	return nil
}

// GetValue gets a value from the key-value store
func (s *SQLiteQueueStore) GetValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetValue sets a value in the key-value store
func (s *SQLiteQueueStore) SetValue(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?",
		key, value, value,
	)
	return err
}

// parseTimestamp parses a timestamp string from SQLite in various formats
func parseTimestamp(s string) time.Time {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
