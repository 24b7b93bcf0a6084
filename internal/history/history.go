// Package history persists update operations in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// History tracks update operations in SQLite.
type History struct {
	db *sql.DB
}

// New opens (or creates) the history database at dbPath.
func New(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is a single-writer store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}
	if err := h.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			deployment_type TEXT NOT NULL,
			status TEXT NOT NULL,
			from_version TEXT,
			to_version TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_updates_started
		ON updates(started_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Record inserts an update record and returns its row ID.
func (h *History) Record(ctx context.Context, record *UpdateRecord) (int64, error) {
	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	var completedAt *string
	if record.CompletedAt != nil {
		formatted := record.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &formatted
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO updates
		(operation, deployment_type, status, from_version, to_version,
		 started_at, completed_at, duration_seconds, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.Operation,
		record.DeploymentType,
		record.Status,
		record.FromVersion,
		record.ToVersion,
		startedAt.UTC().Format(time.RFC3339),
		completedAt,
		record.DurationSeconds,
		record.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert update record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// Latest returns the most recent record, or nil when the store is empty.
func (h *History) Latest(ctx context.Context) (*UpdateRecord, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT id, operation, deployment_type, status, from_version, to_version,
		       started_at, completed_at, duration_seconds, error_message
		FROM updates
		ORDER BY id DESC
		LIMIT 1
	`)

	record, err := scanUpdateRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest record: %w", err)
	}

	return record, nil
}

// Recent returns up to limit records, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]UpdateRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, operation, deployment_type, status, from_version, to_version,
		       started_at, completed_at, duration_seconds, error_message
		FROM updates
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query update history: %w", err)
	}
	defer rows.Close()

	var records []UpdateRecord
	for rows.Next() {
		record, err := scanUpdateRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan update record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUpdateRecord(s scanner) (*UpdateRecord, error) {
	var record UpdateRecord
	var startedAtStr string
	var completedAtStr sql.NullString
	var fromVersion, toVersion, errorMessage sql.NullString
	var duration sql.NullFloat64

	err := s.Scan(
		&record.ID,
		&record.Operation,
		&record.DeploymentType,
		&record.Status,
		&fromVersion,
		&toVersion,
		&startedAtStr,
		&completedAtStr,
		&duration,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	record.FromVersion = fromVersion.String
	record.ToVersion = toVersion.String
	record.ErrorMessage = errorMessage.String
	record.DurationSeconds = duration.Float64

	startedAt, err := time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &completedAt
	}

	return &record, nil
}
