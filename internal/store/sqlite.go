package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/autoshell/internal/domain"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writes to prevent SQLITE_BUSY
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed journal.
func NewSQLite(dbPath string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &SQLiteJournal{db: db, now: time.Now}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agent_sessions (
		session_id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 0,
		final_message TEXT,
		context_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_sessions_updated ON agent_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS session_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		action_json TEXT NOT NULL,
		result_json TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_steps_session ON session_steps(session_id, iteration);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveSession creates or updates the session snapshot.
func (j *SQLiteJournal) SaveSession(ctx context.Context, session *domain.AgentSession) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	contextJSON, err := json.Marshal(session.Context)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}

	query := `
		INSERT INTO agent_sessions (
			session_id, task, mode, status, iteration, final_message,
			context_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			iteration = excluded.iteration,
			final_message = excluded.final_message,
			context_json = excluded.context_json,
			updated_at = excluded.updated_at`

	_, err = j.db.ExecContext(ctx, query,
		session.ID, session.Task, string(session.Mode), string(session.Status),
		session.Iteration, session.FinalMessage, string(contextJSON),
		session.CreatedAt.Unix(), j.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

// RecordStep appends one step to the journal.
func (j *SQLiteJournal) RecordStep(ctx context.Context, step StepRecord) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	resultJSON, err := json.Marshal(step.Result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	createdAt := step.CreatedAt
	if createdAt.IsZero() {
		createdAt = j.now()
	}

	query := `
		INSERT INTO session_steps (session_id, iteration, action_json, result_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err = j.db.ExecContext(ctx, query,
		step.SessionID, step.Iteration, step.Action, string(resultJSON), step.Status, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session step: %w", err)
	}
	return nil
}

// Session returns the snapshot of a session, or nil if none was recorded.
func (j *SQLiteJournal) Session(ctx context.Context, sessionID string) (*SessionRecord, error) {
	query := `
		SELECT session_id, task, mode, status, iteration, final_message, created_at, updated_at
		FROM agent_sessions WHERE session_id = ?`

	row := j.db.QueryRowContext(ctx, query, sessionID)

	var rec SessionRecord
	var finalMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.SessionID, &rec.Task, &rec.Mode, &rec.Status,
		&rec.Iteration, &finalMessage, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent session: %w", err)
	}

	rec.FinalMessage = finalMessage.String
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// Steps returns the recorded steps of a session in order.
func (j *SQLiteJournal) Steps(ctx context.Context, sessionID string) ([]StepRecord, error) {
	query := `
		SELECT session_id, iteration, action_json, result_json, status, created_at
		FROM session_steps WHERE session_id = ? ORDER BY id`

	rows, err := j.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session steps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session steps rows", "error", closeErr)
		}
	}()

	var steps []StepRecord
	for rows.Next() {
		var step StepRecord
		var resultJSON string
		var createdAt int64

		if err := rows.Scan(
			&step.SessionID, &step.Iteration, &step.Action,
			&resultJSON, &step.Status, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan session step row: %w", err)
		}
		if err := json.Unmarshal([]byte(resultJSON), &step.Result); err != nil {
			return nil, fmt.Errorf("decode step result: %w", err)
		}
		step.CreatedAt = time.UnixMilli(createdAt)
		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session steps: %w", err)
	}
	return steps, nil
}

// DeleteSession removes a session and its steps.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (j *SQLiteJournal) DeleteSession(ctx context.Context, sessionID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := j.deleteSessionOnce(ctx, sessionID)
		if err == nil {
			return nil
		}

		if isConflict(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("DeleteSession failed with SQLITE_BUSY, retrying",
				"session_id", sessionID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		return fmt.Errorf("failed to delete session %s after %d attempts: %w", sessionID, i+1, err)
	}

	return nil
}

func (j *SQLiteJournal) deleteSessionOnce(ctx context.Context, sessionID string) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_steps WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session steps: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete agent session: %w", err)
	}
	return tx.Commit()
}

// Cleanup removes sessions not updated within olderThan, with their steps.
func (j *SQLiteJournal) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	threshold := j.now().Add(-olderThan).Unix()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM session_steps WHERE session_id IN (
			SELECT session_id FROM agent_sessions WHERE updated_at < ?
		)`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup session steps: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM agent_sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup agent sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return n, nil
}
