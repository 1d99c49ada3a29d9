// Package session tracks per-session conversation state: durable turn
// counters in SQLite and bounded in-memory chat history.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // SQLite driver
)

// Counter is the durable per-session turn counter. Counts survive restarts
// so the summarization cadence does not reset every time the process does.
type Counter struct {
	db *sql.DB
}

// OpenCounter opens (or creates) the counter database at dbPath.
func OpenCounter(dbPath string) (*Counter, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open counter db: %w", err)
	}

	// SQLite is single-writer by design. A single shared connection lets
	// database/sql serialize concurrent increments instead of surfacing
	// SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(`
                CREATE TABLE IF NOT EXISTS session_counters (
                    session_id TEXT PRIMARY KEY,
                    count INTEGER NOT NULL DEFAULT 0,
                    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
                )`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create counter table: %w", err)
	}
	return &Counter{db: db}, nil
}

// Close closes the database.
func (c *Counter) Close() error {
	return c.db.Close()
}

// Get returns the current count for a session; a session never seen counts
// as zero.
func (c *Counter) Get(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT count FROM session_counters WHERE session_id = ?`, sessionID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter for %q: %w", sessionID, err)
	}
	return count, nil
}

// Increment adds delta to the session's count atomically and returns the new
// value. The upsert keeps read-modify-write races impossible even across
// processes sharing the database file.
func (c *Counter) Increment(ctx context.Context, sessionID string, delta int) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
                INSERT INTO session_counters (session_id, count, updated_at)
                VALUES (?, ?, strftime('%s','now'))
                ON CONFLICT(session_id) DO UPDATE SET
                    count = count + excluded.count,
                    updated_at = excluded.updated_at
                RETURNING count`,
		sessionID, delta).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment counter for %q: %w", sessionID, err)
	}
	return count, nil
}

// Reset sets the session's count back to zero.
func (c *Counter) Reset(ctx context.Context, sessionID string) error {
	_, err := c.db.ExecContext(ctx, `
                INSERT INTO session_counters (session_id, count, updated_at)
                VALUES (?, 0, strftime('%s','now'))
                ON CONFLICT(session_id) DO UPDATE SET
                    count = 0,
                    updated_at = excluded.updated_at`,
		sessionID)
	if err != nil {
		return fmt.Errorf("reset counter for %q: %w", sessionID, err)
	}
	return nil
}

// AdjustIfOver clamps a runaway count down to max. A counter can outrun the
// in-memory history after a crash mid-summarization; clamping re-arms the
// threshold instead of leaving the session stuck summarizing every turn.
func (c *Counter) AdjustIfOver(ctx context.Context, sessionID string, max int) (int, error) {
	if max < 0 {
		return c.Get(ctx, sessionID)
	}
	// One conditional statement, so an increment landing concurrently is
	// either below max and kept, or over max and clamped. A read-then-write
	// here could overwrite a count raised between the two statements.
	var count int
	err := c.db.QueryRowContext(ctx, `
                UPDATE session_counters SET count = ?, updated_at = strftime('%s','now')
                WHERE session_id = ? AND count > ?
                RETURNING count`, max, sessionID, max).Scan(&count)
	if err == sql.ErrNoRows {
		return c.Get(ctx, sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("clamp counter for %q: %w", sessionID, err)
	}
	slog.Warn("clamped runaway session counter",
		"session_id", sessionID, "max", max)
	return count, nil
}

// Forget removes the counter row entirely.
func (c *Counter) Forget(ctx context.Context, sessionID string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM session_counters WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("forget counter for %q: %w", sessionID, err)
	}
	return nil
}

// Sessions lists every session with a stored counter.
func (c *Counter) Sessions(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT session_id FROM session_counters ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
