// Package journal keeps a local sqlite history of captured events.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"XEWatch/internal/session"
	"XEWatch/internal/telemetry"
	"XEWatch/internal/xevent"
)

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 500

// Entry is one journaled event.
type Entry struct {
	SessionID  string       `json:"session_id"`
	Session    string       `json:"session"`
	Event      xevent.Event `json:"event"`
	CapturedAt time.Time    `json:"captured_at"`
}

// Journal writes sessions and events to sqlite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := telemetry.InitDB(path)
	if err != nil {
		return nil, err
	}
	return New(db, logger), nil
}

// New wraps an already initialised database.
func New(db *sql.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger}
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordSession upserts the session row for snap.
func (j *Journal) RecordSession(ctx context.Context, snap session.Snapshot) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, connection, template, created_at, started_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at`,
		snap.ID, snap.Name, snap.Connection, snap.Template, snap.CreatedAt,
		nullTime(snap.StartedAt), nullTime(snap.StoppedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// MarkDropped stamps the drop time on a session instance.
func (j *Journal) MarkDropped(ctx context.Context, id string, at time.Time) error {
	if _, err := j.db.ExecContext(ctx, "UPDATE sessions SET dropped_at = ? WHERE id = ?", at, id); err != nil {
		return fmt.Errorf("failed to mark session dropped: %w", err)
	}
	return nil
}

// Append stores a newest-first batch so that row order follows capture order.
func (j *Journal) Append(ctx context.Context, s *session.Session, events []xevent.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, name, connection, template, created_at) VALUES (?, ?, ?, ?, ?)",
		s.ID, s.Name, s.Connection.String(), s.Template.Name, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	now := time.Now()
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		payload, err := json.Marshal(e.Values)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO events (session_id, name, timestamp, payload, captured_at) VALUES (?, ?, ?, ?, ?)",
			s.ID, e.Name, e.Timestamp, string(payload), now,
		)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	j.logger.Debug("events journaled", "session", s.Name, "count", len(events))
	return nil
}

// History returns up to limit events recorded under name across every
// instance of that name, newest first.
func (j *Journal) History(ctx context.Context, name string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT e.session_id, s.name, e.name, e.timestamp, e.payload, e.captured_at
		FROM events e
		JOIN sessions s ON s.id = e.session_id
		WHERE s.name = ?
		ORDER BY e.id DESC
		LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			entry   Entry
			payload string
		)
		if err := rows.Scan(&entry.SessionID, &entry.Session, &entry.Event.Name, &entry.Event.Timestamp, &payload, &entry.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &entry.Event.Values); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
