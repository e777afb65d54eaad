package telemetry

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the local SQLite database and creates the journal schema.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	createSessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		connection TEXT,
		template TEXT,
		created_at DATETIME,
		started_at DATETIME,
		stopped_at DATETIME,
		dropped_at DATETIME
	);`

	createEventsTable := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		payload TEXT NOT NULL,
		captured_at DATETIME,
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);`

	createIndexes := `
	CREATE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);`

	for _, stmt := range []string{createSessionsTable, createEventsTable, createIndexes} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return db, nil
}
