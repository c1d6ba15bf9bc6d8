package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the transfers table if
// it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes come from the single transfer worker.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS transfers (
		id INTEGER PRIMARY KEY,
		type TEXT NOT NULL,
		destination TEXT NOT NULL,
		expected INTEGER NOT NULL DEFAULT 0,
		outcome TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create transfers table: %w", err)
	}

	return db, nil
}
