// Package journal persists dispatched uevents to a local SQLite audit
// log. It is an observability aid, not a recovery source; an empty path
// disables it.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal records dispatched uevents.
type Journal struct {
	db *sql.DB
}

// Entry is one dispatched uevent as stored in the journal.
type Entry struct {
	Timestamp time.Time
	Action    string
	Kernel    string
	DevPath   string
	WWID      string
	Merged    int
}

// Open creates or opens the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS uevents (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		action    TEXT NOT NULL,
		kernel    TEXT NOT NULL,
		devpath   TEXT NOT NULL,
		wwid      TEXT,
		merged    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_uevents_kernel ON uevents(kernel);
	CREATE INDEX IF NOT EXISTS idx_uevents_timestamp ON uevents(timestamp);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("initializing journal schema: %w", err)
	}
	return nil
}

// Record appends one dispatched uevent.
func (j *Journal) Record(e Entry) error {
	_, err := j.db.Exec(
		`INSERT INTO uevents (timestamp, action, kernel, devpath, wwid, merged)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Action, e.Kernel, e.DevPath, e.WWID, e.Merged,
	)
	if err != nil {
		return fmt.Errorf("recording uevent: %w", err)
	}
	return nil
}

// Count returns the number of journaled uevents for a kernel name, or
// for all devices when kernel is empty.
func (j *Journal) Count(kernel string) (int, error) {
	var n int
	var err error
	if kernel == "" {
		err = j.db.QueryRow(`SELECT COUNT(*) FROM uevents`).Scan(&n)
	} else {
		err = j.db.QueryRow(`SELECT COUNT(*) FROM uevents WHERE kernel = ?`, kernel).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("counting journaled uevents: %w", err)
	}
	return n, nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}
