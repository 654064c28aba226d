// Package store persists device state that must survive a restart: the
// offline publish spool and small operational values such as the last
// applied shadow version. Everything lives in one SQLite database under
// the data directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultFile is the database file name inside the data directory.
const DefaultFile = "soilcast.db"

// Open opens (creating if needed) the SQLite database at path. WAL mode
// and a busy timeout let the spool and the state store share it.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}
