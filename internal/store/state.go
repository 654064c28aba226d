package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// shadowNamespace holds per-thing shadow bookkeeping.
const shadowNamespace = "shadow"

// StateStore is a namespaced key-value store for operational state.
// All public methods are safe for concurrent use (SQLite serializes
// writes).
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates a state store on db, running migrations on
// first use.
func NewStateStore(db *sql.DB) (*StateStore, error) {
	s := &StateStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate device state: %w", err)
	}
	return s, nil
}

func (s *StateStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS device_state (
			namespace  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`)
	return err
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist.
func (s *StateStore) Get(namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM device_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *StateStore) Set(namespace, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO device_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. No error is returned if the
// key does not exist.
func (s *StateStore) Delete(namespace, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM device_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// AppliedVersion returns the highest desired-state version the device
// has applied for thing, or 0 when none has been recorded.
func (s *StateStore) AppliedVersion(thing string) (int64, error) {
	v, err := s.Get(shadowNamespace, thing+":applied_version")
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse applied version for %s: %w", thing, err)
	}
	return n, nil
}

// SetAppliedVersion records version as applied for thing. A version of
// 0 clears the record.
func (s *StateStore) SetAppliedVersion(thing string, version int64) error {
	if version == 0 {
		return s.Delete(shadowNamespace, thing+":applied_version")
	}
	return s.Set(shadowNamespace, thing+":applied_version", strconv.FormatInt(version, 10))
}
