package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/soilcast/internal/mqtt"
)

// Spool is a SQLite-backed [mqtt.Queue]. Messages queued while the
// broker is unreachable survive a restart and drain in insertion order.
type Spool struct {
	db *sql.DB
}

var _ mqtt.Queue = (*Spool)(nil)

// NewSpool creates a spool on db, running migrations on first use.
func NewSpool(db *sql.DB) (*Spool, error) {
	s := &Spool{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate outbound queue: %w", err)
	}
	return s, nil
}

func (s *Spool) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS outbound_queue (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			topic     TEXT    NOT NULL,
			payload   BLOB    NOT NULL,
			qos       INTEGER NOT NULL DEFAULT 0,
			retain    INTEGER NOT NULL DEFAULT 0,
			queued_at TEXT    NOT NULL
		)
	`)
	return err
}

// Push appends m to the tail.
func (s *Spool) Push(m mqtt.Message) error {
	queuedAt := m.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}
	payload := m.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.Exec(
		`INSERT INTO outbound_queue (topic, payload, qos, retain, queued_at) VALUES (?, ?, ?, ?, ?)`,
		m.Topic, payload, int(m.QoS), m.Retain, queuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("spool %s: %w", m.Topic, err)
	}
	return nil
}

// Front returns the oldest message without removing it.
func (s *Spool) Front() (mqtt.Message, bool, error) {
	var (
		m        mqtt.Message
		qos      int
		queuedAt string
	)
	err := s.db.QueryRow(
		`SELECT id, topic, payload, qos, retain, queued_at FROM outbound_queue ORDER BY id LIMIT 1`,
	).Scan(&m.ID, &m.Topic, &m.Payload, &qos, &m.Retain, &queuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return mqtt.Message{}, false, nil
	}
	if err != nil {
		return mqtt.Message{}, false, fmt.Errorf("read spool head: %w", err)
	}
	m.QoS = byte(qos)
	m.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
	return m, true, nil
}

// PopFront removes the oldest message.
func (s *Spool) PopFront() error {
	_, err := s.db.Exec(`DELETE FROM outbound_queue WHERE id = (SELECT MIN(id) FROM outbound_queue)`)
	if err != nil {
		return fmt.Errorf("pop spool head: %w", err)
	}
	return nil
}

// Remove deletes the spooled message with row id.
func (s *Spool) Remove(id int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM outbound_queue WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove spooled message %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove spooled message %d: %w", id, err)
	}
	return n > 0, nil
}

// Len returns the number of spooled messages.
func (s *Spool) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbound_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}
