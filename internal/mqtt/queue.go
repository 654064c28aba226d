package mqtt

import (
	"sync"
	"time"
)

// Message is a single outbound publish as held by the offline queue.
type Message struct {
	// ID is assigned by the queue on Push and increases with insertion
	// order. It is zero for messages that were never queued.
	ID       int64
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	QueuedAt time.Time
}

// Queue is an ordered store for publishes waiting on a session. The
// manager serializes all calls, so implementations need not be safe
// for concurrent use on their own, though both bundled ones are.
//
// Front and Remove are split so a message is removed only after it has
// been handed to the broker; a send interrupted by connection loss
// leaves the message at the head for the next drain. Remove takes the
// ID Front returned, so a head evicted by the drop policy while its
// send was in flight never takes its successor with it.
type Queue interface {
	// Push appends m to the tail.
	Push(m Message) error
	// Front returns the head without removing it. ok is false when the
	// queue is empty.
	Front() (m Message, ok bool, err error)
	// PopFront removes the head. It is a no-op on an empty queue.
	PopFront() error
	// Remove deletes the message with the given ID if it is still
	// queued, and reports whether it was.
	Remove(id int64) (bool, error)
	// Len returns the number of queued messages.
	Len() (int, error)
}

// MemoryQueue is an in-process FIFO [Queue]. Its contents are lost on
// restart; use the SQLite spool in internal/store when that matters.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Message
	seq   int64
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Push appends m to the tail.
func (q *MemoryQueue) Push(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	m.ID = q.seq
	q.items = append(q.items, m)
	return nil
}

// Front returns the head without removing it.
func (q *MemoryQueue) Front() (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false, nil
	}
	return q.items[0], true, nil
}

// PopFront removes the head.
func (q *MemoryQueue) PopFront() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	q.items[0] = Message{} // release payload
	q.items = q.items[1:]
	return nil
}

// Remove deletes the message with id.
func (q *MemoryQueue) Remove(id int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.items {
		if m.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of queued messages.
func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}
