package events

import (
	"context"
	"sync"
)

// Recorder keeps the most recent events from a bus in a fixed-size
// ring so the status endpoint can show what happened lately without
// holding a subscriber open per request.
type Recorder struct {
	mu    sync.Mutex
	ring  []Event
	next  int
	full  bool
	total int
}

// NewRecorder creates a Recorder holding up to size events.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 100
	}
	return &Recorder{ring: make([]Event, size)}
}

// Run subscribes to b and records events until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, b *Bus) {
	ch := b.Subscribe(len(r.ring))
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Record(e)
		}
	}
}

// Record appends an event, overwriting the oldest when full.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = e
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.full = true
	}
	r.total++
}

// Recent returns recorded events oldest first.
func (r *Recorder) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.ring[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.ring))
	out = append(out, r.ring[r.next:]...)
	out = append(out, r.ring[:r.next]...)
	return out
}

// Total returns how many events have been recorded since creation,
// including those that have rotated out of the ring.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
