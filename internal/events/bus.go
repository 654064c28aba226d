// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from the transport and the shadow
// synchronizer to subscribers (the status endpoint's recent-events
// ring, log sinks). The bus is nil-safe: calling Publish or Emit on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTransport identifies events from the MQTT connection manager.
	SourceTransport = "transport"
	// SourceShadow identifies events from the shadow synchronizer.
	SourceShadow = "shadow"
	// SourceSensor identifies events from the sampling loop.
	SourceSensor = "sensor"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals an established broker session.
	// Data: broker, client_id, attempts.
	KindConnected = "connected"
	// KindDisconnected signals a lost or closed broker session.
	// Data: error, uptime_ms.
	KindDisconnected = "disconnected"
	// KindReconnectScheduled signals a pending reconnect attempt.
	// Data: attempt, delay_ms.
	KindReconnectScheduled = "reconnect_scheduled"
	// KindAuthFailed signals a fatal credential rejection.
	// Data: error.
	KindAuthFailed = "auth_failed"
	// KindQueueDrained signals that the offline queue emptied after a
	// reconnect. Data: sent.
	KindQueueDrained = "queue_drained"
	// KindQueueOverflow signals a publish rejected or evicted because
	// the offline queue was full. Data: topic, policy.
	KindQueueOverflow = "queue_overflow"

	// KindShadowOutcome signals the single outcome of a shadow request.
	// Data: token, op, status, version, error.
	KindShadowOutcome = "outcome"
	// KindDesiredApplied signals a desired-state delta handed to device
	// logic. Data: version, keys.
	KindDesiredApplied = "desired_applied"
	// KindDesiredStale signals a desired-state delta ignored because its
	// version was already applied. Data: version, applied_version.
	KindDesiredStale = "desired_stale"

	// KindReadFailed signals a skipped sampling cycle. Data: error.
	KindReadFailed = "read_failed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber full; drop rather than block.
		}
	}
}

// Emit stamps an event with the current UTC time and publishes it.
// Safe to call on a nil receiver (no-op).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
