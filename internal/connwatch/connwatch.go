// Package connwatch paces broker reconnects and tracks connection state.
//
// A [Backoff] produces the delay before each reconnect attempt: it
// starts at MinDelay, grows by Multiplier after every failed attempt,
// and is capped at MaxDelay. Jitter shaves a random fraction off each
// delay so that a fleet of devices losing the same broker does not
// reconnect in lockstep. Jitter only ever shortens a delay, so the cap
// holds for every value returned.
//
// The delay resets to MinDelay once a connection has stayed up for
// StableAfter. A connection that flaps (drops shortly after each
// successful connect) keeps climbing the curve instead of hammering the
// broker at MinDelay.
//
// A [Tracker] records Disconnected → Connecting → Connected transitions
// and fires OnReady/OnDown callbacks on edges.
package connwatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// MinDelay is the delay before the first retry (default: 1s).
	MinDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 32s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// Jitter is the maximum fraction removed from each delay, in [0, 1)
	// (default: 0.2).
	Jitter float64

	// StableAfter is how long a connection must last before the next
	// loss starts again from MinDelay (default: MaxDelay).
	StableAfter time.Duration
}

// DefaultBackoffConfig returns the 1s → 32s doubling schedule with 20%
// jitter and a stable-connection threshold equal to the maximum delay.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MinDelay:    1 * time.Second,
		MaxDelay:    32 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		StableAfter: 32 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.MinDelay <= 0 {
		c.MinDelay = d.MinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.StableAfter <= 0 {
		c.StableAfter = c.MaxDelay
	}
	return c
}

// Backoff computes reconnect delays. It is safe for concurrent use.
type Backoff struct {
	cfg BackoffConfig

	mu      sync.Mutex
	current time.Duration // un-jittered delay for the next attempt
	attempt int
	rand    func() float64
}

// NewBackoff creates a Backoff. Zero-value config fields are replaced
// with [DefaultBackoffConfig] values.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.withDefaults()
	return &Backoff{
		cfg:     cfg,
		current: cfg.MinDelay,
		rand:    rand.Float64,
	}
}

// Config returns the effective configuration.
func (b *Backoff) Config() BackoffConfig {
	return b.cfg
}

// Next returns the delay to wait before the next attempt and advances
// the curve. The result is always in (0, MaxDelay].
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	if b.cfg.Jitter > 0 {
		delay -= time.Duration(float64(delay) * b.cfg.Jitter * b.rand())
	}
	if delay <= 0 {
		delay = time.Millisecond
	}

	b.attempt++
	// Grow delay with ceiling.
	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.MaxDelay || next <= 0 {
		next = b.cfg.MaxDelay
	}
	b.current = next

	return delay
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset returns the curve to MinDelay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.cfg.MinDelay
	b.attempt = 0
}

// ConnectionLost tells the backoff how long the connection that just
// dropped had been up. Connections that lasted at least StableAfter
// reset the curve; shorter ones leave it where it was. It reports
// whether a reset happened.
func (b *Backoff) ConnectionLost(uptime time.Duration) bool {
	if uptime < b.cfg.StableAfter {
		return false
	}
	b.Reset()
	return true
}

// SleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// State is a connection lifecycle state.
type State int

// Connection lifecycle states.
const (
	Disconnected State = iota
	Connecting
	Connected
)

// String returns the lower-case state name used in logs and JSON.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServiceStatus is the connection status of a tracked service, suitable
// for JSON serialization in status endpoints.
type ServiceStatus struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	Ready          bool      `json:"ready"`
	ConnectedSince time.Time `json:"connected_since,omitzero"`
	LastChange     time.Time `json:"last_change"`
	LastError      string    `json:"last_error,omitempty"`
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Name is a human-readable identifier for logging (e.g., "broker").
	Name string

	// OnReady is called when the service transitions to Connected.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when the service leaves Connected.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker records the connection state of a single service.
type Tracker struct {
	config TrackerConfig
	now    func() time.Time

	mu             sync.Mutex
	state          State
	connectedSince time.Time
	lastChange     time.Time
	lastErr        error
}

// NewTracker creates a Tracker in the Disconnected state.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		config:     cfg,
		now:        time.Now,
		lastChange: time.Now(),
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsReady reports whether the service is currently connected.
func (t *Tracker) IsReady() bool {
	return t.State() == Connected
}

// Uptime returns how long the current connection has been up, or zero
// when not connected.
func (t *Tracker) Uptime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Connected {
		return 0
	}
	return t.now().Sub(t.connectedSince)
}

// LastError returns the error recorded with the most recent transition
// away from Connected, or from a failed attempt.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Connecting records the start of a connection attempt.
func (t *Tracker) Connecting() {
	t.transition(Connecting, nil)
}

// Connected records an established connection.
func (t *Tracker) Connected() {
	t.transition(Connected, nil)
}

// Disconnected records a lost or failed connection. err may be nil for
// an orderly disconnect.
func (t *Tracker) Disconnected(err error) {
	t.transition(Disconnected, err)
}

func (t *Tracker) transition(to State, err error) {
	t.mu.Lock()
	from := t.state
	now := t.now()
	t.state = to
	t.lastChange = now
	if err != nil {
		t.lastErr = err
	}
	if to == Connected {
		t.connectedSince = now
		t.lastErr = nil
	}
	t.mu.Unlock()

	if from == to {
		return
	}

	logger := t.config.Logger
	switch {
	case to == Connected:
		// Transition: not ready → ready.
		logger.Info("service connected", "service", t.config.Name)
		if t.config.OnReady != nil {
			go t.config.OnReady()
		}
	case from == Connected:
		// Transition: ready → down.
		logger.Info("service connection lost", "service", t.config.Name, "error", err)
		if t.config.OnDown != nil {
			go t.config.OnDown(err)
		}
	default:
		logger.Debug("service state changed",
			"service", t.config.Name,
			"from", from.String(),
			"to", to.String(),
		)
	}
}

// Status returns the current connection status.
func (t *Tracker) Status() ServiceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := ServiceStatus{
		Name:       t.config.Name,
		State:      t.state,
		Ready:      t.state == Connected,
		LastChange: t.lastChange,
	}
	if t.state == Connected {
		s.ConnectedSince = t.connectedSince
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}
