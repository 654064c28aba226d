package mqtt

import (
	"context"
	"sync"
	"time"
)

// Session is one established broker session. A session never
// reconnects on its own; when it ends, Done is closed and the
// [Manager] dials a new one.
type Session interface {
	// Publish sends m. For QoS 0 it returns once the packet is written;
	// for QoS 1 it returns when the broker acknowledges or ctx ends.
	Publish(ctx context.Context, m Message) error
	// Subscribe adds a topic filter to the session.
	Subscribe(ctx context.Context, filter string, qos byte) error
	// Unsubscribe removes a topic filter from the session.
	Unsubscribe(ctx context.Context, filter string) error
	// Disconnect ends the session cleanly.
	Disconnect(ctx context.Context) error
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err returns why the session ended; nil after Disconnect.
	Err() error
}

// SessionConfig carries the per-session parameters a [Dialer] needs.
type SessionConfig struct {
	ClientID  string
	KeepAlive time.Duration
	// Inbound is called from the client's reader goroutine for every
	// PUBLISH received. It must return quickly.
	Inbound func(topic string, payload []byte)
}

// Dialer establishes broker sessions. Dial must honour ctx's deadline.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Session, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context, cfg SessionConfig) (Session, error)

// Dial calls f(ctx, cfg).
func (f DialerFunc) Dial(ctx context.Context, cfg SessionConfig) (Session, error) {
	return f(ctx, cfg)
}

// sessionState is the Done/Err bookkeeping shared by the paho-backed
// sessions. The first call to end wins.
type sessionState struct {
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (s *sessionState) init() {
	s.done = make(chan struct{})
}

func (s *sessionState) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed when the session ends.
func (s *sessionState) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended.
func (s *sessionState) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
