package shadow

import (
	"context"
	"sync"
	"time"
)

// Kind is the shadow operation a request performs.
type Kind string

// Shadow operations.
const (
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindGet    Kind = "get"
)

// Status is how a request ended.
type Status int

// Request outcomes.
const (
	Accepted Status = iota + 1
	Rejected
	TimedOut
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timeout"
	default:
		return "pending"
	}
}

// MarshalText renders the status name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the single result of a shadow request.
type Outcome struct {
	Token  string `json:"token"`
	Kind   Kind   `json:"kind"`
	Status Status `json:"status"`

	// Document is the full merged local mirror after an accepted update
	// or get. It is empty after an accepted delete.
	Document Document `json:"document,omitzero"`

	// Err is nil when accepted. Rejections wrap ErrRejected or
	// ErrConflict; timeouts wrap ErrTimeout.
	Err error `json:"-"`
	// Code and Message are the broker's rejection reason.
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Request is a shadow operation awaiting its outcome. It works like a
// future: Done is closed once the outcome is known.
type Request struct {
	token    string
	kind     Kind
	issuedAt time.Time
	timeout  time.Duration

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func newRequest(token string, kind Kind, issuedAt time.Time, timeout time.Duration) *Request {
	return &Request{
		token:    token,
		kind:     kind,
		issuedAt: issuedAt,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

// Token returns the correlation token sent as clientToken.
func (r *Request) Token() string { return r.token }

// Kind returns the operation.
func (r *Request) Kind() Kind { return r.kind }

// IssuedAt returns when the request was sent.
func (r *Request) IssuedAt() time.Time { return r.issuedAt }

// Timeout returns how long the synchronizer waits for a response.
func (r *Request) Timeout() time.Duration { return r.timeout }

// Done is closed when the outcome is available.
func (r *Request) Done() <-chan struct{} { return r.done }

// Outcome returns the outcome and true once resolved, or false while
// still pending.
func (r *Request) Outcome() (Outcome, bool) {
	select {
	case <-r.done:
		return r.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the outcome is known or ctx ends. The returned
// error is ctx's; the request's own failure is in Outcome.Err.
func (r *Request) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// resolve records o as the outcome. Only the first call has any effect;
// it reports whether this call won.
func (r *Request) resolve(o Outcome) bool {
	won := false
	r.once.Do(func() {
		o.Token = r.token
		o.Kind = r.kind
		r.outcome = o
		close(r.done)
		won = true
	})
	return won
}
