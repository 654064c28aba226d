package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/soilcast/internal/events"
	"github.com/nugget/soilcast/internal/mqtt"
)

// Conn is the transport the synchronizer talks through. [mqtt.Manager]
// satisfies it.
type Conn interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	Subscribe(ctx context.Context, filter string, qos byte, handler mqtt.MessageHandler) error
}

// VersionStore persists the last applied desired-state version so a
// restart does not re-apply an old delta.
type VersionStore interface {
	AppliedVersion(thing string) (int64, error)
	SetAppliedVersion(thing string, version int64) error
}

// DesiredHandler is the boundary to device-control logic. It receives
// the desired properties that changed and the document version that
// carried them. It runs on the inbound dispatcher, one call at a time.
type DesiredHandler func(ctx context.Context, desired State, version int64)

// Config configures a [Synchronizer].
type Config struct {
	Thing string
	// TopicPrefix precedes <thing>/shadow/...; default "$aws/things".
	TopicPrefix string
	// RequestTimeout bounds how long a request waits for its response.
	RequestTimeout time.Duration
	// Versioned sends the mirror's version with updates so the broker
	// rejects them with 409 when the document moved on.
	Versioned bool
}

// SyncState is the synchronizer's request state.
type SyncState int

// Synchronizer states.
const (
	Idle SyncState = iota
	RequestPending
)

// String returns the state name.
func (s SyncState) String() string {
	if s == RequestPending {
		return "request_pending"
	}
	return "idle"
}

// SyncStatus is a snapshot for the status endpoint.
type SyncStatus struct {
	Thing          string `json:"thing"`
	State          string `json:"state"`
	Pending        int    `json:"pending"`
	Version        int64  `json:"version"`
	AppliedVersion int64  `json:"applied_version"`
	Accepted       int64  `json:"accepted"`
	Rejected       int64  `json:"rejected"`
	TimedOut       int64  `json:"timed_out"`
	UnknownTokens  int64  `json:"unknown_tokens"`
	Reported       State  `json:"reported,omitempty"`
	Desired        State  `json:"desired,omitempty"`
}

type pendingRequest struct {
	req   *Request
	timer *time.Timer
}

// Synchronizer mirrors one thing's shadow document and correlates
// requests with their responses. It is safe for concurrent use.
type Synchronizer struct {
	cfg      Config
	conn     Conn
	versions VersionStore
	logger   *slog.Logger
	bus      *events.Bus
	base     string
	now      func() time.Time
	newToken func() string

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	doc       Document
	applied   int64
	onDesired DesiredHandler
	closed    bool

	accepted atomic.Int64
	rejected atomic.Int64
	timedOut atomic.Int64
	unknown  atomic.Int64
}

// NewSynchronizer creates a synchronizer for cfg.Thing. versions and
// bus may be nil.
func NewSynchronizer(cfg Config, conn Conn, versions VersionStore, logger *slog.Logger, bus *events.Bus) *Synchronizer {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "$aws/things"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		cfg:      cfg,
		conn:     conn,
		versions: versions,
		logger:   logger,
		bus:      bus,
		base:     strings.TrimSuffix(cfg.TopicPrefix, "/") + "/" + cfg.Thing + "/shadow",
		now:      time.Now,
		newToken: uuid.NewString,
		pending:  make(map[string]*pendingRequest),
	}
}

// Topic returns the shadow topic for suffix, such as "update/delta".
func (s *Synchronizer) Topic(suffix string) string {
	return s.base + "/" + suffix
}

// OnDesired sets the handler for desired-state changes.
func (s *Synchronizer) OnDesired(h DesiredHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDesired = h
}

// Start loads the applied version and subscribes to the response and
// delta topics.
func (s *Synchronizer) Start(ctx context.Context) error {
	if s.versions != nil {
		v, err := s.versions.AppliedVersion(s.cfg.Thing)
		if err != nil {
			s.logger.Warn("could not load applied shadow version, starting from 0", "error", err)
		} else {
			s.mu.Lock()
			s.applied = v
			s.mu.Unlock()
		}
	}

	for _, suffix := range []string{
		"update/accepted", "update/rejected", "update/delta",
		"delete/accepted", "delete/rejected",
		"get/accepted", "get/rejected",
	} {
		if err := s.conn.Subscribe(ctx, s.Topic(suffix), 1, s.handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.Topic(suffix), err)
		}
	}
	s.logger.Info("shadow synchronizer started", "thing", s.cfg.Thing, "applied_version", s.AppliedVersion())
	return nil
}

// Update reports delta as the device's state. Only the keys in delta
// are sent; the broker leaves every other reported property alone.
func (s *Synchronizer) Update(ctx context.Context, delta State) *Request {
	body := map[string]any{
		"state": map[string]any{"reported": delta},
	}
	if s.cfg.Versioned {
		s.mu.Lock()
		v := s.doc.Version
		s.mu.Unlock()
		if v > 0 {
			body["version"] = v
		}
	}
	return s.issue(ctx, KindUpdate, body)
}

// ReportChanges sends only the properties of reported that differ from
// the mirror. It returns nil when nothing changed.
func (s *Synchronizer) ReportChanges(ctx context.Context, reported State) *Request {
	s.mu.Lock()
	delta := Diff(s.doc.Reported, reported)
	s.mu.Unlock()
	if len(delta) == 0 {
		return nil
	}
	return s.Update(ctx, delta)
}

// Delete requests deletion of the shadow document.
func (s *Synchronizer) Delete(ctx context.Context) *Request {
	return s.issue(ctx, KindDelete, map[string]any{})
}

// Get fetches the full document, replacing the local mirror.
func (s *Synchronizer) Get(ctx context.Context) *Request {
	return s.issue(ctx, KindGet, map[string]any{})
}

func (s *Synchronizer) issue(ctx context.Context, kind Kind, body map[string]any) *Request {
	token := s.newToken()
	req := newRequest(token, kind, s.now(), s.cfg.RequestTimeout)
	p := &pendingRequest{req: req}

	body["clientToken"] = token
	payload, err := json.Marshal(body)
	if err != nil {
		s.finish(p, Outcome{Status: Rejected, Err: fmt.Errorf("%w: encode %s: %w", ErrRejected, kind, err)})
		return req
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.finish(p, Outcome{Status: Rejected, Err: fmt.Errorf("%w: synchronizer closed", ErrRejected)})
		return req
	}
	s.pending[token] = p
	p.timer = time.AfterFunc(s.cfg.RequestTimeout, func() { s.expire(token) })
	s.mu.Unlock()

	s.logger.Debug("shadow request sent", "op", kind, "token", token, "bytes", len(payload))
	if err := s.conn.Publish(ctx, s.Topic(string(kind)), payload, 0); err != nil {
		if p := s.take(token); p != nil {
			s.finish(p, Outcome{Status: Rejected, Err: fmt.Errorf("%w: send %s: %w", ErrRejected, kind, err)})
		}
	}
	return req
}

// take removes and returns the pending request for token, stopping its
// timer. It returns nil if none is pending.
func (s *Synchronizer) take(token string) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked(token)
}

func (s *Synchronizer) takeLocked(token string) *pendingRequest {
	p, ok := s.pending[token]
	if !ok {
		return nil
	}
	delete(s.pending, token)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (s *Synchronizer) expire(token string) {
	p := s.take(token)
	if p == nil {
		return
	}
	s.finish(p, Outcome{
		Status: TimedOut,
		Err:    fmt.Errorf("%w: no response within %s", ErrTimeout, s.cfg.RequestTimeout),
	})
}

// finish resolves the request and reports the outcome.
func (s *Synchronizer) finish(p *pendingRequest, o Outcome) {
	if !p.req.resolve(o) {
		return
	}
	o = p.req.outcome

	data := map[string]any{
		"token":  o.Token,
		"op":     string(o.Kind),
		"status": o.Status.String(),
	}
	switch o.Status {
	case Accepted:
		s.accepted.Add(1)
		data["version"] = o.Document.Version
		s.logger.Debug("shadow request accepted", "op", o.Kind, "token", o.Token, "version", o.Document.Version)
	case Rejected:
		s.rejected.Add(1)
		data["error"] = o.Err.Error()
		s.logger.Warn("shadow request rejected", "op", o.Kind, "token", o.Token, "code", o.Code, "error", o.Err)
	case TimedOut:
		s.timedOut.Add(1)
		data["error"] = o.Err.Error()
		s.logger.Warn("shadow request timed out", "op", o.Kind, "token", o.Token, "timeout", s.cfg.RequestTimeout)
	}
	s.bus.Emit(events.SourceShadow, events.KindShadowOutcome, data)
}

// response covers the accepted and rejected payloads of all three
// operations.
type response struct {
	State struct {
		Desired  State `json:"desired"`
		Reported State `json:"reported"`
		Delta    State `json:"delta"`
	} `json:"state"`
	Version     int64  `json:"version"`
	ClientToken string `json:"clientToken"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
}

// handle is the inbound entry point for every shadow topic.
func (s *Synchronizer) handle(topic string, payload []byte) {
	suffix, ok := strings.CutPrefix(topic, s.base+"/")
	if !ok {
		return
	}

	switch suffix {
	case "update/delta":
		s.handleDelta(payload)
	case "update/accepted":
		s.handleAccepted(KindUpdate, payload)
	case "delete/accepted":
		s.handleAccepted(KindDelete, payload)
	case "get/accepted":
		s.handleAccepted(KindGet, payload)
	case "update/rejected":
		s.handleRejected(KindUpdate, payload)
	case "delete/rejected":
		s.handleRejected(KindDelete, payload)
	case "get/rejected":
		s.handleRejected(KindGet, payload)
	default:
		s.logger.Debug("unexpected shadow topic", "topic", topic)
	}
}

func (s *Synchronizer) handleAccepted(kind Kind, payload []byte) {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		s.logger.Warn("malformed shadow response", "op", kind, "error", err)
		return
	}

	s.mu.Lock()
	p, ok := s.pending[resp.ClientToken]
	if !ok || p.req.kind != kind {
		s.mu.Unlock()
		s.dropUnknown(kind, Accepted, resp.ClientToken)
		return
	}
	s.takeLocked(resp.ClientToken)

	var (
		delta        State
		resetVersion bool
	)
	switch kind {
	case KindUpdate:
		s.doc.Reported = Merge(s.doc.Reported, resp.State.Reported)
		if resp.State.Desired != nil {
			s.doc.Desired = Merge(s.doc.Desired, resp.State.Desired)
		}
		s.doc.Version = max(s.doc.Version, resp.Version)
	case KindGet:
		s.doc = Document{
			Desired:  resp.State.Desired.Clone(),
			Reported: resp.State.Reported.Clone(),
			Version:  resp.Version,
		}
		delta = resp.State.Delta
	case KindDelete:
		s.doc = Document{}
		s.applied = 0
		resetVersion = true
	}
	doc := s.doc.Clone()
	s.mu.Unlock()

	if resetVersion && s.versions != nil {
		if err := s.versions.SetAppliedVersion(s.cfg.Thing, 0); err != nil {
			s.logger.Warn("could not reset applied shadow version", "error", err)
		}
	}
	s.finish(p, Outcome{Status: Accepted, Document: doc})

	if len(delta) > 0 {
		s.applyDesired(delta, resp.Version)
	}
}

func (s *Synchronizer) handleRejected(kind Kind, payload []byte) {
	var resp response
	if err := json.Unmarshal(payload, &resp); err != nil {
		s.logger.Warn("malformed shadow rejection", "op", kind, "error", err)
		return
	}

	s.mu.Lock()
	p, ok := s.pending[resp.ClientToken]
	if !ok || p.req.kind != kind {
		s.mu.Unlock()
		s.dropUnknown(kind, Rejected, resp.ClientToken)
		return
	}
	s.takeLocked(resp.ClientToken)
	conflict := resp.Code == http.StatusConflict
	if conflict {
		// The desired mirror is stale; it is never force-applied.
		s.doc.Desired = nil
	}
	s.mu.Unlock()

	var err error
	if conflict {
		err = fmt.Errorf("%w: %w: %s", ErrRejected, ErrConflict, resp.Message)
	} else {
		err = fmt.Errorf("%w: %d %s", ErrRejected, resp.Code, resp.Message)
	}
	s.finish(p, Outcome{Status: Rejected, Err: err, Code: resp.Code, Message: resp.Message})

	if conflict && kind != KindGet {
		s.logger.Info("shadow version conflict, re-fetching document", "thing", s.cfg.Thing)
		go s.Get(context.Background())
	}
}

func (s *Synchronizer) dropUnknown(kind Kind, result Status, token string) {
	if token == "" {
		s.logger.Debug("shadow response without client token ignored", "op", kind, "result", result)
		return
	}
	s.unknown.Add(1)
	s.logger.Info("shadow response with unknown client token dropped",
		"op", kind,
		"result", result,
		"token", token,
	)
}

func (s *Synchronizer) handleDelta(payload []byte) {
	var msg struct {
		State   State `json:"state"`
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Warn("malformed shadow delta", "error", err)
		return
	}
	s.applyDesired(msg.State, msg.Version)
}

// applyDesired hands desired to the device handler unless version was
// already applied, then records version.
func (s *Synchronizer) applyDesired(desired State, version int64) {
	s.mu.Lock()
	if version <= s.applied {
		applied := s.applied
		s.mu.Unlock()
		s.logger.Debug("shadow desired state already applied, ignoring", "version", version, "applied_version", applied)
		s.bus.Emit(events.SourceShadow, events.KindDesiredStale, map[string]any{
			"version":         version,
			"applied_version": applied,
		})
		return
	}
	s.doc.Desired = Merge(s.doc.Desired, desired)
	s.doc.Version = max(s.doc.Version, version)
	handler := s.onDesired
	s.mu.Unlock()

	if handler != nil {
		handler(context.Background(), desired.Clone(), version)
	}

	s.mu.Lock()
	s.applied = max(s.applied, version)
	s.mu.Unlock()
	if s.versions != nil {
		if err := s.versions.SetAppliedVersion(s.cfg.Thing, version); err != nil {
			s.logger.Warn("could not persist applied shadow version", "version", version, "error", err)
		}
	}

	s.logger.Info("shadow desired state applied", "version", version, "keys", desired.Keys())
	s.bus.Emit(events.SourceShadow, events.KindDesiredApplied, map[string]any{
		"version": version,
		"keys":    desired.Keys(),
	})
}

// Close resolves every pending request as timed out; their outcomes
// are unknown. Later requests are rejected immediately.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	var open []*pendingRequest
	for token := range s.pending {
		open = append(open, s.takeLocked(token))
	}
	s.mu.Unlock()

	for _, p := range open {
		s.finish(p, Outcome{Status: TimedOut, Err: fmt.Errorf("%w: synchronizer closed", ErrTimeout)})
	}
}

// State reports whether any request is awaiting a response.
func (s *Synchronizer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		return RequestPending
	}
	return Idle
}

// Pending returns the number of requests awaiting a response.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Document returns a copy of the local mirror.
func (s *Synchronizer) Document() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// AppliedVersion returns the last desired-state version handed to the
// device handler.
func (s *Synchronizer) AppliedVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// Status returns a snapshot for the status endpoint.
func (s *Synchronizer) Status() SyncStatus {
	s.mu.Lock()
	st := SyncStatus{
		Thing:          s.cfg.Thing,
		Pending:        len(s.pending),
		Version:        s.doc.Version,
		AppliedVersion: s.applied,
		Reported:       s.doc.Reported.Clone(),
		Desired:        s.doc.Desired.Clone(),
	}
	s.mu.Unlock()

	st.State = Idle.String()
	if st.Pending > 0 {
		st.State = RequestPending.String()
	}
	st.Accepted = s.accepted.Load()
	st.Rejected = s.rejected.Load()
	st.TimedOut = s.timedOut.Load()
	st.UnknownTokens = s.unknown.Load()
	return st
}
