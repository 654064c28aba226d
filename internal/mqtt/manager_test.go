package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/soilcast/internal/connwatch"
	"github.com/nugget/soilcast/internal/events"
)

// fakeSession records what the manager sends and lets tests end the
// session or push inbound messages.
type fakeSession struct {
	sessionState
	inbound func(topic string, payload []byte)

	mu         sync.Mutex
	published  []Message
	subs       []string
	block      bool
	publishErr error

	// When gate is set, Publish reports each payload on started and
	// waits for gate to close before completing.
	gate    chan struct{}
	started chan string
}

func newFakeSession(inbound func(string, []byte)) *fakeSession {
	f := &fakeSession{inbound: inbound}
	f.init()
	return f
}

func (f *fakeSession) Publish(ctx context.Context, m Message) error {
	f.mu.Lock()
	block, err := f.block, f.publishErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.gate != nil {
		f.started <- string(m.Payload)
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, m)
	return nil
}

func (f *fakeSession) Subscribe(_ context.Context, filter string, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, filter)
	return nil
}

func (f *fakeSession) Unsubscribe(_ context.Context, filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = slices.DeleteFunc(f.subs, func(s string) bool { return s == filter })
	return nil
}

func (f *fakeSession) Disconnect(context.Context) error {
	f.end(nil)
	return nil
}

func (f *fakeSession) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.published))
	for i, m := range f.published {
		out[i] = string(m.Payload)
	}
	return out
}

func (f *fakeSession) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.subs)
}

// fakeDialer hands out fakeSessions, failing with queued errors first.
type fakeDialer struct {
	mu       sync.Mutex
	errs     []error
	hang     bool
	delay    time.Duration
	gate     chan struct{}
	started  chan string
	sessions []*fakeSession
	dials    atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, cfg SessionConfig) (Session, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	if d.hang {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	s := newFakeSession(cfg.Inbound)
	s.gate, s.started = d.gate, d.started
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) failNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func (d *fakeDialer) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func testConfig() Config {
	return Config{
		Broker:           "mqtts://broker.test:8883",
		ClientID:         "soilcast-test",
		ConnectTimeout:   time.Second,
		OperationTimeout: time.Second,
		Backoff: connwatch.BackoffConfig{
			MinDelay: time.Millisecond,
			MaxDelay: 5 * time.Millisecond,
		},
		QueueEnabled: true,
		DrainRate:    1000,
	}
}

func newTestManager(t *testing.T, cfg Config, d Dialer) *Manager {
	t.Helper()
	m := NewManager(cfg, d, discardLogger(), events.New())
	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_PublishConnected(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !m.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if err := m.Publish(t.Context(), "thing01/data", []byte("m1"), 0); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := d.session(0).payloads(); !slices.Equal(got, []string{"m1"}) {
		t.Errorf("published = %v, want [m1]", got)
	}
	if got := m.Status().Published; got != 1 {
		t.Errorf("Status().Published = %d, want 1", got)
	}
}

func TestManager_ConnectTwiceIsNoop(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)

	for range 2 {
		if err := m.Connect(t.Context()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	}
	if got := d.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestManager_NotConnectedWithoutQueue(t *testing.T) {
	cfg := testConfig()
	cfg.QueueEnabled = false
	m := newTestManager(t, cfg, &fakeDialer{})

	err := m.Publish(t.Context(), "t", []byte("x"), 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestManager_QueuesWhileDisconnectedAndDrainsInOrder(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)

	for i := range 3 {
		if err := m.Publish(t.Context(), "t", fmt.Appendf(nil, "m%d", i+1), 1); err != nil {
			t.Fatalf("Publish(m%d) error = %v", i+1, err)
		}
	}
	if got := m.QueueDepth(); got != 3 {
		t.Fatalf("QueueDepth() = %d, want 3", got)
	}

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// Published after reconnect but before the drain finishes: must
	// still go out after the queued ones.
	if err := m.Publish(t.Context(), "t", []byte("m4"), 1); err != nil {
		t.Fatalf("Publish(m4) error = %v", err)
	}

	s := d.session(0)
	waitFor(t, "queue drain", func() bool { return len(s.payloads()) == 4 })

	want := []string{"m1", "m2", "m3", "m4"}
	if got := s.payloads(); !slices.Equal(got, want) {
		t.Errorf("published order = %v, want %v", got, want)
	}
	if got := m.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth() = %d after drain, want 0", got)
	}
}

func TestManager_QueueFullRejects(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	m := newTestManager(t, cfg, &fakeDialer{})

	for _, p := range []string{"a", "b"} {
		if err := m.Publish(t.Context(), "t", []byte(p), 0); err != nil {
			t.Fatalf("Publish(%s) error = %v", p, err)
		}
	}
	err := m.Publish(t.Context(), "t", []byte("c"), 0)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Publish(c) error = %v, want ErrQueueFull", err)
	}
	if got := m.QueueDepth(); got != 2 {
		t.Errorf("QueueDepth() = %d, want 2", got)
	}
}

func TestManager_QueueDropOldest(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	cfg.DropOldest = true
	d := &fakeDialer{}
	m := newTestManager(t, cfg, d)

	for _, p := range []string{"a", "b", "c"} {
		if err := m.Publish(t.Context(), "t", []byte(p), 0); err != nil {
			t.Fatalf("Publish(%s) error = %v", p, err)
		}
	}
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	s := d.session(0)
	waitFor(t, "queue drain", func() bool { return len(s.payloads()) == 2 })
	if got := s.payloads(); !slices.Equal(got, []string{"b", "c"}) {
		t.Errorf("published = %v, want [b c]", got)
	}
}

func TestManager_DropOldestWhileHeadInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	cfg.DropOldest = true
	d := &fakeDialer{gate: make(chan struct{}), started: make(chan string, 8)}
	m := newTestManager(t, cfg, d)

	for _, p := range []string{"a", "b"} {
		if err := m.Publish(t.Context(), "t", []byte(p), 0); err != nil {
			t.Fatalf("Publish(%s) error = %v", p, err)
		}
	}
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case p := <-d.started:
		if p != "a" {
			t.Fatalf("first drained = %q, want a", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain never started")
	}

	// Queue is full with a in flight: c evicts a, which is already on
	// its way, and b must survive.
	if err := m.Publish(t.Context(), "t", []byte("c"), 0); err != nil {
		t.Fatalf("Publish(c) error = %v", err)
	}
	close(d.gate)

	s := d.session(0)
	waitFor(t, "queue drain", func() bool { return len(s.payloads()) == 3 })
	if got := s.payloads(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("published = %v, want [a b c]", got)
	}
	if got := m.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth() = %d, want 0", got)
	}
}

func TestManager_ConcurrentConnectDialsOnce(t *testing.T) {
	d := &fakeDialer{delay: 20 * time.Millisecond}
	m := NewManager(testConfig(), d, discardLogger(), events.New())

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Connect() error = %v", err)
		}
	}
	if got := d.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	for i := range d.sessionCount() {
		select {
		case <-d.session(i).Done():
		default:
			t.Errorf("session %d still open after Disconnect", i)
		}
	}
}

func TestManager_AckTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.OperationTimeout = 20 * time.Millisecond
	d := &fakeDialer{}
	m := newTestManager(t, cfg, d)

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s := d.session(0)
	s.mu.Lock()
	s.block = true
	s.mu.Unlock()

	err := m.Publish(t.Context(), "t", []byte("x"), 1)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Publish() error = %v, want ErrTimeout", err)
	}
}

func TestManager_ConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	m := newTestManager(t, cfg, &fakeDialer{hang: true})

	start := time.Now()
	err := m.Connect(t.Context())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Connect() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Connect() took %v, want bounded by connect timeout", elapsed)
	}
}

func TestManager_ConnectIgnoringContextStillTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	stuck := DialerFunc(func(context.Context, SessionConfig) (Session, error) {
		<-release
		return nil, errors.New("too late")
	})
	m := newTestManager(t, cfg, stuck)

	if err := m.Connect(t.Context()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Connect() error = %v, want ErrTimeout", err)
	}
}

func TestManager_ConnectAuthFailure(t *testing.T) {
	d := &fakeDialer{}
	d.failNext(fmt.Errorf("%w: bad certificate", ErrAuthentication))
	m := newTestManager(t, testConfig(), d)

	err := m.ConnectWithRetry(t.Context())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("ConnectWithRetry() error = %v, want ErrAuthentication", err)
	}
	if got := d.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1 (no retry on auth failure)", got)
	}
}

func TestManager_ConnectWithRetry(t *testing.T) {
	d := &fakeDialer{}
	d.failNext(errors.New("connection refused"), errors.New("connection refused"))
	m := newTestManager(t, testConfig(), d)

	if err := m.ConnectWithRetry(t.Context()); err != nil {
		t.Fatalf("ConnectWithRetry() error = %v", err)
	}
	if got := d.dials.Load(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
	if got := m.Status().ReconnectAttempts; got != 2 {
		t.Errorf("ReconnectAttempts = %d, want 2", got)
	}
}

func TestManager_ReconnectRestoresSubscriptions(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)

	var hooks atomic.Int32
	m.OnConnect(func() { hooks.Add(1) })

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Subscribe(t.Context(), "$aws/things/Bot/shadow/update/delta", 1, func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	d.session(0).end(fmt.Errorf("%w: EOF", ErrNetwork))

	waitFor(t, "reconnect", func() bool { return d.sessionCount() == 2 && m.IsConnected() })
	subs := d.session(1).subscriptions()
	if !slices.Contains(subs, "$aws/things/Bot/shadow/update/delta") {
		t.Errorf("subscriptions after reconnect = %v, want delta topic restored", subs)
	}
	waitFor(t, "connect hooks", func() bool { return hooks.Load() == 2 })
}

func TestManager_OutagePreservesOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff.MinDelay = 50 * time.Millisecond
	cfg.Backoff.MaxDelay = 50 * time.Millisecond
	d := &fakeDialer{}
	m := newTestManager(t, cfg, d)

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	d.session(0).end(fmt.Errorf("%w: reset", ErrNetwork))
	waitFor(t, "disconnect", func() bool { return !m.IsConnected() })

	for _, p := range []string{"m1", "m2"} {
		if err := m.Publish(t.Context(), "t", []byte(p), 1); err != nil {
			t.Fatalf("Publish(%s) error = %v", p, err)
		}
	}

	waitFor(t, "reconnect", func() bool { return d.sessionCount() == 2 })
	s := d.session(1)
	waitFor(t, "drain", func() bool { return len(s.payloads()) == 2 })
	if got := s.payloads(); !slices.Equal(got, []string{"m1", "m2"}) {
		t.Errorf("published after reconnect = %v, want [m1 m2]", got)
	}
}

func TestManager_AuthFailureDuringReconnectIsFatal(t *testing.T) {
	d := &fakeDialer{}
	bus := events.New()
	ch := bus.Subscribe(32)
	m := NewManager(testConfig(), d, discardLogger(), bus)
	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	d.failNext(fmt.Errorf("%w: certificate revoked", ErrAuthentication))
	d.session(0).end(fmt.Errorf("%w: EOF", ErrNetwork))

	select {
	case err := <-m.Fatal():
		if !errors.Is(err, ErrAuthentication) {
			t.Errorf("Fatal() = %v, want ErrAuthentication", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fatal error")
	}

	var sawAuth bool
	for len(ch) > 0 {
		if e := <-ch; e.Kind == events.KindAuthFailed {
			sawAuth = true
		}
	}
	if !sawAuth {
		t.Error("no auth_failed event emitted")
	}
}

func TestManager_InboundDispatch(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)

	got := make(chan string, 1)
	if err := m.Subscribe(t.Context(), "cmd/+", 1, func(topic string, payload []byte) {
		got <- topic + "=" + string(payload)
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	d.session(0).inbound("cmd/reboot", []byte("now"))

	select {
	case s := <-got:
		if s != "cmd/reboot=now" {
			t.Errorf("handler got %q, want %q", s, "cmd/reboot=now")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestManager_Unsubscribe(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(t, testConfig(), d)

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Subscribe(t.Context(), "a/b", 0, func(string, []byte) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := m.Unsubscribe(t.Context(), "a/b"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if subs := d.session(0).subscriptions(); len(subs) != 0 {
		t.Errorf("subscriptions = %v, want none", subs)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(testConfig(), d, discardLogger(), nil)

	if err := m.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for range 2 {
		if err := m.Disconnect(t.Context()); err != nil {
			t.Errorf("Disconnect() error = %v", err)
		}
	}
	if err := m.Publish(t.Context(), "t", nil, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Disconnect error = %v, want ErrClosed", err)
	}
	if err := m.Connect(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Disconnect error = %v, want ErrClosed", err)
	}
	select {
	case <-d.session(0).Done():
	default:
		t.Error("session not closed by Disconnect")
	}
}

func TestManager_StatusJSON(t *testing.T) {
	m := newTestManager(t, testConfig(), &fakeDialer{})
	_ = m.Publish(t.Context(), "t", []byte("x"), 0)

	data, err := json.Marshal(m.Status())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got["state"] != "disconnected" {
		t.Errorf("state = %v, want disconnected", got["state"])
	}
	if got["queue_depth"] != float64(1) {
		t.Errorf("queue_depth = %v, want 1", got["queue_depth"])
	}
	if got["client_id"] != "soilcast-test" {
		t.Errorf("client_id = %v, want soilcast-test", got["client_id"])
	}
}
