package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/soilcast/internal/connwatch"
	"github.com/nugget/soilcast/internal/events"
)

// maxHeadFailures is how many times the drainer retries the message at
// the head of the queue on a live session before discarding it.
const maxHeadFailures = 3

// Config configures a [Manager].
type Config struct {
	// Broker is the broker URL, used in logs, events and status.
	Broker   string
	ClientID string

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	Backoff connwatch.BackoffConfig

	// QueueEnabled turns on offline queuing. When false, Publish
	// without a session fails with ErrNotConnected.
	QueueEnabled bool
	// QueueCapacity bounds the offline queue; 0 is unbounded.
	QueueCapacity int
	// DropOldest evicts the oldest queued message when the queue is
	// full instead of rejecting the new one.
	DropOldest bool
	// DrainRate is the number of queued messages sent per second after
	// a reconnect.
	DrainRate float64
	// Queue stores offline messages. Defaults to a [MemoryQueue].
	Queue Queue

	// RateLimitPerMinute caps inbound messages; 0 disables the limit.
	RateLimitPerMinute int
	// DispatchBuffer is the inbound hand-off buffer size.
	DispatchBuffer int
	// DispatchTimeout is how long the reader waits for buffer room
	// before dropping an inbound message.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 5 * time.Second
	}
	if c.DrainRate <= 0 {
		c.DrainRate = 2
	}
	if c.Queue == nil {
		c.Queue = NewMemoryQueue()
	}
	return c
}

// Status is a point-in-time view of the manager for status endpoints.
type Status struct {
	connwatch.ServiceStatus
	Broker            string `json:"broker"`
	ClientID          string `json:"client_id"`
	QueueEnabled      bool   `json:"queue_enabled"`
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Published         int64  `json:"published"`
	InboundDropped    int64  `json:"inbound_dropped"`
}

// Manager owns the broker session. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	bus     *events.Bus
	backoff *connwatch.Backoff
	tracker *connwatch.Tracker
	router  *router
	limiter *messageRateLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	wake   chan struct{}
	fatal  chan error

	// mu guards the fields below and serializes every queue access,
	// so the "queue non-empty" check and the enqueue are atomic with
	// respect to the drainer.
	mu        sync.Mutex
	sess      Session
	attempt   *connectAttempt
	closed    bool
	subs      map[string]byte
	onConnect []func()

	published atomic.Int64
}

// NewManager creates a Manager. It does not dial; call
// [Manager.Connect] or [Manager.ConnectWithRetry].
func NewManager(cfg Config, dialer Dialer, logger *slog.Logger, bus *events.Bus) *Manager {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger,
		bus:     bus,
		backoff: connwatch.NewBackoff(cfg.Backoff),
		wake:    make(chan struct{}, 1),
		fatal:   make(chan error, 1),
		subs:    make(map[string]byte),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.tracker = connwatch.NewTracker(connwatch.TrackerConfig{
		Name:   "broker",
		Logger: logger,
	})
	if cfg.RateLimitPerMinute > 0 {
		m.limiter = newMessageRateLimiter(int64(cfg.RateLimitPerMinute), time.Minute, logger)
	}
	m.router = newRouter(cfg.DispatchBuffer, cfg.DispatchTimeout, m.limiter, logger)
	return m
}

// startLoops launches the dispatcher, the drainer and the rate limiter
// reset loop on first use.
func (m *Manager) startLoops() {
	m.start.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			m.router.run(m.ctx)
		}()
		go m.drainLoop()
		if m.limiter != nil {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.limiter.start(m.ctx)
			}()
		}
	})
}

// Connect dials the broker once, bounded by the connect timeout. On
// success a supervisor takes over and reconnects with backoff whenever
// the session drops. Connect on a connected manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sess != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	m.startLoops()
	return m.connectOnce(ctx)
}

// ConnectWithRetry calls Connect until it succeeds, ctx ends, or the
// broker rejects the credentials. Delays follow the backoff policy.
func (m *Manager) ConnectWithRetry(ctx context.Context) error {
	for {
		err := m.Connect(ctx)
		if err == nil || errors.Is(err, ErrAuthentication) || errors.Is(err, ErrClosed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := m.backoff.Next()
		m.logger.Warn("mqtt initial connection failed, retrying",
			"broker", m.cfg.Broker,
			"error", err,
			"transient", isTransient(err),
			"attempt", m.backoff.Attempts(),
			"delay", delay,
		)
		m.bus.Emit(events.SourceTransport, events.KindReconnectScheduled, map[string]any{
			"attempt":  m.backoff.Attempts(),
			"delay_ms": delay.Milliseconds(),
		})
		if !connwatch.SleepCtx(ctx, delay) {
			return ctx.Err()
		}
	}
}

// connectAttempt is a dial in progress. Callers that find one wait for
// its result instead of dialing a second session.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// connectOnce establishes a session unless one exists. Concurrent
// callers, including the supervisor's reconnect loop, share a single
// dial.
func (m *Manager) connectOnce(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.sess != nil:
		m.mu.Unlock()
		return nil
	case m.attempt != nil:
		a := m.attempt
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	m.attempt = a
	m.mu.Unlock()

	a.err = m.establish(ctx)

	m.mu.Lock()
	m.attempt = nil
	m.mu.Unlock()
	close(a.done)
	return a.err
}

func (m *Manager) establish(ctx context.Context) error {
	m.tracker.Connecting()

	sess, err := m.dial(ctx)
	if err != nil {
		m.tracker.Disconnected(err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = sess.Disconnect(context.Background())
		return ErrClosed
	}
	m.sess = sess
	m.wg.Add(1)
	subs := maps.Clone(m.subs)
	hooks := append([]func(){}, m.onConnect...)
	m.mu.Unlock()

	m.tracker.Connected()
	m.logger.Info("mqtt connected",
		"broker", m.cfg.Broker,
		"client_id", m.cfg.ClientID,
		"attempts", m.backoff.Attempts(),
	)
	m.bus.Emit(events.SourceTransport, events.KindConnected, map[string]any{
		"broker":    m.cfg.Broker,
		"client_id": m.cfg.ClientID,
		"attempts":  m.backoff.Attempts(),
	})

	for filter, qos := range subs {
		subCtx, cancel := context.WithTimeout(m.ctx, m.cfg.OperationTimeout)
		err := sess.Subscribe(subCtx, filter, qos)
		cancel()
		if err != nil {
			m.logger.Warn("mqtt subscription restore failed", "filter", filter, "error", err)
		}
	}

	go m.supervise(sess)
	m.signalDrain()
	for _, hook := range hooks {
		go hook()
	}
	return nil
}

// dial runs the dialer in its own goroutine so a dialer that ignores
// its context still cannot hold Connect past the connect timeout.
func (m *Manager) dial(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	type result struct {
		sess Session
		err  error
	}
	ch := make(chan result, 1)
	scfg := SessionConfig{
		ClientID:  m.cfg.ClientID,
		KeepAlive: m.cfg.KeepAlive,
		Inbound:   m.router.deliver,
	}
	go func() {
		s, err := m.dialer.Dial(ctx, scfg)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, ctx.Err()
			}
			return nil, classify(r.err)
		}
		return r.sess, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.sess != nil {
				_ = r.sess.Disconnect(context.Background())
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: connect to %s exceeded %s", ErrTimeout, m.cfg.Broker, m.cfg.ConnectTimeout)
		}
		return nil, ctx.Err()
	}
}

// supervise waits for sess to end and, unless the manager is closing,
// reconnects with backoff.
func (m *Manager) supervise(sess Session) {
	defer m.wg.Done()

	select {
	case <-sess.Done():
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	if m.sess == sess {
		m.sess = nil
	}
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	err := sess.Err()
	if err == nil {
		err = fmt.Errorf("%w: session closed", ErrNetwork)
	}
	uptime := m.tracker.Uptime()
	m.tracker.Disconnected(err)
	if m.backoff.ConnectionLost(uptime) {
		m.logger.Debug("mqtt backoff reset after stable connection", "uptime", uptime)
	}
	m.logger.Warn("mqtt connection lost", "error", err, "uptime", uptime)
	m.bus.Emit(events.SourceTransport, events.KindDisconnected, map[string]any{
		"error":     err.Error(),
		"uptime_ms": uptime.Milliseconds(),
	})

	m.reconnect()
}

func (m *Manager) reconnect() {
	for {
		delay := m.backoff.Next()
		m.logger.Info("mqtt reconnect scheduled", "attempt", m.backoff.Attempts(), "delay", delay)
		m.bus.Emit(events.SourceTransport, events.KindReconnectScheduled, map[string]any{
			"attempt":  m.backoff.Attempts(),
			"delay_ms": delay.Milliseconds(),
		})
		if !connwatch.SleepCtx(m.ctx, delay) {
			return
		}

		err := m.connectOnce(m.ctx)
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrAuthentication):
			m.fail(err)
			return
		case errors.Is(err, ErrClosed), m.ctx.Err() != nil:
			return
		}
		m.logger.Warn("mqtt reconnect failed", "error", err, "transient", isTransient(err))
	}
}

// fail reports an unrecoverable error on the Fatal channel.
func (m *Manager) fail(err error) {
	m.logger.Error("mqtt broker rejected credentials, giving up", "error", err)
	m.bus.Emit(events.SourceTransport, events.KindAuthFailed, map[string]any{"error": err.Error()})
	select {
	case m.fatal <- err:
	default:
	}
}

// Fatal delivers at most one error that ended reconnection for good,
// such as the broker rejecting the device certificate.
func (m *Manager) Fatal() <-chan error {
	return m.fatal
}

// OnConnect registers fn to run, in its own goroutine, after every
// successful connect once subscriptions are restored.
func (m *Manager) OnConnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

// Disconnect closes the session and stops all background work. It is
// idempotent; later operations return ErrClosed.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	m.cancel()

	var err error
	if sess != nil {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		err = sess.Disconnect(dctx)
		cancel()
	}
	m.wg.Wait()
	m.tracker.Disconnected(nil)

	if n, qerr := m.queueLen(); qerr == nil && n > 0 {
		m.logger.Info("mqtt disconnected with messages still queued", "queued", n)
	} else {
		m.logger.Info("mqtt disconnected")
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

// Publish sends payload to topic. While disconnected, or while older
// messages are still queued, the message joins the offline queue and
// Publish returns nil. QoS 1 publishes on a live session wait for the
// broker's acknowledgement up to the operation timeout.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if qos > 2 {
		return fmt.Errorf("invalid qos %d", qos)
	}
	msg := Message{Topic: topic, Payload: payload, QoS: qos}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	sess := m.sess
	if !m.cfg.QueueEnabled {
		m.mu.Unlock()
		if sess == nil {
			return ErrNotConnected
		}
		return m.send(ctx, sess, msg)
	}

	queued, err := m.cfg.Queue.Len()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("offline queue: %w", err)
	}
	if sess == nil || queued > 0 {
		err := m.enqueueLocked(msg)
		m.mu.Unlock()
		if err == nil {
			m.signalDrain()
		}
		return err
	}
	m.mu.Unlock()

	err = m.send(ctx, sess, msg)
	if err == nil || errors.Is(err, ErrTimeout) || !errors.Is(err, ErrNetwork) {
		return err
	}

	// The session died under us; keep the message for the next drain.
	m.mu.Lock()
	qerr := m.enqueueLocked(msg)
	m.mu.Unlock()
	if qerr != nil {
		return err
	}
	m.logger.Debug("mqtt publish failed, queued for retry", "topic", topic, "error", err)
	m.signalDrain()
	return nil
}

// send publishes on sess, bounding acknowledged publishes by the
// operation timeout.
func (m *Manager) send(ctx context.Context, sess Session, msg Message) error {
	if msg.QoS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.OperationTimeout)
		defer cancel()
	}
	if err := sess.Publish(ctx, msg); err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: publish to %s not acknowledged within %s", ErrTimeout, msg.Topic, m.cfg.OperationTimeout)
		}
		return classify(err)
	}
	m.published.Add(1)
	return nil
}

// enqueueLocked applies the capacity policy and appends msg. m.mu must
// be held.
func (m *Manager) enqueueLocked(msg Message) error {
	msg.QueuedAt = time.Now().UTC()

	if m.cfg.QueueCapacity > 0 {
		n, err := m.cfg.Queue.Len()
		if err != nil {
			return fmt.Errorf("offline queue: %w", err)
		}
		if n >= m.cfg.QueueCapacity {
			if !m.cfg.DropOldest {
				m.bus.Emit(events.SourceTransport, events.KindQueueOverflow, map[string]any{
					"topic":  msg.Topic,
					"policy": "reject",
				})
				return fmt.Errorf("%w: %d messages waiting", ErrQueueFull, n)
			}
			if err := m.cfg.Queue.PopFront(); err != nil {
				return fmt.Errorf("offline queue: %w", err)
			}
			m.logger.Warn("offline queue full, dropped oldest message", "capacity", m.cfg.QueueCapacity)
			m.bus.Emit(events.SourceTransport, events.KindQueueOverflow, map[string]any{
				"topic":  msg.Topic,
				"policy": "drop_oldest",
			})
		}
	}

	if err := m.cfg.Queue.Push(msg); err != nil {
		return fmt.Errorf("offline queue: %w", err)
	}
	return nil
}

func (m *Manager) signalDrain() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// drainLoop sends queued messages in FIFO order at the drain rate
// whenever a session is available.
func (m *Manager) drainLoop() {
	defer m.wg.Done()

	interval := time.Duration(float64(time.Second) / m.cfg.DrainRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.wake:
		}

		sent, failures := 0, 0
		var head int64
		for {
			m.mu.Lock()
			sess := m.sess
			msg, ok, err := m.cfg.Queue.Front()
			m.mu.Unlock()
			if err != nil {
				m.logger.Error("offline queue read failed", "error", err)
				break
			}
			if sess == nil || !ok {
				break
			}
			if msg.ID != head {
				head, failures = msg.ID, 0
			}

			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
			}

			if err := m.send(m.ctx, sess, msg); err != nil {
				if m.ctx.Err() != nil {
					return
				}
				failures++
				select {
				case <-sess.Done():
					// Left at the head; the next connect re-signals.
					m.logger.Debug("mqtt drain interrupted by connection loss", "topic", msg.Topic)
				default:
					m.logger.Warn("mqtt queued publish failed", "topic", msg.Topic, "attempt", failures, "error", err)
					if failures >= maxHeadFailures {
						m.logger.Error("discarding queued message after repeated failures",
							"topic", msg.Topic,
							"queued_at", msg.QueuedAt,
						)
						m.remove(msg)
						failures = 0
					}
					continue
				}
				break
			}
			failures = 0
			m.remove(msg)
			sent++
		}

		if sent > 0 {
			n, _ := m.queueLen()
			if n == 0 {
				m.logger.Info("offline queue drained", "sent", sent)
				m.bus.Emit(events.SourceTransport, events.KindQueueDrained, map[string]any{"sent": sent})
			}
		}
	}
}

// remove takes msg off the queue once it has been handled. The drop
// policy may already have evicted it while the send was in flight.
func (m *Manager) remove(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, err := m.cfg.Queue.Remove(msg.ID)
	if err != nil {
		m.logger.Error("offline queue remove failed", "topic", msg.Topic, "error", err)
		return
	}
	if !ok {
		m.logger.Debug("queued message evicted while in flight", "topic", msg.Topic)
	}
}

func (m *Manager) queueLen() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Queue.Len()
}

// Subscribe registers handler for filter and subscribes on the live
// session, if any. The subscription is restored after every reconnect.
func (m *Manager) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.subs[filter] = qos
	m.router.set(filter, handler)
	sess := m.sess
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	if err := sess.Subscribe(ctx, filter, qos); err != nil {
		return classify(err)
	}
	return nil
}

// Unsubscribe forgets filter and removes it from the live session.
func (m *Manager) Unsubscribe(ctx context.Context, filter string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	delete(m.subs, filter)
	m.router.remove(filter)
	sess := m.sess
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OperationTimeout)
	defer cancel()
	if err := sess.Unsubscribe(ctx, filter); err != nil {
		return classify(err)
	}
	return nil
}

// IsConnected reports whether a session is currently established.
func (m *Manager) IsConnected() bool {
	return m.tracker.IsReady()
}

// QueueDepth returns the number of messages waiting in the offline
// queue.
func (m *Manager) QueueDepth() int {
	n, err := m.queueLen()
	if err != nil {
		return 0
	}
	return n
}

// Status returns the current connection and queue state.
func (m *Manager) Status() Status {
	return Status{
		ServiceStatus:     m.tracker.Status(),
		Broker:            m.cfg.Broker,
		ClientID:          m.cfg.ClientID,
		QueueEnabled:      m.cfg.QueueEnabled,
		QueueDepth:        m.QueueDepth(),
		QueueCapacity:     m.cfg.QueueCapacity,
		ReconnectAttempts: m.backoff.Attempts(),
		Published:         m.published.Load(),
		InboundDropped:    m.router.droppedTotal(),
	}
}
