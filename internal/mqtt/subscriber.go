package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Handlers run one at a time on the dispatcher
// goroutine and may call back into the [Manager].
type MessageHandler func(topic string, payload []byte)

// defaultMessageHandler returns a [MessageHandler] that logs messages
// no subscription claimed, at debug level. For JSON payloads it pulls
// out clientToken and version, which is what matters when diagnosing
// shadow traffic. Non-JSON payloads are logged with topic and size
// only.
func defaultMessageHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		if len(payload) > 0 && payload[0] == '{' {
			var doc struct {
				ClientToken string `json:"clientToken"`
				Version     *int64 `json:"version"`
			}
			if err := json.Unmarshal(payload, &doc); err == nil {
				if doc.ClientToken != "" {
					fields = append(fields, "client_token", doc.ClientToken)
				}
				if doc.Version != nil {
					fields = append(fields, "version", *doc.Version)
				}
			}
		}

		logger.Debug("mqtt message received with no handler", fields...)
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	total    atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		r.total.Add(1)
		return false
	}
	return true
}

// inbound is one received message waiting for dispatch.
type inbound struct {
	topic   string
	payload []byte
}

// router hands messages from the client's reader goroutine to a single
// dispatcher goroutine and fans them out to handlers by topic filter.
type router struct {
	logger   *slog.Logger
	limiter  *messageRateLimiter
	fallback MessageHandler
	timeout  time.Duration
	ch       chan inbound

	mu       sync.RWMutex
	handlers map[string]MessageHandler

	dropped atomic.Int64
}

func newRouter(buffer int, timeout time.Duration, limiter *messageRateLimiter, logger *slog.Logger) *router {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &router{
		logger:   logger,
		limiter:  limiter,
		fallback: defaultMessageHandler(logger),
		timeout:  timeout,
		ch:       make(chan inbound, buffer),
		handlers: make(map[string]MessageHandler),
	}
}

func (r *router) set(filter string, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[filter] = h
}

func (r *router) remove(filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, filter)
}

// deliver is called on the client's reader goroutine. It copies the
// payload, since the client may reuse its buffer, and waits at most
// r.timeout for room in the dispatch buffer.
func (r *router) deliver(topic string, payload []byte) {
	if r.limiter != nil && !r.limiter.allow() {
		return
	}
	msg := inbound{topic: topic, payload: bytes.Clone(payload)}

	select {
	case r.ch <- msg:
		return
	default:
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case r.ch <- msg:
	case <-timer.C:
		r.dropped.Add(1)
		r.logger.Warn("mqtt dispatch buffer full, dropping inbound message",
			"topic", topic,
			"payload_size", len(payload),
			"wait", r.timeout,
		)
	}
}

// run dispatches until ctx is cancelled.
func (r *router) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.ch:
			r.dispatch(msg)
		}
	}
}

func (r *router) dispatch(msg inbound) {
	r.mu.RLock()
	var matched []MessageHandler
	for filter, h := range r.handlers {
		if topicMatches(filter, msg.topic) {
			matched = append(matched, h)
		}
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		r.fallback(msg.topic, msg.payload)
		return
	}
	for _, h := range matched {
		h(msg.topic, msg.payload)
	}
}

// droppedTotal returns messages lost to the rate limit or a full
// dispatch buffer since start.
func (r *router) droppedTotal() int64 {
	n := r.dropped.Load()
	if r.limiter != nil {
		n += r.limiter.total.Load()
	}
	return n
}

// topicMatches reports whether topic matches the MQTT topic filter.
// Wildcards at the first level do not match topics beginning with $.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		switch {
		case f == "#":
			return true
		case i >= len(tl):
			return false
		case f == "+":
		case f != tl[i]:
			return false
		}
	}
	return len(tl) == len(fl)
}
