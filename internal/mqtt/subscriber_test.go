package mqtt

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultMessageHandler_ShadowDocument(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	h := defaultMessageHandler(logger)
	payload := `{"state":{"desired":{"interval":30}},"version":7,"clientToken":"tok-1"}`
	h("$aws/things/Bot/shadow/update/accepted", []byte(payload))

	output := buf.String()
	if !strings.Contains(output, "client_token=tok-1") {
		t.Errorf("expected client_token in log output, got: %s", output)
	}
	if !strings.Contains(output, "version=7") {
		t.Errorf("expected version in log output, got: %s", output)
	}
	if !strings.Contains(output, "payload_size=") {
		t.Errorf("expected payload_size in log output, got: %s", output)
	}
}

func TestDefaultMessageHandler_PlainText(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(handler)

	h := defaultMessageHandler(logger)
	// Plain text payload (not JSON) should not panic.
	h("some/topic", []byte("just a string"))

	output := buf.String()
	if !strings.Contains(output, "topic=some/topic") {
		t.Errorf("expected topic in log output, got: %s", output)
	}
	if !strings.Contains(output, "payload_size=13") {
		t.Errorf("expected payload_size=13 in log output, got: %s", output)
	}
}

func TestDefaultMessageHandler_InfoLevelSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	defaultMessageHandler(logger)("a/b", []byte(`{"clientToken":"x"}`))

	if buf.Len() != 0 {
		t.Errorf("expected no output at info level, got: %s", buf.String())
	}
}

func TestMessageRateLimiter(t *testing.T) {
	rl := newMessageRateLimiter(5, time.Second, discardLogger())

	// First 5 should be allowed.
	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}

	// 6th should be dropped.
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}

	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if total := rl.total.Load(); total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestMessageRateLimiter_Concurrent(t *testing.T) {
	rl := newMessageRateLimiter(1000, time.Second, discardLogger())

	// Hammer the rate limiter from multiple goroutines.
	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	// count tracks all calls to allow(); dropped tracks the subset
	// that exceeded the limit. So count should equal total calls.
	count := rl.count.Load()
	if count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	// With limit 1000 and 2000 calls, exactly 1000 should be dropped.
	dropped := rl.dropped.Load()
	if dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/x/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "a/b", true},
		{"+", "a", true},
		{"+", "a/b", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"#", "$aws/things/Bot/shadow/update/delta", false},
		{"+/things/#", "$aws/things/Bot", false},
		{"$aws/things/+/shadow/update/delta", "$aws/things/Bot/shadow/update/delta", true},
		{"$aws/things/Bot/shadow/get/+", "$aws/things/Bot/shadow/get/accepted", true},
	}
	for _, tt := range tests {
		t.Run(tt.filter+" "+tt.topic, func(t *testing.T) {
			if got := topicMatches(tt.filter, tt.topic); got != tt.want {
				t.Errorf("topicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
			}
		})
	}
}

func TestRouter_DispatchesByFilter(t *testing.T) {
	r := newRouter(8, 50*time.Millisecond, nil, discardLogger())

	var mu sync.Mutex
	var got []string
	r.set("sensors/+/cmd", func(topic string, _ []byte) {
		mu.Lock()
		got = append(got, topic)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.run(ctx)

	r.deliver("sensors/bot/cmd", []byte("x"))
	r.deliver("other/topic", []byte("y"))
	r.deliver("sensors/bot2/cmd", []byte("z"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "sensors/bot/cmd" || got[1] != "sensors/bot2/cmd" {
		t.Errorf("dispatched topics = %v, want [sensors/bot/cmd sensors/bot2/cmd]", got)
	}
}

func TestRouter_CopiesPayload(t *testing.T) {
	r := newRouter(1, 10*time.Millisecond, nil, discardLogger())

	buf := []byte("original")
	r.deliver("t", buf)
	copy(buf, "mutated!")

	msg := <-r.ch
	if string(msg.payload) != "original" {
		t.Errorf("payload = %q, want %q", msg.payload, "original")
	}
}

func TestRouter_DropsWhenBufferFull(t *testing.T) {
	r := newRouter(1, 10*time.Millisecond, nil, discardLogger())

	// No dispatcher running: the first message fills the buffer and the
	// second must be dropped after the timeout instead of blocking.
	r.deliver("t", []byte("1"))

	start := time.Now()
	r.deliver("t", []byte("2"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("deliver blocked for %v", elapsed)
	}
	if got := r.droppedTotal(); got != 1 {
		t.Errorf("droppedTotal() = %d, want 1", got)
	}
}

func TestRouter_RateLimited(t *testing.T) {
	rl := newMessageRateLimiter(1, time.Minute, discardLogger())
	r := newRouter(4, 10*time.Millisecond, rl, discardLogger())

	r.deliver("t", []byte("1"))
	r.deliver("t", []byte("2"))

	if len(r.ch) != 1 {
		t.Errorf("buffered = %d, want 1", len(r.ch))
	}
	if got := r.droppedTotal(); got != 1 {
		t.Errorf("droppedTotal() = %d, want 1", got)
	}
}
