package sensor

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/soilcast/internal/events"
)

// Sampler reads a [Source] on a fixed interval and hands each reading
// to Handle. Failed reads are logged and the cycle is skipped.
type Sampler struct {
	Source   Source
	Interval time.Duration
	Handle   func(ctx context.Context, r Reading)
	Logger   *slog.Logger
	Bus      *events.Bus

	now func() time.Time
}

// Run samples immediately and then every Interval until ctx is
// cancelled.
func (s *Sampler) Run(ctx context.Context) {
	if s.now == nil {
		s.now = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	s.cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Sampler) cycle(ctx context.Context) {
	r, err := Sample(ctx, s.Source, s.now())
	if err != nil {
		s.Logger.Warn("sensor read failed, skipping cycle", "error", err)
		s.Bus.Emit(events.SourceSensor, events.KindReadFailed, map[string]any{"error": err.Error()})
		return
	}
	s.Logger.Debug("sensor sampled", "moisture", r.Moisture, "temp", r.Temp)
	if s.Handle != nil {
		s.Handle(ctx, r)
	}
}
