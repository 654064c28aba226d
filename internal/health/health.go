// Package health publishes periodic device-health telemetry: host CPU
// and memory load, uptimes, build version and transport state.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nugget/soilcast/internal/buildinfo"
)

// Snapshot is one health report. It is published as the message body
// of a telemetry envelope.
type Snapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	HostUptimeSec uint64  `json:"host_uptime_sec"`
	UptimeSec     int64   `json:"uptime_sec"`
	Version       string  `json:"version"`
	Connected     bool    `json:"connected"`
	QueueDepth    int     `json:"queue_depth"`
}

// Transport reports connection state. [mqtt.Manager] satisfies it.
type Transport interface {
	IsConnected() bool
	QueueDepth() int
}

// Collector gathers a [Snapshot]. Host metrics that cannot be read are
// logged and reported as zero.
type Collector struct {
	transport Transport
	logger    *slog.Logger

	cpuPercent    func(context.Context, time.Duration, bool) ([]float64, error)
	virtualMemory func(context.Context) (*mem.VirtualMemoryStat, error)
	hostUptime    func(context.Context) (uint64, error)
	uptime        func() time.Duration
}

// NewCollector creates a Collector backed by gopsutil. transport may
// be nil.
func NewCollector(transport Transport, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		transport:     transport,
		logger:        logger,
		cpuPercent:    cpu.PercentWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		hostUptime:    host.UptimeWithContext,
		uptime:        buildinfo.Uptime,
	}
}

// Collect reads the current health snapshot.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	s := Snapshot{
		UptimeSec: int64(c.uptime() / time.Second),
		Version:   buildinfo.Version,
	}

	// A zero interval compares against the previous call instead of
	// blocking for a sample window.
	if pct, err := c.cpuPercent(ctx, 0, false); err != nil {
		c.logger.Debug("cpu usage unavailable", "error", err)
	} else if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}

	if vm, err := c.virtualMemory(ctx); err != nil {
		c.logger.Debug("memory usage unavailable", "error", err)
	} else if vm != nil {
		s.MemoryPercent = vm.UsedPercent
	}

	if up, err := c.hostUptime(ctx); err != nil {
		c.logger.Debug("host uptime unavailable", "error", err)
	} else {
		s.HostUptimeSec = up
	}

	if c.transport != nil {
		s.Connected = c.transport.IsConnected()
		s.QueueDepth = c.transport.QueueDepth()
	}
	return s
}

// Publisher sends a free-form telemetry message.
// [telemetry.Publisher] satisfies it.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, message any) error
}

// Reporter publishes a snapshot on Topic every Interval.
type Reporter struct {
	Collector *Collector
	Publisher Publisher
	Topic     string
	Interval  time.Duration
	Logger    *slog.Logger
}

// Run reports immediately and then every Interval until ctx is
// cancelled. Publish failures are logged; the next tick tries again.
func (r *Reporter) Run(ctx context.Context) {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	r.report(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) report(ctx context.Context) {
	snap := r.Collector.Collect(ctx)
	if err := r.Publisher.PublishMessage(ctx, r.Topic, snap); err != nil {
		r.Logger.Warn("health report not published", "topic", r.Topic, "error", err)
		return
	}
	r.Logger.Debug("health reported",
		"cpu_percent", snap.CPUPercent,
		"memory_percent", snap.MemoryPercent,
		"connected", snap.Connected,
	)
}
