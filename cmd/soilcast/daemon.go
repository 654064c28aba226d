package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nugget/soilcast/internal/buildinfo"
	"github.com/nugget/soilcast/internal/config"
	"github.com/nugget/soilcast/internal/connwatch"
	"github.com/nugget/soilcast/internal/events"
	"github.com/nugget/soilcast/internal/health"
	"github.com/nugget/soilcast/internal/mqtt"
	"github.com/nugget/soilcast/internal/sensor"
	"github.com/nugget/soilcast/internal/shadow"
	"github.com/nugget/soilcast/internal/status"
	"github.com/nugget/soilcast/internal/store"
	"github.com/nugget/soilcast/internal/telemetry"
)

// device holds the components every command shares: the database and
// the broker connection built from one validated config.
type device struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	db     *sql.DB
	state  *store.StateStore
	mgr    *mqtt.Manager
}

// newDevice opens the data store and prepares (but does not dial) the
// connection manager. oneShot commands get no offline queue so that
// failures surface instead of being buffered.
func newDevice(cfg *config.Config, logger *slog.Logger, bus *events.Bus, oneShot bool) (*device, error) {
	tlsCfg, err := mqtt.LoadTLSConfig(mqtt.Credentials{
		RootCA:         cfg.Credentials.RootCA,
		Cert:           cfg.Credentials.Cert,
		Key:            cfg.Credentials.Key,
		PKCS12:         cfg.Credentials.PKCS12,
		PKCS12Password: cfg.Credentials.PKCS12Password,
		ALPN:           cfg.Broker.ALPN,
	})
	if err != nil {
		return nil, err
	}

	mqttLogger := logger.With("component", "mqtt")
	dialer, err := mqtt.NewBrokerDialer(mqtt.BrokerConfig{
		Endpoint: cfg.Broker.Endpoint,
		Port:     cfg.Broker.Port,
		Scheme:   strings.ToLower(cfg.Broker.Scheme),
		Protocol: cfg.Broker.Protocol,
		TLS:      tlsCfg,
		Proxy:    cfg.Broker.Proxy,
	}, mqttLogger)
	if err != nil {
		return nil, err
	}

	clientID, err := mqtt.ResolveClientID(cfg.Broker.ClientID, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve client id: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, store.DefaultFile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	state, err := store.NewStateStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	mcfg := mqtt.Config{
		Broker:           dialer.URL(),
		ClientID:         clientID,
		KeepAlive:        time.Duration(cfg.Broker.KeepAliveSec) * time.Second,
		ConnectTimeout:   cfg.Broker.ConnectTimeout(),
		OperationTimeout: cfg.Broker.OperationTimeout(),
		Backoff: connwatch.BackoffConfig{
			MinDelay:    time.Duration(cfg.Backoff.MinSec) * time.Second,
			MaxDelay:    time.Duration(cfg.Backoff.MaxSec) * time.Second,
			Multiplier:  cfg.Backoff.Multiplier,
			Jitter:      cfg.Backoff.Jitter,
			StableAfter: time.Duration(cfg.Backoff.StableAfterSec) * time.Second,
		},
		QueueEnabled:       cfg.OfflineQueue.Enabled && !oneShot,
		QueueCapacity:      cfg.OfflineQueue.Capacity,
		DropOldest:         cfg.OfflineQueue.DropPolicy == config.DropOldest,
		DrainRate:          cfg.OfflineQueue.DrainRate,
		RateLimitPerMinute: cfg.Inbound.RateLimitPerMinute,
		DispatchBuffer:     cfg.Inbound.DispatchBuffer,
		DispatchTimeout:    time.Duration(cfg.Inbound.DispatchTimeoutMs) * time.Millisecond,
	}
	if mcfg.QueueEnabled && cfg.OfflineQueue.Persist {
		spool, err := store.NewSpool(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		mcfg.Queue = spool
		logger.Info("offline queue spooled to disk", "path", dbPath)
	}

	return &device{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		db:     db,
		state:  state,
		mgr:    mqtt.NewManager(mcfg, dialer, mqttLogger, bus),
	}, nil
}

// newSynchronizer builds the shadow synchronizer. versions may be nil
// when the caller never hands desired state to device logic.
func (d *device) newSynchronizer(versions shadow.VersionStore) *shadow.Synchronizer {
	return shadow.NewSynchronizer(shadow.Config{
		Thing:          d.cfg.Thing.Name,
		TopicPrefix:    d.cfg.Shadow.TopicPrefix,
		RequestTimeout: time.Duration(d.cfg.Shadow.RequestTimeoutSec) * time.Second,
		Versioned:      d.cfg.Shadow.Versioned,
	}, d.mgr, versions, d.logger.With("component", "shadow"), d.bus)
}

// logDesired is the desired-state handler for the soil sensor, which has no
// actuators. Reported state is only ever written from sensor readings,
// so a desired value is logged and never echoed back as reported.
func logDesired(logger *slog.Logger) shadow.DesiredHandler {
	return func(_ context.Context, desired shadow.State, version int64) {
		fields := []any{"version", version}
		for _, k := range desired.Keys() {
			fields = append(fields, "desired."+k, desired[k])
		}
		logger.Info("desired state received, no actuator to apply it", fields...)
	}
}

// close disconnects from the broker and closes the database.
func (d *device) close() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Broker.ConnectTimeout())
	defer cancel()
	if err := d.mgr.Disconnect(ctx); err != nil {
		d.logger.Warn("mqtt disconnect failed", "error", err)
	}
	if err := d.db.Close(); err != nil {
		d.logger.Warn("close database failed", "error", err)
	}
}

// runDaemon samples the sensor and publishes until ctx is cancelled or
// the broker rejects the credentials.
func runDaemon(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting soilcast", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"endpoint", cfg.Broker.Endpoint,
		"port", cfg.Broker.Port,
		"protocol", cfg.Broker.Protocol,
		"thing", cfg.Thing.Name,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.New()
	recorder := events.NewRecorder(200)
	go recorder.Run(ctx, bus)

	dev, err := newDevice(cfg, logger, bus, false)
	if err != nil {
		return err
	}
	defer dev.close()

	pub := telemetry.NewPublisher(dev.mgr, byte(cfg.Telemetry.QoS), logger.With("component", "telemetry"))

	var syncer *shadow.Synchronizer
	if cfg.Shadow.Enabled {
		syncer = dev.newSynchronizer(dev.state)
		defer syncer.Close()
		syncer.OnDesired(logDesired(logger))
		if err := syncer.Start(ctx); err != nil {
			return err
		}

		var deleted atomic.Bool
		dev.mgr.OnConnect(func() {
			if cfg.Shadow.DeleteOnStart && deleted.CompareAndSwap(false, true) {
				syncer.Delete(ctx)
				return
			}
			syncer.Get(ctx)
		})
	}

	if err := dev.mgr.ConnectWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to %s: %w", cfg.Broker.Endpoint, err)
	}

	sampler := &sensor.Sampler{
		Source:   sensor.NewSimulated(uint64(time.Now().UnixNano())),
		Interval: time.Duration(cfg.Telemetry.IntervalSec) * time.Second,
		Logger:   logger.With("component", "sensor"),
		Bus:      bus,
		Handle: func(ctx context.Context, r sensor.Reading) {
			if err := pub.PublishReading(ctx, r, cfg.Telemetry.Topic); err != nil {
				logger.Warn("telemetry not published", "error", err)
			}
			if syncer != nil {
				syncer.ReportChanges(ctx, shadow.State{"moisture": r.Moisture, "temp": r.Temp})
			}
		},
	}
	go sampler.Run(ctx)

	if cfg.Health.Enabled {
		reporter := &health.Reporter{
			Collector: health.NewCollector(dev.mgr, logger.With("component", "health")),
			Publisher: pub,
			Topic:     cfg.Health.Topic,
			Interval:  time.Duration(cfg.Health.IntervalSec) * time.Second,
			Logger:    logger.With("component", "health"),
		}
		go reporter.Run(ctx)
	}

	if cfg.Status.Enabled {
		srv := status.NewServer(cfg.Status.Address, dev.mgr, logger.With("component", "status"))
		if syncer != nil {
			srv.SetShadow(syncer)
		}
		srv.SetEvents(recorder)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-dev.mgr.Fatal():
		cancel()
		return fmt.Errorf("giving up on %s: %w", cfg.Broker.Endpoint, err)
	}
}

// runPublish sends one telemetry message at QoS 1 and waits for the
// broker's acknowledgement.
func runPublish(ctx context.Context, stdout io.Writer, opts options, topic, body string) error {
	var message any
	if err := json.Unmarshal([]byte(body), &message); err != nil {
		return fmt.Errorf("message is not valid JSON: %w", err)
	}

	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)

	dev, err := newDevice(cfg, logger, nil, true)
	if err != nil {
		return err
	}
	defer dev.close()

	if err := dev.mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Broker.Endpoint, err)
	}
	pub := telemetry.NewPublisher(dev.mgr, 1, logger)
	if err := pub.PublishMessage(ctx, topic, message); err != nil {
		return err
	}
	logger.Info("message published", "topic", topic)
	return nil
}

// runShadow performs a single get or delete and prints the outcome.
func runShadow(ctx context.Context, stdout io.Writer, opts options, op string) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)

	dev, err := newDevice(cfg, logger, nil, true)
	if err != nil {
		return err
	}
	defer dev.close()

	// A get must not record desired versions as applied: nothing here
	// acts on them. A delete still resets the persisted version.
	var versions shadow.VersionStore
	if op == "delete" {
		versions = dev.state
	}
	syncer := dev.newSynchronizer(versions)
	defer syncer.Close()
	if err := syncer.Start(ctx); err != nil {
		return err
	}
	if err := dev.mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Broker.Endpoint, err)
	}

	var req *shadow.Request
	if op == "delete" {
		req = syncer.Delete(ctx)
	} else {
		req = syncer.Get(ctx)
	}
	outcome, err := req.Wait(ctx)
	if err != nil {
		return err
	}
	if err := printOutcome(stdout, opts.output, outcome); err != nil {
		return err
	}
	return outcome.Err
}

func printOutcome(w io.Writer, outputFmt string, o shadow.Outcome) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	}
	fmt.Fprintf(w, "%s %s (token %s)\n", o.Kind, o.Status, o.Token)
	if o.Status != shadow.Accepted {
		return nil
	}
	fmt.Fprintf(w, "  version: %d\n", o.Document.Version)
	for _, side := range []struct {
		name  string
		state shadow.State
	}{
		{"desired", o.Document.Desired},
		{"reported", o.Document.Reported},
	} {
		for _, k := range side.state.Keys() {
			fmt.Fprintf(w, "  %s.%s: %v\n", side.name, k, side.state[k])
		}
	}
	return nil
}
