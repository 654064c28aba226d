// Package config handles soilcast configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is returned by [Config.Validate] when the TLS
// credential set is incomplete. The command line maps it to exit
// status 2.
var ErrMissingCredentials = errors.New("missing credentials for authentication")

// ErrMissingEndpoint is returned by [Config.Validate] when no broker
// endpoint is configured. Like missing credentials, it is a usage
// error.
var ErrMissingEndpoint = errors.New("broker.endpoint (-e) is required")

// Protocol versions accepted in broker.protocol.
const (
	ProtocolV5   = "5"
	ProtocolV311 = "3.1.1"
)

// Offline queue drop policies.
const (
	DropReject = "reject"
	DropOldest = "drop_oldest"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/soilcast/config.yaml, /etc/soilcast/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "soilcast", "config.yaml"))
	}

	paths = append(paths, "/etc/soilcast/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// An empty path with a nil error means no file was found; soilcast can
// run from defaults and command-line flags alone.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all soilcast configuration. It is built once at
// startup and passed by pointer to each component.
type Config struct {
	Broker       BrokerConfig       `yaml:"broker"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Thing        ThingConfig        `yaml:"thing"`
	OfflineQueue OfflineQueueConfig `yaml:"offline_queue"`
	Backoff      BackoffConfig      `yaml:"backoff"`
	Inbound      InboundConfig      `yaml:"inbound"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Shadow       ShadowConfig       `yaml:"shadow"`
	Health       HealthConfig       `yaml:"health"`
	Status       StatusConfig       `yaml:"status"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"`
}

// BrokerConfig defines the MQTT broker endpoint and session settings.
type BrokerConfig struct {
	Endpoint string `yaml:"endpoint"`
	Port     int    `yaml:"port"`   // Default: 8883
	Scheme   string `yaml:"scheme"` // mqtts (default) or wss
	// Protocol selects the MQTT protocol level: "5" (default) or "3.1.1".
	Protocol            string   `yaml:"protocol"`
	ClientID            string   `yaml:"client_id"`
	KeepAliveSec        int      `yaml:"keep_alive_sec"`
	ConnectTimeoutSec   int      `yaml:"connect_timeout_sec"`
	OperationTimeoutSec int      `yaml:"operation_timeout_sec"`
	ALPN                []string `yaml:"alpn"`
	// Proxy is an optional proxy URL (socks5://host:1080) used to reach
	// the broker.
	Proxy string `yaml:"proxy"`
}

// ConnectTimeout returns the connect/disconnect budget as a duration.
func (b BrokerConfig) ConnectTimeout() time.Duration {
	return time.Duration(b.ConnectTimeoutSec) * time.Second
}

// OperationTimeout returns the QoS 1 acknowledgement budget.
func (b BrokerConfig) OperationTimeout() time.Duration {
	return time.Duration(b.OperationTimeoutSec) * time.Second
}

// CredentialsConfig points at the TLS material used to authenticate
// with the broker. Either Cert+Key or PKCS12 must be set alongside
// RootCA.
type CredentialsConfig struct {
	RootCA         string `yaml:"root_ca"`
	Cert           string `yaml:"cert"`
	Key            string `yaml:"key"`
	PKCS12         string `yaml:"pkcs12"`
	PKCS12Password string `yaml:"pkcs12_password"`
}

// ThingConfig identifies the device in the cloud registry.
type ThingConfig struct {
	Name string `yaml:"name"`
}

// OfflineQueueConfig controls publish buffering while disconnected.
type OfflineQueueConfig struct {
	Enabled bool `yaml:"enabled"`
	// Capacity bounds the queue; 0 means unbounded.
	Capacity int `yaml:"capacity"`
	// DrainRate is the number of queued messages sent per second
	// after reconnecting.
	DrainRate  float64 `yaml:"drain_rate"`
	DropPolicy string  `yaml:"drop_policy"` // reject (default) or drop_oldest
	// Persist spools queued messages to SQLite under DataDir so they
	// survive a restart.
	Persist bool `yaml:"persist"`
}

// BackoffConfig defines the reconnect delay curve.
type BackoffConfig struct {
	MinSec     int     `yaml:"min_sec"`
	MaxSec     int     `yaml:"max_sec"`
	Multiplier float64 `yaml:"multiplier"`
	Jitter     float64 `yaml:"jitter"`
	// StableAfterSec is how long a connection must stay up before the
	// backoff resets to MinSec. Zero means MaxSec.
	StableAfterSec int `yaml:"stable_after_sec"`
}

// InboundConfig bounds the inbound message dispatch path.
type InboundConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	DispatchBuffer     int `yaml:"dispatch_buffer"`
	DispatchTimeoutMs  int `yaml:"dispatch_timeout_ms"`
}

// TelemetryConfig defines where sensor readings are published.
type TelemetryConfig struct {
	Topic       string `yaml:"topic"` // Default: <thing>/data
	QoS         int    `yaml:"qos"`
	IntervalSec int    `yaml:"interval_sec"`
}

// ShadowConfig defines device shadow synchronization.
type ShadowConfig struct {
	Enabled           bool   `yaml:"enabled"`
	TopicPrefix       string `yaml:"topic_prefix"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	DeleteOnStart     bool   `yaml:"delete_on_start"`
	// Versioned includes the last known document version in updates so
	// the broker rejects writes against a stale document.
	Versioned bool `yaml:"versioned"`
}

// HealthConfig defines the periodic device-health publisher.
type HealthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Topic       string `yaml:"topic"` // Default: <thing>/health
	IntervalSec int    `yaml:"interval_sec"`
}

// StatusConfig defines the optional local HTTP status endpoint.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// envRef matches the braced ${VAR} form only. Bare $words are left
// alone because shadow topics begin with "$aws".
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// Load reads configuration from a YAML file. ${VAR} references in
// the file are expanded from the environment before parsing. Unset fields take the values
// from [Default].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a default configuration. The values mirror the
// device SDK defaults the demo script configured: port 8883, 10s
// connect timeout, 5s operation timeout, unbounded offline queue
// drained at 2 Hz, and 1-32s reconnect backoff.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Port:                8883,
			Scheme:              "mqtts",
			Protocol:            ProtocolV5,
			KeepAliveSec:        30,
			ConnectTimeoutSec:   10,
			OperationTimeoutSec: 5,
		},
		Thing: ThingConfig{Name: "Bot"},
		OfflineQueue: OfflineQueueConfig{
			Enabled:    true,
			DrainRate:  2,
			DropPolicy: DropReject,
		},
		Backoff: BackoffConfig{
			MinSec:     1,
			MaxSec:     32,
			Multiplier: 2,
			Jitter:     0.2,
		},
		Inbound: InboundConfig{
			RateLimitPerMinute: 600,
			DispatchBuffer:     64,
			DispatchTimeoutMs:  100,
		},
		Telemetry: TelemetryConfig{IntervalSec: 10},
		Shadow: ShadowConfig{
			Enabled:           true,
			TopicPrefix:       "$aws/things",
			RequestTimeoutSec: 5,
		},
		Health:    HealthConfig{IntervalSec: 60},
		Status:    StatusConfig{Address: "127.0.0.1:8099"},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// ApplyDefaults fills zero values that YAML or flags left empty.
// Derived topics depend on the thing name, so this must run after
// all overrides have been applied.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Broker.Port == 0 {
		c.Broker.Port = d.Broker.Port
	}
	if c.Broker.Scheme == "" {
		c.Broker.Scheme = d.Broker.Scheme
	}
	if c.Broker.Protocol == "" {
		c.Broker.Protocol = d.Broker.Protocol
	}
	if c.Broker.KeepAliveSec <= 0 {
		c.Broker.KeepAliveSec = d.Broker.KeepAliveSec
	}
	if c.Broker.ConnectTimeoutSec <= 0 {
		c.Broker.ConnectTimeoutSec = d.Broker.ConnectTimeoutSec
	}
	if c.Broker.OperationTimeoutSec <= 0 {
		c.Broker.OperationTimeoutSec = d.Broker.OperationTimeoutSec
	}
	if c.Thing.Name == "" {
		c.Thing.Name = d.Thing.Name
	}
	if c.OfflineQueue.DrainRate <= 0 {
		c.OfflineQueue.DrainRate = d.OfflineQueue.DrainRate
	}
	if c.OfflineQueue.DropPolicy == "" {
		c.OfflineQueue.DropPolicy = d.OfflineQueue.DropPolicy
	}
	if c.Backoff.MinSec <= 0 {
		c.Backoff.MinSec = d.Backoff.MinSec
	}
	if c.Backoff.MaxSec <= 0 {
		c.Backoff.MaxSec = d.Backoff.MaxSec
	}
	if c.Backoff.Multiplier <= 1 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.StableAfterSec <= 0 {
		c.Backoff.StableAfterSec = c.Backoff.MaxSec
	}
	if c.Inbound.RateLimitPerMinute <= 0 {
		c.Inbound.RateLimitPerMinute = d.Inbound.RateLimitPerMinute
	}
	if c.Inbound.DispatchBuffer <= 0 {
		c.Inbound.DispatchBuffer = d.Inbound.DispatchBuffer
	}
	if c.Inbound.DispatchTimeoutMs <= 0 {
		c.Inbound.DispatchTimeoutMs = d.Inbound.DispatchTimeoutMs
	}
	if c.Telemetry.Topic == "" {
		c.Telemetry.Topic = c.Thing.Name + "/data"
	}
	if c.Telemetry.IntervalSec <= 0 {
		c.Telemetry.IntervalSec = d.Telemetry.IntervalSec
	}
	if c.Shadow.TopicPrefix == "" {
		c.Shadow.TopicPrefix = d.Shadow.TopicPrefix
	}
	if c.Shadow.RequestTimeoutSec <= 0 {
		c.Shadow.RequestTimeoutSec = d.Shadow.RequestTimeoutSec
	}
	if c.Health.Topic == "" {
		c.Health.Topic = c.Thing.Name + "/health"
	}
	if c.Health.IntervalSec <= 0 {
		c.Health.IntervalSec = d.Health.IntervalSec
	}
	if c.Status.Address == "" {
		c.Status.Address = d.Status.Address
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate checks the configuration for values soilcast cannot run
// with. A missing endpoint or incomplete credentials are reported with
// [ErrMissingEndpoint] or [ErrMissingCredentials] so callers can
// distinguish a usage error from a bad value.
func (c *Config) Validate() error {
	if c.Broker.Endpoint == "" {
		return ErrMissingEndpoint
	}
	if err := c.Credentials.validate(); err != nil {
		return err
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d out of range", c.Broker.Port)
	}
	switch strings.ToLower(c.Broker.Scheme) {
	case "mqtts", "ssl", "tls", "wss":
	default:
		return fmt.Errorf("broker.scheme %q not supported (valid: mqtts, wss)", c.Broker.Scheme)
	}
	switch c.Broker.Protocol {
	case ProtocolV5, ProtocolV311:
	default:
		return fmt.Errorf("broker.protocol %q not supported (valid: %s, %s)", c.Broker.Protocol, ProtocolV5, ProtocolV311)
	}
	if c.OfflineQueue.Capacity < 0 {
		return fmt.Errorf("offline_queue.capacity must be >= 0 (0 = unbounded)")
	}
	switch c.OfflineQueue.DropPolicy {
	case DropReject, DropOldest:
	default:
		return fmt.Errorf("offline_queue.drop_policy %q not supported (valid: %s, %s)", c.OfflineQueue.DropPolicy, DropReject, DropOldest)
	}
	if c.Backoff.MinSec > c.Backoff.MaxSec {
		return fmt.Errorf("backoff.min_sec (%d) exceeds backoff.max_sec (%d)", c.Backoff.MinSec, c.Backoff.MaxSec)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return fmt.Errorf("backoff.jitter must be in [0, 1)")
	}
	if c.Telemetry.QoS < 0 || c.Telemetry.QoS > 1 {
		return fmt.Errorf("telemetry.qos must be 0 or 1")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q not supported (valid: text, json)", c.LogFormat)
	}
	return nil
}

func (c CredentialsConfig) validate() error {
	if c.RootCA == "" {
		return fmt.Errorf("%w: root CA certificate path (-r) is required", ErrMissingCredentials)
	}
	if c.PKCS12 != "" {
		return nil
	}
	if c.Cert == "" || c.Key == "" {
		return fmt.Errorf("%w: client certificate (-c) and private key (-k) are required", ErrMissingCredentials)
	}
	return nil
}
