package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("broker:\n  port: 443\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("thing:\n  name: thing01\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("credentials:\n  pkcs12_password: ${SOILCAST_TEST_PASSWORD}\n"), 0600)
	t.Setenv("SOILCAST_TEST_PASSWORD", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Credentials.PKCS12Password != "secret123" {
		t.Errorf("pkcs12_password = %q, want %q", cfg.Credentials.PKCS12Password, "secret123")
	}
}

func TestLoad_KeepsBareDollarTopics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("shadow:\n  topic_prefix: $aws/things\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Shadow.TopicPrefix != "$aws/things" {
		t.Errorf("topic_prefix = %q, want %q", cfg.Shadow.TopicPrefix, "$aws/things")
	}
}

func TestLoad_DefaultsSurviveEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("thing:\n  name: thing01\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"port", cfg.Broker.Port, 8883},
		{"connect timeout", cfg.Broker.ConnectTimeoutSec, 10},
		{"operation timeout", cfg.Broker.OperationTimeoutSec, 5},
		{"queue enabled", cfg.OfflineQueue.Enabled, true},
		{"queue capacity", cfg.OfflineQueue.Capacity, 0},
		{"drain rate", cfg.OfflineQueue.DrainRate, 2.0},
		{"backoff min", cfg.Backoff.MinSec, 1},
		{"backoff max", cfg.Backoff.MaxSec, 32},
		{"stable after", cfg.Backoff.StableAfterSec, 32},
		{"telemetry topic", cfg.Telemetry.Topic, "thing01/data"},
		{"health topic", cfg.Health.Topic, "thing01/health"},
		{"shadow prefix", cfg.Shadow.TopicPrefix, "$aws/things"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoad_DisableQueue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("offline_queue:\n  enabled: false\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OfflineQueue.Enabled {
		t.Error("offline_queue.enabled = true, want false")
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Broker.Endpoint = "example-ats.iot.us-east-1.amazonaws.com"
	cfg.Credentials = CredentialsConfig{
		RootCA: "root-CA.crt",
		Cert:   "device.pem.crt",
		Key:    "private.pem.key",
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     string
		wantMissing bool
		wantIs      error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing endpoint", mutate: func(c *Config) { c.Broker.Endpoint = "" }, wantErr: "endpoint", wantIs: ErrMissingEndpoint},
		{name: "missing root CA", mutate: func(c *Config) { c.Credentials.RootCA = "" }, wantMissing: true},
		{name: "missing key", mutate: func(c *Config) { c.Credentials.Key = "" }, wantMissing: true},
		{name: "missing cert", mutate: func(c *Config) { c.Credentials.Cert = "" }, wantMissing: true},
		{
			name: "pkcs12 replaces cert and key",
			mutate: func(c *Config) {
				c.Credentials.Cert, c.Credentials.Key = "", ""
				c.Credentials.PKCS12 = "device.p12"
			},
		},
		{name: "bad scheme", mutate: func(c *Config) { c.Broker.Scheme = "tcp" }, wantErr: "scheme"},
		{name: "bad protocol", mutate: func(c *Config) { c.Broker.Protocol = "4" }, wantErr: "protocol"},
		{name: "bad drop policy", mutate: func(c *Config) { c.OfflineQueue.DropPolicy = "random" }, wantErr: "drop_policy"},
		{name: "min above max", mutate: func(c *Config) { c.Backoff.MinSec = 64 }, wantErr: "min_sec"},
		{name: "qos 2", mutate: func(c *Config) { c.Telemetry.QoS = 2 }, wantErr: "qos"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" && !tt.wantMissing {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if tt.wantIs != nil && !errors.Is(err, tt.wantIs) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantIs)
			}
			if tt.wantMissing && !errors.Is(err, ErrMissingCredentials) {
				t.Errorf("Validate() = %v, want ErrMissingCredentials", err)
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{" TRACE ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf strings.Builder
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output %q missing level=TRACE", buf.String())
	}
}
