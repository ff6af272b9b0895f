// Package config handles loading, defaulting, and validation of the
// texie TOML configuration file. Every section maps to a typed struct
// so the rest of the codebase gets strong typing without manual key
// lookups.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration, mirroring the TOML sections.
type Config struct {
	Server  ServerConfig  `toml:"server"  json:"server"`
	Relay   RelayConfig   `toml:"relay"   json:"relay"`
	Store   StoreConfig   `toml:"store"   json:"store"`
	Ingest  IngestConfig  `toml:"ingest"  json:"ingest"`
	Logging LoggingConfig `toml:"logging" json:"logging"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics"`
}

type ServerConfig struct {
	Bind        string `toml:"bind"         json:"bind"`
	RequireAuth bool   `toml:"require_auth" json:"require_auth"`
}

type RelayConfig struct {
	Bind             string   `toml:"bind"               json:"bind"`
	Upstream         []string `toml:"upstream"           json:"upstream"`
	Account          string   `toml:"account"            json:"account"`
	Secret           string   `toml:"secret"             json:"secret"`
	RequireAuth      bool     `toml:"require_auth"       json:"require_auth"`
	HeartbeatStream  string   `toml:"heartbeat_stream"   json:"heartbeat_stream"`
	HeartbeatSeconds int      `toml:"heartbeat_seconds"  json:"heartbeat_seconds"`
}

type StoreConfig struct {
	Path string `toml:"path" json:"path"`
}

type IngestConfig struct {
	QueueCapacity int `toml:"queue_capacity"  json:"queue_capacity"`
	BatchSize     int `toml:"batch_size"      json:"batch_size"`
	FlushMillis   int `toml:"flush_millis"    json:"flush_millis"`
}

type LoggingConfig struct {
	Level string `toml:"level" json:"level"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Bind    string `toml:"bind"    json:"bind"`
}

// Default returns a Config populated with sane defaults. Values here
// are used whenever the TOML file omits a field.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:        "0.0.0.0:8023",
			RequireAuth: true,
		},
		Relay: RelayConfig{
			Bind:             "0.0.0.0:8023",
			RequireAuth:      false,
			HeartbeatStream:  "relay/heartbeat",
			HeartbeatSeconds: 30,
		},
		Store: StoreConfig{
			Path: "/var/lib/texie",
		},
		Ingest: IngestConfig{
			QueueCapacity: 10000,
			BatchSize:     1000,
			FlushMillis:   500,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Bind:    "0.0.0.0:9023",
		},
	}
}

// Load reads the TOML file at path, layers it on top of the defaults,
// and validates the result. An error is returned if the file can't be
// read, parsed, or if any constraint is violated.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}

	if err := validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// FlushInterval returns the ingest flush period as a duration.
func (c IngestConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushMillis) * time.Millisecond
}

// HeartbeatPeriod returns the relay heartbeat period as a duration.
func (c RelayConfig) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func validate(cfg Config) error {
	if cfg.Server.Bind == "" {
		return errors.New("server.bind must not be empty")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Ingest.QueueCapacity <= 0 {
		return errors.New("ingest.queue_capacity must be > 0")
	}
	if cfg.Ingest.BatchSize <= 0 {
		return errors.New("ingest.batch_size must be > 0")
	}
	if cfg.Ingest.FlushMillis <= 0 {
		return errors.New("ingest.flush_millis must be > 0")
	}
	if cfg.Relay.HeartbeatSeconds < 0 {
		return errors.New("relay.heartbeat_seconds must be >= 0")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Bind == "" {
		return errors.New("metrics.bind must not be empty when metrics are enabled")
	}
	return nil
}
