package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// DaemonConfig holds HTTP server settings for brokerd.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr"`
	LogLevel string `json:"log_level"`
}

// DurabilityConfig holds snapshot persistence settings.
type DurabilityConfig struct {
	SnapshotPath     string        `json:"snapshot_path"`
	SnapshotInterval time.Duration `json:"snapshot_interval"` // loaded from file/env but not used by brokerd; no periodic write runs
}

// DispatchConfig holds dispatcher/reaper tunables.
type DispatchConfig struct {
	PrefetchCount   int           `json:"prefetch_count"`
	AckTimeout      time.Duration `json:"ack_timeout"`
	ReaperInterval  time.Duration `json:"reaper_interval"`
	IdleExpiry      time.Duration `json:"idle_expiry"`
	CallbackTimeout time.Duration `json:"callback_timeout"`
}

// NotifierConfig holds the Reaper wake-up notifier settings.
type NotifierConfig struct {
	RedisAddr string `json:"redis_addr"` // empty uses the in-process ChannelNotifier
	RedisDB   int    `json:"redis_db"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // brokerd
	SampleRate  float64 `json:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"` // broker
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text, json
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// Config is the central configuration struct for brokerd.
type Config struct {
	Daemon        DaemonConfig        `json:"daemon"`
	Durability    DurabilityConfig    `json:"durability"`
	Dispatch      DispatchConfig      `json:"dispatch"`
	Notifier      NotifierConfig      `json:"notifier"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a Config with sensible defaults matching the
// broker's documented tunable constants.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
			LogLevel: "info",
		},
		Durability: DurabilityConfig{
			SnapshotPath:     "broker_state.json",
			SnapshotInterval: 0,
		},
		Dispatch: DispatchConfig{
			PrefetchCount:   1,
			AckTimeout:      10 * time.Second,
			ReaperInterval:  10 * time.Second,
			IdleExpiry:      5 * time.Minute,
			CallbackTimeout: 3 * time.Second,
		},
		Notifier: NotifierConfig{
			RedisAddr: "",
			RedisDB:   0,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "localhost:4318",
				ServiceName: "brokerd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "broker",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON file, starting from
// DefaultConfig so that unset fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies BROKER_* environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BROKER_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("BROKER_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}

	if v := os.Getenv("BROKER_SNAPSHOT_PATH"); v != "" {
		cfg.Durability.SnapshotPath = v
	}
	if v := os.Getenv("BROKER_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Durability.SnapshotInterval = d
		}
	}

	if v := os.Getenv("BROKER_PREFETCH_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.PrefetchCount = n
		}
	}
	if v := os.Getenv("BROKER_ACK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.AckTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("BROKER_REAPER_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.ReaperInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("BROKER_IDLE_EXPIRY_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.IdleExpiry = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("BROKER_CALLBACK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.CallbackTimeout = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("BROKER_REDIS_ADDR"); v != "" {
		cfg.Notifier.RedisAddr = v
	}
	if v := os.Getenv("BROKER_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Notifier.RedisDB = n
		}
	}

	if v := os.Getenv("BROKER_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("BROKER_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("BROKER_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("BROKER_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}

	if v := os.Getenv("BROKER_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("BROKER_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}

	if v := os.Getenv("BROKER_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
