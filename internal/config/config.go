// Copyright 2025 James Ross
// Package config loads DataQueue's runtime configuration the way the
// teacher's internal/config does: a Config struct with mapstructure tags,
// viper-sourced defaults, optional YAML file, env var overrides, and a
// Validate pass — generalized from the teacher's Redis/Worker/Producer
// shape to the two-backend, processor/supervisor shape this engine has.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendType selects which storage backend the engine talks to.
type BackendType string

const (
	BackendRelational BackendType = "relational"
	BackendKV         BackendType = "kv"
)

// Relational configures the SQL-backed storage layer (lib/pq for
// Postgres, mattn/go-sqlite3 for SQLite — driver selection lives here
// rather than being sniffed from the DSN, see internal/backend/relational).
type Relational struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "sqlite3"
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// KV configures the Redis-backed storage layer.
type KV struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	KeyPrefix          string        `mapstructure:"key_prefix"`
}

// Processor configures job dispatch (spec.md section 4.5).
type Processor struct {
	BatchSize        int           `mapstructure:"batch_size"`
	Concurrency      int           `mapstructure:"concurrency"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	GroupConcurrency int           `mapstructure:"group_concurrency"`
	JobTypeFilter    []string      `mapstructure:"job_type_filter"`
}

// Supervisor configures the periodic maintenance sweep (spec.md section
// 4.6). Zero values for the *DaysToKeep fields skip that task entirely.
type Supervisor struct {
	TickInterval            time.Duration `mapstructure:"tick_interval"`
	StuckJobsTimeoutMinutes int           `mapstructure:"stuck_jobs_timeout_minutes"`
	CleanupJobsDaysToKeep   int           `mapstructure:"cleanup_jobs_days_to_keep"`
	CleanupEventsDaysToKeep int           `mapstructure:"cleanup_events_days_to_keep"`
	CleanupBatchSize        int           `mapstructure:"cleanup_batch_size"`
	ExpireTimedOutTokens    bool          `mapstructure:"expire_timed_out_tokens"`
}

// CircuitBreaker mirrors the teacher's internal/config.CircuitBreaker,
// gating the processor's getNextBatch calls the same way the teacher's
// worker gates its Redis calls.
type CircuitBreaker struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Observability mirrors the teacher's metrics/log-level shape, trimmed to
// what this module actually wires (see DESIGN.md for the tracing pieces
// dropped along with their OTel dependency).
type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// WaitBridge optionally exposes waitpoint completion over NATS
// (internal/waitbridge).
type WaitBridge struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
}

// Config is DataQueue's top-level configuration.
type Config struct {
	Backend        BackendType    `mapstructure:"backend"`
	Relational     Relational     `mapstructure:"relational"`
	KV             KV             `mapstructure:"kv"`
	Processor      Processor      `mapstructure:"processor"`
	Supervisor     Supervisor     `mapstructure:"supervisor"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	WaitBridge     WaitBridge     `mapstructure:"wait_bridge"`
}

func defaultConfig() *Config {
	return &Config{
		Backend: BackendRelational,
		Relational: Relational{
			Driver:          "sqlite3",
			DSN:             "dataqueue.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		KV: KV{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
			KeyPrefix:          "dq:",
		},
		Processor: Processor{
			BatchSize:    10,
			Concurrency:  10,
			PollInterval: 5 * time.Second,
		},
		Supervisor: Supervisor{
			TickInterval:            60 * time.Second,
			StuckJobsTimeoutMinutes: 10,
			CleanupJobsDaysToKeep:   30,
			CleanupEventsDaysToKeep: 30,
			CleanupBatchSize:        1000,
			ExpireTimedOutTokens:    true,
		},
		CircuitBreaker: CircuitBreaker{
			Enabled:          true,
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file (if present) plus env
// overrides, following the teacher's viper idiom exactly
// (internal/config.Load): defaults seeded first, then file, then
// automatic env with "." replaced by "_".
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("backend", def.Backend)

	v.SetDefault("relational.driver", def.Relational.Driver)
	v.SetDefault("relational.dsn", def.Relational.DSN)
	v.SetDefault("relational.max_open_conns", def.Relational.MaxOpenConns)
	v.SetDefault("relational.max_idle_conns", def.Relational.MaxIdleConns)
	v.SetDefault("relational.conn_max_lifetime", def.Relational.ConnMaxLifetime)

	v.SetDefault("kv.addr", def.KV.Addr)
	v.SetDefault("kv.pool_size_multiplier", def.KV.PoolSizeMultiplier)
	v.SetDefault("kv.min_idle_conns", def.KV.MinIdleConns)
	v.SetDefault("kv.dial_timeout", def.KV.DialTimeout)
	v.SetDefault("kv.read_timeout", def.KV.ReadTimeout)
	v.SetDefault("kv.write_timeout", def.KV.WriteTimeout)
	v.SetDefault("kv.max_retries", def.KV.MaxRetries)
	v.SetDefault("kv.key_prefix", def.KV.KeyPrefix)

	v.SetDefault("processor.batch_size", def.Processor.BatchSize)
	v.SetDefault("processor.concurrency", def.Processor.Concurrency)
	v.SetDefault("processor.poll_interval", def.Processor.PollInterval)
	v.SetDefault("processor.group_concurrency", def.Processor.GroupConcurrency)

	v.SetDefault("supervisor.tick_interval", def.Supervisor.TickInterval)
	v.SetDefault("supervisor.stuck_jobs_timeout_minutes", def.Supervisor.StuckJobsTimeoutMinutes)
	v.SetDefault("supervisor.cleanup_jobs_days_to_keep", def.Supervisor.CleanupJobsDaysToKeep)
	v.SetDefault("supervisor.cleanup_events_days_to_keep", def.Supervisor.CleanupEventsDaysToKeep)
	v.SetDefault("supervisor.cleanup_batch_size", def.Supervisor.CleanupBatchSize)
	v.SetDefault("supervisor.expire_timed_out_tokens", def.Supervisor.ExpireTimedOutTokens)

	v.SetDefault("circuit_breaker.enabled", def.CircuitBreaker.Enabled)
	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("wait_bridge.enabled", def.WaitBridge.Enabled)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid
// settings, mirroring the teacher's internal/config.Validate.
func Validate(cfg *Config) error {
	switch cfg.Backend {
	case BackendRelational, BackendKV:
	default:
		return fmt.Errorf("backend must be %q or %q", BackendRelational, BackendKV)
	}
	if cfg.Backend == BackendRelational && cfg.Relational.DSN == "" {
		return fmt.Errorf("relational.dsn must be set")
	}
	if cfg.Backend == BackendKV && cfg.KV.Addr == "" {
		return fmt.Errorf("kv.addr must be set")
	}
	if cfg.Processor.BatchSize < 1 {
		return fmt.Errorf("processor.batch_size must be >= 1")
	}
	if cfg.Processor.Concurrency < 1 {
		return fmt.Errorf("processor.concurrency must be >= 1")
	}
	if cfg.Processor.PollInterval <= 0 {
		return fmt.Errorf("processor.poll_interval must be > 0")
	}
	if cfg.Supervisor.TickInterval <= 0 {
		return fmt.Errorf("supervisor.tick_interval must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.WaitBridge.Enabled && cfg.WaitBridge.NATSURL == "" {
		return fmt.Errorf("wait_bridge.nats_url must be set when wait_bridge.enabled is true")
	}
	return nil
}
