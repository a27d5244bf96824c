// Copyright 2025 James Ross
package kv

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config configures the key-value backend. Pool sizing follows the
// teacher's internal/redisclient.New idiom (pool size scaled off
// runtime.NumCPU when unset).
type Config struct {
	Addr               string
	Username           string
	Password           string
	DB                 int
	PoolSizeMultiplier int
	MinIdleConns       int
	DialTimeout        time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxRetries         int

	// KeyPrefix namespaces every key this backend touches (spec.md
	// section 6, default "dq:").
	KeyPrefix string

	Logger *zap.Logger

	// client, when set, lets tests/miniredis inject an already-built
	// client instead of dialing a real server.
	client redis.Cmdable
}

// Backend implements backend.Backend over Redis. One Backend owns one
// redis.Cmdable, mirroring the teacher's one-pool-per-backend-instance
// rule (spec.md section 9).
type Backend struct {
	rdb    redis.Cmdable
	prefix string
	log    *zap.Logger
}

// New dials a Redis client using the teacher's pool-sizing convention
// (internal/redisclient.New) generalized from a single *Config struct
// instead of the teacher's full application Config.
func New(cfg Config) (*Backend, error) {
	var rdb redis.Cmdable
	if cfg.client != nil {
		rdb = cfg.client
	} else {
		poolSize := cfg.PoolSizeMultiplier * runtime.NumCPU()
		if poolSize <= 0 {
			poolSize = 10 * runtime.NumCPU()
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     poolSize,
			MinIdleConns: cfg.MinIdleConns,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			MaxRetries:   cfg.MaxRetries,
		})
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dq:"
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	b := &Backend{rdb: rdb, prefix: prefix, log: log}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("dataqueue: ping redis: %w", err)
	}
	return b, nil
}

// NewFromClient wraps an already-constructed redis.Cmdable (used by tests
// against miniredis).
func NewFromClient(rdb redis.Cmdable, keyPrefix string, log *zap.Logger) *Backend {
	if keyPrefix == "" {
		keyPrefix = "dq:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{rdb: rdb, prefix: keyPrefix, log: log}
}

func (b *Backend) k(parts ...string) string {
	s := b.prefix
	for i, p := range parts {
		if i > 0 {
			s += ":"
		}
		s += p
	}
	return s
}

func (b *Backend) now() time.Time { return time.Now().UTC() }

func (b *Backend) Close() error {
	if closer, ok := b.rdb.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (b *Backend) Health(ctx context.Context) backend.HealthStatus {
	status := backend.HealthStatus{CheckedAt: b.now()}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		status.Status = "unhealthy"
		status.Message = err.Error()
		return status
	}
	status.Status = "healthy"
	return status
}

func (b *Backend) Stats(ctx context.Context) (*backend.Stats, error) {
	stats := &backend.Stats{CheckedAt: b.now()}
	counts := map[string]*int64{
		"pending":    &stats.Pending,
		"processing": &stats.Processing,
		"waiting":    &stats.Waiting,
		"completed":  &stats.Completed,
		"failed":     &stats.Failed,
		"cancelled":  &stats.Cancelled,
	}
	for status, dst := range counts {
		n, err := b.rdb.SCard(ctx, b.k("status", status)).Result()
		if err != nil {
			return nil, fmt.Errorf("dataqueue: stats %s: %w", status, err)
		}
		*dst = n
	}
	return stats, nil
}
