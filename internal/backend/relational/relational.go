// Copyright 2025 James Ross
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/dataqueue/internal/backend"
	"go.uber.org/zap"
)

// Config configures the relational backend. Driver selects the SQL
// dialect: "postgres" (github.com/lib/pq, production) or "sqlite3"
// (github.com/mattn/go-sqlite3, embedded/tests).
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	Logger          *zap.Logger
}

// Backend implements backend.Backend over database/sql. It carries its
// own connection pool, exactly as the teacher's storage.RedisListsBackend
// carries its own redis.Cmdable — one pool per backend instance, no
// module-level state (spec.md section 9).
type Backend struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

// New opens a connection pool and runs the schema migration idempotently.
func New(cfg Config) (*Backend, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("dataqueue: relational backend requires a driver")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("dataqueue: open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	// SQLite has no real connection pool; a single writer avoids
	// "database is locked" errors and serialises the claim path.
	if cfg.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("dataqueue: ping %s: %w", cfg.Driver, err)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	b := &Backend{db: db, driver: cfg.Driver, log: log}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dataqueue: migrate: %w", err)
	}
	return b, nil
}

// NewFromDB wraps an already-open *sql.DB (used by tests, and by callers
// that manage their own pool/driver registration).
func NewFromDB(db *sql.DB, driver string, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backend{db: db, driver: driver, log: log}
	if err := b.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("dataqueue: migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) Close() error { return b.db.Close() }

// rebind rewrites '?' placeholders to '$1', '$2', ... for Postgres; a
// stand-in for the teacher's pattern of hand-written positional queries
// (internal/exactly_once/outbox.go uses $N directly since it only ever
// targets Postgres). Both dialects are kept behind one query string here
// so claim.go/jobs.go/cron.go/waitpoint.go are written once.
func (b *Backend) rebind(query string) string {
	if b.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *Backend) now() time.Time { return time.Now().UTC() }

func (b *Backend) Health(ctx context.Context) backend.HealthStatus {
	status := backend.HealthStatus{CheckedAt: b.now()}
	if err := b.db.PingContext(ctx); err != nil {
		status.Status = "unhealthy"
		status.Message = err.Error()
		return status
	}
	status.Status = "healthy"
	return status
}

func (b *Backend) Stats(ctx context.Context) (*backend.Stats, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("dataqueue: stats: %w", err)
	}
	defer rows.Close()

	stats := &backend.Stats{CheckedAt: b.now()}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case "pending":
			stats.Pending = count
		case "processing":
			stats.Processing = count
		case "waiting":
			stats.Waiting = count
		case "completed":
			stats.Completed = count
		case "failed":
			stats.Failed = count
		case "cancelled":
			stats.Cancelled = count
		}
	}
	return stats, rows.Err()
}
