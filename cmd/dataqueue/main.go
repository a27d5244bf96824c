// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/dataqueue/internal/backend"
	"github.com/flyingrobots/dataqueue/internal/backend/kv"
	"github.com/flyingrobots/dataqueue/internal/backend/relational"
	"github.com/flyingrobots/dataqueue/internal/breaker"
	"github.com/flyingrobots/dataqueue/internal/config"
	"github.com/flyingrobots/dataqueue/internal/events"
	"github.com/flyingrobots/dataqueue/internal/obs"
	"github.com/flyingrobots/dataqueue/internal/processor"
	"github.com/flyingrobots/dataqueue/internal/queue"
	"github.com/flyingrobots/dataqueue/internal/supervisor"
	"github.com/flyingrobots/dataqueue/internal/waitbridge"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminN int
	var adminYes bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "serve", "Role to run: serve|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge-dlq")
	fs.IntVar(&adminN, "n", 10, "Number of items for admin peek")
	fs.BoolVar(&adminYes, "yes", false, "Automatic yes to prompts (dangerous operations)")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	be, err := newBackend(cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct backend", obs.Err(err))
	}
	defer be.Close()

	if role == "admin" {
		runAdmin(context.Background(), be, logger, adminCmd, adminN, adminYes)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	readyCheck := func(c context.Context) error {
		h := be.Health(c)
		if h.Status != "healthy" {
			return fmt.Errorf("%s: %s", h.Status, h.Message)
		}
		return nil
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartQueueDepthSampler(ctx, be, cfg.Supervisor.TickInterval/30, logger)

	emitter := events.New(logger)
	emitter.On(events.JobFailed, func(payload any) {
		jobType, reason := "unknown", "unknown"
		if m, ok := payload.(map[string]any); ok {
			if v, ok := m["jobType"].(string); ok {
				jobType = v
			}
			if v, ok := m["error"].(string); ok {
				reason = v
			}
		}
		obs.JobsFailed.WithLabelValues(jobType, reason).Inc()
	})
	emitter.On(events.JobCompleted, func(payload any) {
		if m, ok := payload.(map[string]any); ok {
			if v, ok := m["jobType"].(string); ok {
				obs.JobsCompleted.WithLabelValues(v).Inc()
			}
		}
	})

	var cb *breaker.CircuitBreaker
	if cfg.CircuitBreaker.Enabled {
		cb = breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	}

	proc := processor.New(be, handlers(), processor.Options{
		WorkerID:         hostnameOrDefault(),
		BatchSize:        cfg.Processor.BatchSize,
		Concurrency:      cfg.Processor.Concurrency,
		PollInterval:     cfg.Processor.PollInterval,
		JobTypeFilter:    cfg.Processor.JobTypeFilter,
		GroupConcurrency: cfg.Processor.GroupConcurrency,
		Breaker:          cb,
		OnError: func(err error) {
			logger.Warn("processor error", obs.Err(err))
		},
	}, emitter, logger)

	super := supervisor.New(be, supervisor.Options{
		TickInterval:            cfg.Supervisor.TickInterval,
		StuckJobsTimeoutMinutes: cfg.Supervisor.StuckJobsTimeoutMinutes,
		CleanupJobsDaysToKeep:   cfg.Supervisor.CleanupJobsDaysToKeep,
		CleanupEventsDaysToKeep: cfg.Supervisor.CleanupEventsDaysToKeep,
		CleanupBatchSize:        cfg.Supervisor.CleanupBatchSize,
		ExpireTimedOutTokens:    cfg.Supervisor.ExpireTimedOutTokens,
		OnError: func(err error) {
			logger.Warn("supervisor error", obs.Err(err))
		},
	}, logger)

	var bridge *waitbridge.Bridge
	if cfg.WaitBridge.Enabled {
		bridge, err = waitbridge.Connect(cfg.WaitBridge.NATSURL, be, logger)
		if err != nil {
			logger.Warn("waitbridge connect failed, continuing without it", obs.Err(err))
		} else {
			defer bridge.Close()
		}
	}

	proc.StartInBackground(ctx)
	super.StartInBackground(ctx)

	<-ctx.Done()
	proc.StopAndDrain(10 * time.Second)
	super.StopAndDrain(5 * time.Second)
}

// newBackend constructs the configured backend.Backend via the process-
// wide registry (internal/backend.DefaultRegistry), populated by the
// relational and kv packages' init functions.
func newBackend(cfg *config.Config, logger *zap.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendKV:
		return backend.CreateBackend(backend.TypeKV, kv.Config{
			Addr:               cfg.KV.Addr,
			Username:           cfg.KV.Username,
			Password:           cfg.KV.Password,
			DB:                 cfg.KV.DB,
			PoolSizeMultiplier: cfg.KV.PoolSizeMultiplier,
			MinIdleConns:       cfg.KV.MinIdleConns,
			DialTimeout:        cfg.KV.DialTimeout,
			ReadTimeout:        cfg.KV.ReadTimeout,
			WriteTimeout:       cfg.KV.WriteTimeout,
			MaxRetries:         cfg.KV.MaxRetries,
			KeyPrefix:          cfg.KV.KeyPrefix,
			Logger:             logger,
		})
	default:
		return backend.CreateBackend(backend.TypeRelational, relational.Config{
			Driver:          cfg.Relational.Driver,
			DSN:             cfg.Relational.DSN,
			MaxOpenConns:    cfg.Relational.MaxOpenConns,
			MaxIdleConns:    cfg.Relational.MaxIdleConns,
			ConnMaxLifetime: cfg.Relational.ConnMaxLifetime,
			Logger:          logger,
		})
	}
}

// handlers is where a deployment registers its job-type -> Handler table
// (spec.md section 4.5). DataQueue ships no built-in job types; this is
// the integration point an embedding application fills in.
func handlers() map[string]processor.Handler {
	return map[string]processor.Handler{}
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "dataqueue-worker"
	}
	return h
}

func runAdmin(ctx context.Context, be backend.Backend, logger *zap.Logger, cmd string, n int, yes bool) {
	switch cmd {
	case "stats":
		stats, err := be.Stats(ctx)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(stats, "", "  ")
		fmt.Println(string(b))
	case "peek":
		jobs, err := be.GetJobs(ctx, queue.JobFilter{Status: []queue.Status{queue.StatusPending}, Limit: n})
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(b))
	case "purge-dlq":
		if !yes {
			logger.Fatal("refusing to purge without --yes")
		}
		jobs, err := be.GetJobs(ctx, queue.JobFilter{Status: []queue.Status{queue.StatusFailed}})
		if err != nil {
			logger.Fatal("admin purge-dlq error", obs.Err(err))
		}
		for _, j := range jobs {
			if j.DeadLetter.JobID == nil {
				continue
			}
			if err := be.CancelJob(ctx, *j.DeadLetter.JobID); err != nil {
				logger.Warn("purge-dlq: cancel failed", obs.String("jobId", fmt.Sprint(*j.DeadLetter.JobID)), obs.Err(err))
			}
		}
		fmt.Println("dead-letter jobs purged")
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}
