package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/cache"
	"github.com/JonMunkholm/catalog/internal/catalog"
	"github.com/JonMunkholm/catalog/internal/config"
	"github.com/JonMunkholm/catalog/internal/fileproc"
	"github.com/JonMunkholm/catalog/internal/job"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/preview"
	"github.com/JonMunkholm/catalog/internal/queue"
	"github.com/JonMunkholm/catalog/internal/repository"
	"github.com/JonMunkholm/catalog/internal/retry"
	"github.com/JonMunkholm/catalog/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"storage", cfg.Database.Driver,
		"queue", cfg.Queue.Driver,
		"blob", cfg.Blob.Driver,
		"workers", cfg.Queue.Workers,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx := context.Background()

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		pool, err = connect(ctx, cfg.Database)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
	}

	blobs, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		slog.Error("failed to open blob store", "driver", cfg.Blob.Driver, "error", err)
		os.Exit(1)
	}

	objects, err := cache.New(cfg.Cache.Capacity, cache.WithDefaultTTL(cfg.Cache.TTL))
	if err != nil {
		slog.Error("failed to create cache", "error", err)
		os.Exit(1)
	}
	defer objects.Close()

	storage, err := openStorage(ctx, cfg, pool)
	if err != nil {
		slog.Error("failed to prepare entity storage", "error", err)
		os.Exit(1)
	}

	rowPolicy := retry.Policy{
		MaxAttempts: cfg.Job.RowRetries,
		Initial:     100 * time.Millisecond,
		Max:         2 * time.Second,
		Multiplier:  2,
	}
	repos := catalog.NewRepositories(storage, objects,
		repository.WithTTL(cfg.Cache.TTL),
		repository.WithRetry(rowPolicy, retry.Sleep),
	)
	kinds := repos.Bindings()
	slog.Info("entity kinds registered", "kinds", kinds.Kinds())

	tasks, jobs, err := openJobState(ctx, cfg, pool)
	if err != nil {
		slog.Error("failed to prepare job state", "error", err)
		os.Exit(1)
	}

	var notifier job.Notifier = job.LogNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = job.NewWebhookNotifier(cfg.Notify, &http.Client{Timeout: cfg.Notify.Timeout})
		slog.Info("webhook notifications enabled", "rate", cfg.Notify.RatePerSecond)
	}

	orch := job.New(job.Deps{
		Store:    jobs,
		Queue:    tasks,
		Blobs:    blobs,
		Kinds:    kinds,
		Notifier: notifier,
	}, cfg.Job)

	taskPolicy := retry.Policy{
		MaxAttempts: cfg.Queue.RetryMaxAttempts,
		Initial:     cfg.Queue.RetryInitial,
		Max:         cfg.Queue.RetryMax,
		Multiplier:  2,
	}
	dispatcher := queue.NewDispatcher()
	orch.Register(dispatcher, taskPolicy)
	slog.Info("task routes registered", "kinds", dispatcher.Kinds(), "retry", taskPolicy.String())

	workers := queue.NewPool(tasks, dispatcher, cfg.Queue.Workers, cfg.Queue.PollInterval, cfg.Queue.Lease/3)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := workers.Run(workerCtx); err != nil {
			slog.Error("worker pool stopped", "error", err)
		}
	}()

	// Retention shares the worker lifetime.
	if cfg.Job.RetentionDays > 0 {
		go orch.StartRetention(workerCtx, job.RetentionConfig{
			MaxAge:   time.Duration(cfg.Job.RetentionDays) * 24 * time.Hour,
			Batch:    cfg.Job.PurgeBatch,
			Interval: cfg.Job.PurgeInterval,
		})
	}

	server := web.NewServer(cfg, web.Deps{
		Jobs:    orch,
		Blobs:   blobs,
		Kinds:   kinds,
		Preview: preview.New(fileproc.New(blobs), kinds),
	})

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Running jobs stop at their next batch and resume from the
		// checkpoint once a worker claims them again.
		stopWorkers()
		select {
		case <-workersDone:
			slog.Info("workers stopped")
		case <-shutdownCtx.Done():
			slog.Warn("workers did not stop in time")
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		stopWorkers()
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}

func connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

func openStorage(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (repository.Storage, error) {
	if cfg.Database.Driver == config.DriverMemory {
		slog.Warn("using in-memory entity storage; data is lost on restart")
		return repository.NewMemoryStorage(catalog.Descriptors()...), nil
	}
	pg := repository.NewPgStorage(pool)
	if err := pg.EnsureTables(ctx, catalog.Descriptors()...); err != nil {
		return nil, err
	}
	return pg, nil
}

func openJobState(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (queue.Queue, job.Store, error) {
	if cfg.Queue.Driver != config.DriverPostgres {
		return queue.NewMemoryQueue(queue.WithLease(cfg.Queue.Lease)), job.NewMemoryStore(), nil
	}

	// Jobs live in the same database as their tasks.
	tasks := queue.NewPgQueue(pool, queue.WithLease(cfg.Queue.Lease))
	if err := tasks.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	jobs := job.NewPgStore(pool)
	if err := jobs.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	return tasks, jobs, nil
}
