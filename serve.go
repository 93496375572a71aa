package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"courier/internal/api"
	"courier/internal/capability"
	"courier/internal/config"
	"courier/internal/contextwin"
	"courier/internal/metrics"
	"courier/internal/notify"
	"courier/internal/orchestrator"
	"courier/internal/redis"
	"courier/internal/session"
	"courier/internal/storage"
	"courier/internal/tasks"
	"courier/internal/worker"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE:  runServe,
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		if _, err := os.Stat("config.json"); err != nil {
			return config.Default(), nil
		}
	}
	return config.Load(configPath)
}

// openPersister picks the session backend. The returned close func releases it.
func openPersister(cfg *config.Config, rdb *redis.Client) (session.Persister, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		return session.NewMemoryPersister(), func() {}, nil
	case "redis":
		return storage.NewRedisStore(rdb), func() {}, nil
	default:
		db, err := storage.Open(cfg)
		if err != nil {
			return nil, nil, err
		}
		store, err := storage.NewSQLStore(db, cfg.Storage.Backend)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, func() { db.Close() }, nil
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		if rdb, err = redis.NewRedisClient(cfg); err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}

	persister, closePersister, err := openPersister(cfg, rdb)
	if err != nil {
		return fmt.Errorf("open session storage: %w", err)
	}
	defer closePersister()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(reg)

	store := session.NewStore(persister,
		session.WithLogger(logger),
		session.WithSaveTimeout(cfg.Storage.SaveTimeout))
	loaded := store.Load(ctx)
	logger.Info("sessions loaded", "count", loaded, "backend", cfg.Storage.Backend)

	registry := tasks.NewRegistry(tasks.Options{
		PoolSize: cfg.Tasks.PoolSize,
		Timeout:  cfg.Tasks.Timeout,
		Logger:   logger,
		Observer: recorder,
	})
	registry.StartJanitor(ctx, cfg.Tasks.SweepInterval, cfg.Tasks.Retention)

	workers, responder, err := capability.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build workers: %w", err)
	}

	hub := notify.NewHub(0)
	var notifier notify.Notifier = hub
	if cfg.Redis.PublishReply && rdb != nil {
		origin := uuid.NewString()
		notifier = notify.Multi{hub, notify.NewRedisPublisher(rdb, origin)}
		go func() {
			err := notify.Listen(ctx, rdb, notify.Relay(ctx, origin, hub))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reply relay stopped", "error", err)
			}
		}()
	}

	classifier := orchestrator.NewKeywordClassifier(
		orchestrator.Merge(orchestrator.DefaultKeywords, cfg.Classifier),
		cfg.Classifier.BackgroundChars)
	orch := orchestrator.New(orchestrator.Deps{
		Store:       store,
		Registry:    registry,
		Workers:     workers,
		Responder:   responder,
		Notifier:    notifier,
		Proposals:   classifier,
		Intents:     classifier,
		StripMarker: classifier.StripMarker,
		Workspace:   cfg.BasicConfig.Workspace,
		Budget: contextwin.Budget{
			MaxTurns:  cfg.Context.MaxTurns,
			MaxChars:  cfg.Context.MaxChars,
			MaxTasks:  cfg.Context.MaxTasks,
			MaxTokens: cfg.Context.MaxTokens,
		},
		Timeout:  cfg.Workers.Timeout,
		Recorder: recorder,
		Usage:    metrics.NewUsageTracker(),
		Logger:   logger,
	})

	dispatcher := worker.NewDispatcher(orch, worker.Options{
		MaxDepth:   cfg.Queue.MaxDepth,
		MinWorkers: cfg.Queue.MinWorkers,
		MaxWorkers: cfg.Queue.MaxWorkers,
		IdleExpiry: cfg.Queue.IdleExpiry,
		Logger:     logger,
		Observer:   recorder,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handlers := api.NewHandler(dispatcher, orch, registry, hub, api.Options{Gatherer: reg, Logger: logger})
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:        cfg.BasicConfig.ServerAddress,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
	}
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error("dispatcher stop", "error", err)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		logger.Error("task registry close", "error", err)
	}
	if err := store.Flush(shutdownCtx); err != nil {
		logger.Error("flush sessions", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
