// cmd/workflow-manager/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"workflow-manager/internal/api"
	"workflow-manager/internal/archive"
	awsclient "workflow-manager/internal/common/aws"
	"workflow-manager/internal/common/config"
	"workflow-manager/internal/common/database"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/modelserver"
	"workflow-manager/internal/common/observability"
	"workflow-manager/internal/dag"
	"workflow-manager/internal/events"
	"workflow-manager/internal/history"
	"workflow-manager/internal/snapshot"
	"workflow-manager/internal/workflow"
	"workflow-manager/pkg/registry"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting workflow manager...",
		zap.String("environment", cfg.App.Environment),
		zap.String("version", cfg.App.Version),
	)

	tracing, err := observability.NewTracing(cfg.Tracing, cfg.App.Name)
	if err != nil {
		zapLog.Fatal("tracing init failed", zap.Error(err))
	}
	defer tracing.Shutdown()

	obs, err := observability.New(cfg.App.Name, nil)
	if err != nil {
		zapLog.Fatal("observability init failed", zap.Error(err))
	}
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Model server client ---
	msClient := modelserver.NewClientWithConfig(&modelserver.ClientConfig{
		ManagementURL:  cfg.ModelServer.ManagementURL,
		InferenceURL:   cfg.ModelServer.InferenceURL,
		RequestTimeout: config.GetDuration(cfg.ModelServer.RequestTimeout),
		RetryConfig: &modelserver.RetryConfig{
			MaxRetries: cfg.ModelServer.MaxRetries,
			BaseDelay:  config.GetDuration(cfg.ModelServer.RetryBaseDelay),
			MaxDelay:   config.GetDuration(cfg.ModelServer.RetryMaxDelay),
		},
	})

	loader, err := archive.NewLoader(cfg.WorkflowStore, config.GetDuration(cfg.ModelServer.RequestTimeout), log)
	if err != nil {
		zapLog.Fatal("workflow store init failed", zap.Error(err))
	}

	executor := dag.NewExecutor(msClient, dag.RetryPolicy{
		BaseDelay: config.GetDuration(cfg.ModelServer.RetryBaseDelay),
		MaxDelay:  config.GetDuration(cfg.ModelServer.RetryMaxDelay),
	}, log)

	// --- Event sinks ---
	var (
		sinks         []workflow.EventSink
		snapshots     *snapshot.Store
		historyReader api.HistoryReader
	)

	if cfg.Database.Redis.Enabled {
		var redis *database.RedisClient
		err = retryWithBackoff(func() error {
			var err error
			redis, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return redis.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		defer redis.Close()
		snapshots = snapshot.NewStore(redis, log)
		sinks = append(sinks, snapshots)
		zapLog.Info("Redis connected successfully")
	}

	if cfg.Database.Postgres.Enabled {
		var pg *database.PostgresClient
		err = retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()

		hist := history.NewStore(pg, log)
		if err := hist.EnsureSchema(ctx); err != nil {
			zapLog.Fatal("history schema failed", zap.Error(err))
		}
		sinks = append(sinks, hist)
		historyReader = hist
		zapLog.Info("PostgreSQL connected successfully")
	}

	if cfg.Notifications.SNS.Enabled {
		snsClient, err := awsclient.NewSNSClient(ctx, cfg.Notifications.SNS.Region)
		if err != nil {
			zapLog.Fatal("sns client init failed", zap.Error(err))
		}
		sinks = append(sinks, events.NewPublisher(snsClient, cfg.Notifications.SNS.TopicARN, log))
		zapLog.Info("SNS event publisher enabled", zap.String("topic", cfg.Notifications.SNS.TopicARN))
	}

	manager := workflow.NewManager(msClient, loader, executor, workflow.Options{
		PoolSize:        cfg.Orchestrator.PoolSize,
		RollbackTimeout: config.GetDuration(cfg.Orchestrator.RollbackTimeout),
		Observability:   obs,
		Sinks:           sinks,
	}, log)

	// --- Restore snapshot and startup catalog ---
	var restored atomic.Bool
	go func() {
		defer restored.Store(true)
		entries := startupEntries(ctx, cfg, snapshots, zapLog)
		if len(entries) == 0 {
			return
		}
		n := manager.Restore(ctx, entries, cfg.Orchestrator.ResponseTimeout)
		zapLog.Info("Startup workflows registered", zap.Int("registered", n), zap.Int("requested", len(entries)))
	}()

	// --- API server ---
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(manager, historyReader, api.Options{
		ResponseTimeout: cfg.Orchestrator.ResponseTimeout,
		Synchronous:     cfg.Orchestrator.Synchronous,
		Ready: func(ctx context.Context) error {
			if !restored.Load() {
				return errors.New("startup registration in progress")
			}
			return msClient.HealthCheck(ctx)
		},
	}, log)

	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zapLog.Info("API server listening", zap.String("addr", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("API server failed", zap.Error(err))
		}
	}()

	// --- Health & Metrics Server ---
	go func() {
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		zapLog.Info("Health/Metrics server listening", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, nil); err != nil {
			zapLog.Error("Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error stopping API server", zap.Error(err))
	}

	zapLog.Info("Workflow manager stopped gracefully", zap.Int("workflows", len(manager.ListWorkflows())))
}

// startupEntries merges the Redis snapshot with the enabled catalog entries.
// A name present in both keeps its snapshot entry.
func startupEntries(ctx context.Context, cfg *config.Config, snapshots *snapshot.Store, log *zap.Logger) []workflow.Entry {
	var entries []workflow.Entry
	seen := map[string]bool{}

	if snapshots != nil && cfg.Startup.RestoreSnapshot {
		snap, err := snapshots.Entries(ctx)
		if err != nil {
			log.Error("Failed to read workflow snapshot", zap.Error(err))
		}
		for _, e := range snap {
			seen[e.Name] = true
			entries = append(entries, e)
		}
	}

	if cfg.Startup.CatalogPath != "" {
		cat, err := registry.LoadCatalog(cfg.Startup.CatalogPath)
		if err != nil {
			log.Error("Failed to load workflow catalog", zap.String("path", cfg.Startup.CatalogPath), zap.Error(err))
			return entries
		}
		if err := cat.Validate(); err != nil {
			log.Error("Workflow catalog is invalid", zap.Error(err))
			return entries
		}
		for _, e := range cat.Enabled() {
			if seen[e.Name] {
				continue
			}
			entries = append(entries, workflow.Entry{
				Name:        e.Name,
				URL:         e.URL,
				Timeout:     e.Timeout,
				Synchronous: e.Synchronous,
			})
		}
	}
	return entries
}
