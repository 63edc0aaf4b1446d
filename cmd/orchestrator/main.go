// Command orchestrator starts the RPA orchestration platform's control
// plane: the job queue store, dispatcher, trigger manager and webhook
// ingress, workflow versioning, event bus, and the monitoring REST/WebSocket
// API. Robots connect to it as separate processes (see cmd/robot).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casarerpa/orchestrator/internal/adapter/dispatcher"
	"github.com/casarerpa/orchestrator/internal/adapter/dlq"
	"github.com/casarerpa/orchestrator/internal/adapter/eventbus"
	"github.com/casarerpa/orchestrator/internal/adapter/monitoring"
	"github.com/casarerpa/orchestrator/internal/adapter/observability"
	"github.com/casarerpa/orchestrator/internal/adapter/queue/postgres"
	ratelimiter "github.com/casarerpa/orchestrator/internal/adapter/ratelimit"
	"github.com/casarerpa/orchestrator/internal/adapter/trigger"
	"github.com/casarerpa/orchestrator/internal/adapter/versioning"
	"github.com/casarerpa/orchestrator/internal/app"
	"github.com/casarerpa/orchestrator/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.ConnectWithRetry(ctx, cfg.DBURL, cfg.PGBouncer, int32(cfg.PoolMinSize), int32(cfg.PoolMaxSize),
		cfg.MaxReconnectAttempts, cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("queue schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := trigger.Migrate(ctx, pool); err != nil {
		slog.Error("trigger schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := versioning.Migrate(ctx, pool); err != nil {
		slog.Error("versioning schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Queue store. The orchestrator never claims jobs itself — robots do —
	// but it needs a QueueConsumer handle to run the lease-requeue sweep
	// below, since RequeueTimedOut lives on that port.
	producer := postgres.NewProducer(pool)
	consumer := postgres.NewConsumer(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	dlqManager := dlq.NewManager(dlqRepo, cfg.GetRetryConfig())

	// Workflow versioning.
	versionRepo := versioning.NewRepository(pool)

	// Event bus: fans out job/robot/trigger lifecycle events to the
	// monitoring WebSocket hub.
	bus := eventbus.New()

	// Dispatcher registry: tracks robot presence/health; robots claim
	// directly against the queue store (spec.md §4.5).
	registry := dispatcher.NewRegistry()
	registry.SetStrategy(dispatcher.DefaultPoolName, dispatcher.Strategy(cfg.DispatcherStrategy))

	// Trigger manager + standalone webhook ingress.
	triggerRepo := trigger.NewRepository(pool)
	jobCreator := app.NewJobCreator(versionRepo, producer, cfg.RetryMaxRetries)
	triggerManager := trigger.NewManager(triggerRepo, jobCreator, bus).WithDefaultCooldown(cfg.TriggerCooldown)
	if err := triggerManager.LoadAll(ctx); err != nil {
		slog.Error("failed to load persisted triggers", slog.Any("error", err))
		os.Exit(1)
	}

	// Per-trigger webhook rate limiting, backed by the same Redis-backed
	// token bucket the monitoring API could reuse for its own throttling.
	// Degrades to open (no limiting) if REDIS_URL doesn't parse/connect,
	// since webhook ingress must not go down because of an optional Redis
	// dependency.
	var webhookLimiter *ratelimiter.RedisLuaLimiter
	if rdb := newRedisClient(cfg.RedisURL); rdb != nil {
		webhookLimiter = ratelimiter.NewRedisLuaLimiter(rdb, pool, nil)
	}

	webhookServer := trigger.NewServer(triggerManager).
		WithLimiter(webhookLimiter, ratelimiter.NewBucketConfigFromPerMinute(cfg.WebhookRatePerMin))
	webhookAddr := fmt.Sprintf("%s:%d", trigger.ResolveWebhookHost(), cfg.WebhookPort)
	go func() {
		slog.Info("webhook ingress starting", slog.String("addr", webhookAddr))
		if err := webhookServer.ListenAndServe(webhookAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook ingress error", slog.Any("error", err))
		}
	}()

	// Monitoring REST/WebSocket API, mounted under the main router so that
	// BuildRouter supplies the middleware stack exactly once.
	monitorAdapter := monitoring.NewAdapter(producer, registry)
	wsHub := monitoring.NewHub(monitorAdapter, bus)
	defer wsHub.Close()
	monitorServer := monitoring.NewServer(monitorAdapter, wsHub)

	handler := app.BuildRouter(cfg, monitorServer, registry)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background sweepers.
	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	defer cancelSweeps()
	go app.NewRequeueSweeper(consumer, registry, cfg.RequeueSweepInterval).Run(sweepCtx)
	go app.NewHealthSweeper(registry, cfg.StaleRobotTimeout, cfg.DispatcherTickInterval).Run(sweepCtx)

	dlqRetention := cfg.GetDLQRetention()
	if dlqRetention.CleanupInterval > 0 {
		go func() {
			ticker := time.NewTicker(dlqRetention.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if n, err := dlqManager.Purge(sweepCtx, dlqRetention.MaxAge); err != nil {
						slog.Error("dlq purge failed", slog.Any("error", err))
					} else if n > 0 {
						slog.Info("dlq purge removed entries", slog.Int64("count", n))
					}
				}
			}
		}()
	}
	if cfg.DataRetentionDays > 0 {
		go func() {
			ticker := time.NewTicker(cfg.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if n, err := producer.PurgeOldJobs(sweepCtx, cfg.DataRetentionDays); err != nil {
						slog.Error("job retention purge failed", slog.Any("error", err))
					} else if n > 0 {
						slog.Info("job retention purge removed rows", slog.Int64("count", n))
					}
				}
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestrator http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	cancelSweeps()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	_ = webhookServer.Shutdown(shutdownCtx)
}

// newRedisClient parses rawURL into a redis client, or returns nil if it's
// empty/unparseable. Redis backs an optional rate limiter; its absence must
// never block startup.
func newRedisClient(rawURL string) *redis.Client {
	if rawURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		slog.Warn("redis url parse failed, rate limiting disabled", slog.Any("error", err))
		return nil
	}
	return redis.NewClient(opts)
}
