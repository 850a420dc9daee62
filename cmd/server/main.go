// Command server starts the Tessera control plane: the public API, the
// worker-facing internal API, the dispatcher, and the reaper.
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
	"golang.org/x/sync/errgroup"

	"github.com/tesseralabs/tessera/internal/adapter/events"
	"github.com/tesseralabs/tessera/internal/adapter/httpserver"
	"github.com/tesseralabs/tessera/internal/adapter/observability"
	"github.com/tesseralabs/tessera/internal/adapter/repo/postgres"
	"github.com/tesseralabs/tessera/internal/adapter/webhook"
	"github.com/tesseralabs/tessera/internal/adapter/workerclient"
	"github.com/tesseralabs/tessera/internal/app"
	"github.com/tesseralabs/tessera/internal/config"
	"github.com/tesseralabs/tessera/internal/domain"
	"github.com/tesseralabs/tessera/internal/scheduler"
	"github.com/tesseralabs/tessera/internal/service/ratelimiter"
	"github.com/tesseralabs/tessera/internal/usecase"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	planRepo := postgres.NewPlanRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	jobRepo := postgres.NewJobRepo(pool)
	artifactRepo := postgres.NewArtifactRepo(pool)
	usageRepo := postgres.NewUsageRepo(pool)
	txRunner := postgres.NewTxRunner(pool)

	// Rate limiter: Redis-shared when configured, in-process otherwise.
	var limiter ratelimiter.Limiter = ratelimiter.NewMemoryLimiter()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url invalid", slog.Any("error", err))
			os.Exit(1)
		}
		limiter = ratelimiter.NewRedisLuaLimiter(redis.NewClient(opt))
		slog.Info("rate limiter backed by redis")
	}

	// Model catalog.
	catalog, err := domain.LoadCatalog(cfg.ModelsFile)
	if err != nil {
		slog.Error("model catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Outbound adapters.
	var notifier domain.Notifier = webhook.New(cfg.WebhookSecret)
	var publisher domain.EventPublisher
	if cfg.EventsEnabled() {
		kafka, err := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			slog.Error("kafka connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = kafka.Close(closeCtx)
		}()
		publisher = kafka
		slog.Info("lifecycle events enabled", slog.String("topic", cfg.KafkaTopic))
	}
	invoker := workerclient.New()

	// Scheduler.
	registry := scheduler.NewRegistry(scheduler.RegistryConfig{
		StaleAfter:       cfg.HeartbeatStale,
		DeadAfter:        cfg.HeartbeatDead,
		RetainDead:       cfg.DeadWorkerRetain,
		QuarantineAfter:  cfg.QuarantineFailures,
		QuarantineWindow: cfg.QuarantineWindow,
	})
	completion := scheduler.NewCompletion(jobRepo, artifactRepo, usageRepo, txRunner,
		notifier, publisher, registry, cfg.ArtifactTTL)
	dispatcher := scheduler.NewDispatcher(jobRepo, registry, invoker, completion, catalog,
		scheduler.DispatcherConfig{
			IdleSleep:       cfg.DispatchIdleSleep,
			MaxBatchSize:    cfg.MaxBatchSize,
			StarvationLimit: cfg.AffinityStarvation,
		})
	reaper := scheduler.NewReaper(jobRepo, registry, completion, cfg.ReaperInterval, cfg.JobDeadlineGrace)
	aborter := &scheduler.Aborter{Registry: registry, Invoker: invoker, Timeout: cfg.AbortRPCTimeout}

	// Usecases.
	admitSvc := usecase.NewAdmitService(userRepo, planRepo, jobRepo, usageRepo, txRunner,
		limiter, catalog, registry, cfg.BlockedTerms)
	jobSvc := usecase.NewJobService(jobRepo, artifactRepo, aborter, notifier, publisher)
	userSvc := usecase.NewUserService(userRepo, planRepo, usageRepo, catalog, registry)

	// HTTP.
	auth := httpserver.NewAuthenticator(userRepo, cfg.FrontendKeys)
	srv := httpserver.NewServer(admitSvc, jobSvc, userSvc, userRepo, planRepo, limiter)
	internal := httpserver.NewInternalServer(registry, invoker)
	ready := func(r *http.Request) error { return pool.Ping(r.Context()) }
	handler := app.BuildRouter(cfg, auth, srv, internal, ready)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	if cfg.DataRetentionDays > 0 {
		cleanup := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		g.Go(func() error {
			cleanup.RunPeriodic(gctx, cfg.CleanupInterval)
			return nil
		})
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}
	g.Go(func() error {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}
