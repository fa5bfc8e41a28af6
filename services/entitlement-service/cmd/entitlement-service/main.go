package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/resumeai/libs/auth"
	"github.com/md-rashed-zaman/resumeai/libs/config"
	"github.com/md-rashed-zaman/resumeai/libs/db"
	"github.com/md-rashed-zaman/resumeai/libs/httpx"
	"github.com/md-rashed-zaman/resumeai/libs/kafkax"
	otelx "github.com/md-rashed-zaman/resumeai/libs/otel"
	"github.com/md-rashed-zaman/resumeai/libs/runtime"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/appconfig"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/gate"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/handlers"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/ingest"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/outbox"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/processor"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/reconcile"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage/memstore"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/subscriptions"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg, err := appconfig.Load()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	store, locker, checks, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store setup failed", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	stripeClient := processor.NewStripe(cfg.Stripe)
	if !stripeClient.Configured() {
		logger.Warn("payment processor not configured; sync, checkout and portal will be unavailable")
	}

	subSvc := subscriptions.New(store, logger)
	ingestor := ingest.New(store, subSvc, logger, ingest.Config{
		WebhookSecret: cfg.WebhookSecret,
		Tolerance:     cfg.WebhookTolerance,
	})
	if !ingestor.Configured() {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be rejected")
	}
	syncer := reconcile.NewSyncer(store, stripeClient, subSvc, logger, cfg.Retry)
	entitlementGate := gate.New(store, cfg.Plans, cfg.UsageLocation, time.Now)

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		logger.Error("auth verifier setup failed", "err", err)
		os.Exit(1)
	}

	publisher := outbox.NewPublisher(store, logger, outbox.PublisherConfig{
		Brokers:   cfg.KafkaBrokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	if publisher.Enabled() {
		go publisher.Run(ctx)
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}

	webhookLimit, userLimit, limiterChecks, closeLimiter := rateLimiters(cfg, logger)
	defer closeLimiter()
	checks = append(checks, limiterChecks...)

	opts := handlers.RouteOptions{
		Verifier:     verifier,
		WebhookLimit: webhookLimit,
		UserLimit:    userLimit,
	}
	if cfg.GeneratorURL != "" {
		if opts.Generate, err = newUpstream(cfg.GeneratorURL, logger); err != nil {
			logger.Error("generator upstream invalid", "err", err)
			os.Exit(1)
		}
	}
	if cfg.ExporterURL != "" {
		if opts.Export, err = newUpstream(cfg.ExporterURL, logger); err != nil {
			logger.Error("exporter upstream invalid", "err", err)
			os.Exit(1)
		}
	}

	router := runtime.NewBaseRouterWithReady(checks...)
	h := handlers.New(store, stripeClient, ingestor, syncer, entitlementGate, logger)
	h.Mount(router, opts)

	middleware := []httpx.Middleware{httpx.WithRecover(logger)}
	if len(cfg.CORSOrigins) > 0 {
		middleware = append(middleware, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           10 * time.Minute,
		}))
	}
	middleware = append(middleware, httpx.WithRequestID, httpx.WithAccessLog(logger))
	handler := httpx.Chain(router, middleware...)
	handler = otelhttp.NewHandler(handler, "entitlements")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	// Periodic sweep heals state when notifications are missed or fail.
	if cfg.SweepEnabled {
		if !stripeClient.Configured() {
			logger.Warn("reconcile sweep enabled but payment processor not configured; skipping")
		} else {
			sweep := reconcile.NewSweep(store, syncer, locker, logger, cfg.Sweep)
			go sweep.Run(ctx)
		}
	}

	if err := startGrpcServer(ctx, logger, cfg, entitlementGate, store); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// openStore returns the configured store, its leader lock (nil for memory),
// readiness checks and a close func.
func openStore(ctx context.Context, cfg appconfig.Config, logger *slog.Logger) (storage.Store, reconcile.Locker, []runtime.ReadyCheck, func(), error) {
	if cfg.StoreDriver == appconfig.StoreDriverMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		return memstore.New(), nil, nil, func() {}, nil
	}

	if cfg.DatabaseMigrate {
		if err := db.Migrate(cfg.DatabaseURL, storage.Migrations, storage.MigrationsDir); err != nil {
			return nil, nil, nil, nil, err
		}
		logger.Info("database migrations applied")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: int32(cfg.DBMaxConns)})
	if err != nil {
		return nil, nil, nil, nil, err
	}
	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	return storage.NewRepository(pool), reconcile.NewPGLocker(pool), checks, pool.Close, nil
}
