package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/client"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/clock"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/config"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/db"
	httpapi "github.com/wenwu/saas-platform/panel-provisioner/internal/http"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/logger"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/panel-provisioner/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("panel-provisioner: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	zl, err := logger.New(cfg.Log.Level, "panel-provisioner")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()

	zl.Info("starting panel provisioner")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	database, err := db.New(ctx, cfg.Database, zl)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()

	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, zl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Initialize repositories
	panelRepo := repository.NewPanelRepository(database.Pool)
	planRepo := repository.NewPlanRepository(database.Pool)
	subscriptionRepo := repository.NewSubscriptionRepository(database.Pool)
	testUserRepo := repository.NewTestUserRepository(database.Pool)
	logRepo := repository.NewLogRepository(database.Pool)

	locker, closeLocker, err := newLocker(ctx, cfg, database, zl)
	if err != nil {
		return err
	}
	defer closeLocker()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	provisioningMetrics := metrics.New(registry)

	// Initialize services
	adapters := client.NewAdapterRegistry(cfg.Panel.HTTPTimeout, cfg.Panel.TokenTTL, zl)

	provisioningService := service.NewProvisioningService(service.ProvisioningDeps{
		Plans:         planRepo,
		Adapters:      adapters,
		Subscriptions: subscriptionRepo,
		TestUsers:     testUserRepo,
		Locker:        locker,
		Logs:          logRepo,
		Metrics:       provisioningMetrics,
		Logger:        zl,
	}, service.ProvisioningConfig{
		TrialEnabled: cfg.Trial.Enabled,
		LockTTL:      cfg.Panel.LockTTL,
	})

	reconciler := service.NewReconciler(
		subscriptionRepo,
		provisioningService,
		clock.New(),
		cfg.Reconciler.MaxDuration,
		provisioningMetrics,
		zl,
	)

	// Initialize HTTP server
	handler := httpapi.NewHandler(provisioningService, reconciler, subscriptionRepo, logRepo, panelRepo, zl)
	server := httpapi.NewServer(cfg, handler, registry, database.Pool, zl)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// open status streams are cut off at the shutdown timeout
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	zl.Info("server exited")
	return nil
}

// newLocker prefers Redis when REDIS_URL is set and falls back to the
// provisioning_claims table
func newLocker(ctx context.Context, cfg *config.Config, database *db.Database, zl *zap.Logger) (service.Locker, func(), error) {
	if cfg.Redis.URL == "" {
		zl.Info("provisioning locks in postgres")
		return repository.NewClaimLocker(database.Pool), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	zl.Info("provisioning locks in redis", zap.String("addr", opts.Addr))
	return repository.NewRedisLocker(rdb, "panel-provisioner:"), func() { _ = rdb.Close() }, nil
}
