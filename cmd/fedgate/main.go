package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/fedgate/pkg/audit"
	"github.com/platinummonkey/fedgate/pkg/config"
	"github.com/platinummonkey/fedgate/pkg/dirsync"
	"github.com/platinummonkey/fedgate/pkg/federation"
	"github.com/platinummonkey/fedgate/pkg/observability"
	"github.com/platinummonkey/fedgate/pkg/rolemap"
	"github.com/platinummonkey/fedgate/pkg/statestore"
	"github.com/platinummonkey/fedgate/pkg/webhooks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx := context.Background()

	// OpenTelemetry (optional)
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		fatal(logger, err, "failed to initialize OpenTelemetry")
	}

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		fatal(logger, err, "failed to open database")
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		fatal(logger, err, "failed to ping database")
	}
	logger.Info("Database connection established")

	// Metrics
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Login state store
	states, redisClient, err := buildStateStore(cfg, metrics)
	if err != nil {
		fatal(logger, err, "failed to initialize login state store")
	}
	logger.WithField("backend", cfg.State.Backend).Info("Login state store initialized")

	// Audit trail
	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		fatal(logger, err, "failed to initialize audit logger")
	}

	// Directory sync
	dirStorage := dirsync.NewSQLStorage(db)
	roleStore := rolemap.NewStore(db)
	fedStorage := federation.NewStorage(db)
	for _, migrate := range []func(context.Context) error{
		fedStorage.Migrate,
		dirStorage.Migrate,
		roleStore.Migrate,
	} {
		if err := migrate(ctx); err != nil {
			fatal(logger, err, "failed to run schema migrations")
		}
	}

	roleService := rolemap.NewService(roleStore, dirStorage, auditLog, logger)
	engine := dirsync.NewEngine(dirStorage, dirsync.DefaultSourceFactory, roleService, auditLog, logger)
	engine.SetMetrics(metrics)
	if cfg.Sync.ReportBucket != "" {
		archiver, err := dirsync.NewReportArchiver(ctx, cfg.Sync.ReportRegion, cfg.Sync.ReportBucket, cfg.Sync.ReportPrefix)
		if err != nil {
			fatal(logger, err, "failed to initialize sync report archiver")
		}
		engine.SetArchiver(archiver)
		logger.WithField("bucket", cfg.Sync.ReportBucket).Info("Sync report archival enabled")
	}

	// Role mapping preset bundles (optional)
	var bundles *rolemap.BundleWatcher
	if cfg.Roles.BundlePath != "" {
		bundles, err = rolemap.NewBundleWatcher(cfg.Roles.BundlePath, logger)
		if err != nil {
			fatal(logger, err, "failed to load role mapping bundle")
		}
		defer bundles.Close()
	}

	// Webhook notifications
	hooks := webhooks.NewManager(logger)
	hooks.StartRetryWorker(ctx)
	engine.SetNotifier(hooks)

	// Identity federation
	fedHandlers := federation.NewHandlers(
		fedStorage,
		federation.NewProvisioner(db),
		roleService,
		states,
		auditLog,
		logger,
	)
	fedHandlers.SetMetrics(metrics)
	fedHandlers.SetNotifier(hooks)

	// Routing
	router := mux.NewRouter()
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	fedHandlers.RegisterRoutes(router)
	rolemap.NewHandlers(roleService, bundles, auditLog, logger).RegisterRoutes(router)
	dirsync.NewHandlers(dirStorage, engine, auditLog, logger).RegisterRoutes(router)
	webhooks.NewHandlers(hooks, auditLog, logger).RegisterRoutes(router)

	// Health and metrics server on a separate port
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if metrics != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	// DB pool stats are sampled rather than event-driven.
	statsDone := make(chan struct{})
	if metrics != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					metrics.UpdateDBStats(db.Stats())
				case <-statsDone:
					return
				}
			}
		}()
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, err, "API server failed")
		}
	}()

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		engine.Shutdown()
		hooks.StopRetryWorker()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		close(statsDone)
		if err := states.Close(); err != nil {
			return err
		}
		if err := auditLog.Close(); err != nil {
			return err
		}
		return db.Close()
	})
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

// buildStateStore selects the configured state store backend. The redis
// client is returned separately so the health checker can share it.
func buildStateStore(cfg *config.Config, metrics *observability.Metrics) (statestore.Store, *redis.Client, error) {
	switch cfg.State.Backend {
	case "redis":
		store, err := statestore.NewRedisStore(cfg.State.RedisURL, cfg.State.MaxAge)
		if err != nil {
			return nil, nil, err
		}
		return statestore.Instrument(store, metrics), store.Client(), nil
	default:
		store := statestore.NewMemoryStore(cfg.State.MaxAge, cfg.State.SweepInterval)
		return statestore.Instrument(store, metrics), nil, nil
	}
}

func fatal(logger *observability.Logger, err error, message string) {
	logger.WithError(err).Error(message)
	os.Exit(1)
}
