package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/fedgate/pkg/audit"
	"github.com/platinummonkey/fedgate/pkg/dirsync"
	"github.com/platinummonkey/fedgate/pkg/observability"
	"github.com/platinummonkey/fedgate/pkg/rolemap"
)

var (
	dbURL              = flag.String("db-url", getEnv("FEDGATE_DATABASE_URL", "postgres://localhost/fedgate?sslmode=disable"), "PostgreSQL connection URL")
	syncSchedule       = flag.String("sync-schedule", "* * * * *", "Cron schedule for scheduled sync checks (default: every minute)")
	cleanupSchedule    = flag.String("cleanup-schedule", "30 0 * * *", "Cron schedule for audit log cleanup (default: 00:30 UTC)")
	auditRetentionDays = flag.Int("audit-retention-days", 90, "Days of audit events to keep")
	reportBucket       = flag.String("report-bucket", getEnv("FEDGATE_SYNC_REPORT_BUCKET", ""), "S3 bucket for finished job reports (empty disables archival)")
	reportRegion       = flag.String("report-region", getEnv("FEDGATE_SYNC_REPORT_REGION", "us-east-1"), "S3 region for finished job reports")
	reportPrefix       = flag.String("report-prefix", getEnv("FEDGATE_SYNC_REPORT_PREFIX", "sync-jobs"), "S3 key prefix for finished job reports")
	runOnce            = flag.Bool("run-once", false, "Check scheduled syncs once, wait for them to finish, and exit (for testing)")
)

func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Connect to database
	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.WithError(err).Fatal("Failed to ping database")
	}

	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize audit logger")
	}
	defer auditLog.Close()

	// The engine logs through the shared structured logger.
	engineLog := observability.NewLogger(observability.InfoLevel, os.Stdout)

	ctx := context.Background()

	storage := dirsync.NewSQLStorage(db)
	roleStore := rolemap.NewStore(db)
	if err := storage.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to run sync schema migrations")
	}
	if err := roleStore.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to run role mapping schema migrations")
	}

	roles := rolemap.NewService(roleStore, storage, auditLog, engineLog)
	engine := dirsync.NewEngine(storage, dirsync.DefaultSourceFactory, roles, auditLog, engineLog)
	if *reportBucket != "" {
		archiver, err := dirsync.NewReportArchiver(ctx, *reportRegion, *reportBucket, *reportPrefix)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize report archiver")
		}
		engine.SetArchiver(archiver)
		logger.WithField("bucket", *reportBucket).Info("Report archival enabled")
	}

	// Run once mode (for testing or manual kicks)
	if *runOnce {
		started, err := engine.CheckScheduledSyncs(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Scheduled sync check failed")
		}
		logger.WithField("started", started).Info("Scheduled sync check complete, waiting for jobs")
		engine.Wait()
		return
	}

	// Scheduled mode
	c := cron.New()

	_, err = c.AddFunc(*syncSchedule, func() {
		started, err := engine.CheckScheduledSyncs(context.Background())
		if err != nil {
			logger.WithError(err).Error("Scheduled sync check failed")
			return
		}
		if started > 0 {
			logger.WithField("started", started).Info("Started scheduled sync jobs")
		}
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule sync checks")
	}

	_, err = c.AddFunc(*cleanupSchedule, func() {
		removed, err := auditLog.Cleanup(context.Background(), *auditRetentionDays)
		if err != nil {
			logger.WithError(err).Error("Audit log cleanup failed")
			return
		}
		logger.WithField("removed", removed).Info("Audit log cleanup complete")
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to schedule audit cleanup")
	}

	c.Start()
	logger.WithFields(logrus.Fields{
		"sync_schedule":    *syncSchedule,
		"cleanup_schedule": *cleanupSchedule,
	}).Info("Sync scheduler started")

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down gracefully...")

	// Stop the cron scheduler, then wait for in-flight jobs
	cronCtx := c.Stop()
	<-cronCtx.Done()
	engine.Shutdown()

	logger.Info("Sync scheduler stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
