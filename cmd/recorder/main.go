package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/aggregation"
	"github.com/techxen/vitals-server/internal/database"
	"github.com/techxen/vitals-server/internal/queue"
	"github.com/techxen/vitals-server/internal/timer"
	"github.com/techxen/vitals-server/pkg/config"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	fmt.Println("Starting Signal Recorder Service...")

	// Connect to database
	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

	// Run migrations
	if err := db.RunMigrations("migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Create consumer for raw samples
	consumer := queue.NewConsumer(cfg.Kafka.BrokerList(), cfg.Kafka.TopicSamples, "recorder-group")
	defer consumer.Close()
	fmt.Println("Kafka consumer created (registering with broker...)")

	// Batch writer persisting samples to Postgres
	batchWriter := queue.NewBatchWriter(consumer, db, cfg.Recorder.BatchSize, cfg.Recorder.FlushInterval, logger)
	if err := batchWriter.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start batch writer: %v", err)
	}
	defer batchWriter.Stop()
	fmt.Printf("Batch writer started (batch=%d, flush=%s)\n",
		cfg.Recorder.BatchSize, cfg.Recorder.FlushInterval)

	// Scheduler drives the hourly rollup and retention cleanup
	scheduler := timer.NewScheduler(2)
	scheduler.Start()
	defer scheduler.Stop()
	fmt.Println("Scheduler started")

	hourlyAgg := aggregation.NewHourlyAggregator(db, logger)
	alertStore := database.NewAlertStore(db)

	scheduleHourlyAggregation(scheduler, hourlyAgg, cfg.Recorder.HourlyDelay)
	scheduleRetentionCleanup(scheduler, db, alertStore, cfg.Recorder.RetentionDays)

	fmt.Println("\n✓ Signal Recorder is running")
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}

func scheduleHourlyAggregation(s *timer.Scheduler, agg *aggregation.HourlyAggregator, delay time.Duration) {
	taskID := "hourly-aggregation"

	var scheduleNext func()
	scheduleNext = func() {
		nextRun := agg.CalculateNextRunTime(delay)
		fmt.Printf("Next hourly aggregation scheduled for: %s\n", nextRun.Format("2006-01-02 15:04:05"))

		s.Schedule(taskID, nextRun, func() {
			if err := agg.AggregatePreviousHour(); err != nil {
				log.Printf("Hourly aggregation failed: %v\n", err)
			}

			// Schedule next run
			scheduleNext()
		})
	}

	scheduleNext()
}

func scheduleRetentionCleanup(s *timer.Scheduler, db *database.DB, store *database.AlertStore, retentionDays int) {
	taskID := "retention-cleanup"

	var scheduleNext func()
	scheduleNext = func() {
		// Run shortly after midnight UTC
		now := time.Now().UTC()
		nextRun := now.Truncate(24 * time.Hour).Add(24*time.Hour + 15*time.Minute)
		fmt.Printf("Next retention cleanup scheduled for: %s\n", nextRun.Format("2006-01-02 15:04:05"))

		s.Schedule(taskID, nextRun, func() {
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			if deleted, err := db.DeleteSamplesBefore(cutoff); err != nil {
				log.Printf("Sample retention cleanup failed: %v\n", err)
			} else {
				fmt.Printf("Retention cleanup removed %d samples\n", deleted)
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if deleted, err := store.CleanupResolvedBefore(ctx, retentionDays); err != nil {
				log.Printf("Alert retention cleanup failed: %v\n", err)
			} else {
				fmt.Printf("Retention cleanup removed %d resolved alerts\n", deleted)
			}
			cancel()

			// Schedule next run
			scheduleNext()
		})
	}

	scheduleNext()
}
