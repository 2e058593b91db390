package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/escalation"
	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/internal/queue"
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

	fmt.Println("Starting Escalation Service...")

	// Create email notifier
	emailNotifier := escalation.NewEmailNotifier(&cfg.SMTP, logger)

	// Test SMTP connection (optional, will skip if not configured)
	if err := emailNotifier.TestConnection(); err != nil {
		fmt.Printf("Note: %v (escalations will be logged only)\n", err)
	}

	// Create webhook notifier
	webhookNotifier := escalation.NewWebhookNotifier(&cfg.Webhook, logger)
	if webhookNotifier.IsEnabled() {
		fmt.Printf("Webhook escalations enabled: %s\n", cfg.Webhook.URL)
	}

	// Create consumer for the escalation channel
	consumer := queue.NewConsumer(cfg.Kafka.BrokerList(), cfg.Kafka.TopicEscalations, "escalation-group")
	defer consumer.Close()
	fmt.Println("Kafka consumer initialized")

	ctx := context.Background()

	fmt.Println("\n✓ Escalation Service is running")
	fmt.Println("✓ Press Ctrl+C to stop")

	// Start consuming escalations
	go func() {
		for {
			msg, err := consumer.Consume(ctx)
			if err != nil {
				log.Printf("Failed to consume message: %v\n", err)
				continue
			}

			// Decode escalation
			escalationMsg, err := protocol.DecodeEscalationMessage(msg.Value)
			if err != nil {
				log.Printf("Failed to decode escalation: %v\n", err)
				consumer.Commit(ctx, msg)
				continue
			}

			// Email is the primary channel; a failure holds the offset so
			// the escalation is retried.
			if err := emailNotifier.Notify(escalationMsg); err != nil {
				log.Printf("Failed to send escalation email: %v\n", err)
				continue
			}

			// Webhook is secondary; cooldowns and endpoint errors are
			// logged without blocking the stream.
			if webhookNotifier.IsEnabled() {
				if err := webhookNotifier.Notify(escalationMsg); err != nil {
					logger.Warn("webhook escalation failed",
						zap.String("event_id", escalationMsg.EventID),
						zap.Error(err),
					)
				}
			}

			// Commit offset
			if err := consumer.Commit(ctx, msg); err != nil {
				log.Printf("Failed to commit offset: %v\n", err)
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
