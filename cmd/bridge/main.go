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

	"github.com/techxen/vitals-server/internal/bridge"
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

	fmt.Println("Starting Device Bridge Service...")

	// Ensure the samples topic exists before forwarding into it
	if err := queue.CreateTopic(
		cfg.Kafka.BrokerList(),
		cfg.Kafka.TopicSamples,
		cfg.Kafka.NumPartitions,
		1, // replication factor
	); err != nil {
		fmt.Printf("Note: Topic creation failed (may already exist): %v\n", err)
	}

	producer := queue.NewProducer(cfg.Kafka.BrokerList(), cfg.Kafka.TopicSamples)
	defer producer.Close()
	fmt.Println("Kafka producer initialized")

	mqttBridge := bridge.NewBridge(bridge.Config{
		BrokerURL: cfg.Bridge.BrokerURL,
		ClientID:  cfg.Bridge.ClientID,
		Topic:     cfg.Bridge.Topic,
		QoS:       byte(cfg.Bridge.QoS),
		Username:  cfg.Bridge.Username,
		Password:  cfg.Bridge.Password,
	}, producer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mqttBridge.Start(ctx); err != nil {
		log.Fatalf("Failed to start MQTT bridge: %v", err)
	}
	defer mqttBridge.Stop()

	// Print statistics periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := mqttBridge.Stats()
			fmt.Printf("\n--- Bridge Statistics ---\n")
			fmt.Printf("Forwarded: %d  Invalid: %d\n", stats.Forwarded, stats.Invalid)
			fmt.Printf("-------------------------\n\n")
		}
	}()

	fmt.Println("\n✓ Device Bridge is running")
	fmt.Printf("✓ MQTT %s -> Kafka %s\n", cfg.Bridge.Topic, cfg.Kafka.TopicSamples)
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
