package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/cache"
	"github.com/techxen/vitals-server/internal/database"
	"github.com/techxen/vitals-server/internal/dispatch"
	"github.com/techxen/vitals-server/internal/hub"
	"github.com/techxen/vitals-server/internal/ingest"
	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/internal/queue"
	"github.com/techxen/vitals-server/internal/registry"
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

	fmt.Println("Starting Vitals Ingest Service...")

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

	// Create Kafka topics
	if err := queue.CreateTopic(
		cfg.Kafka.BrokerList(),
		cfg.Kafka.TopicSamples,
		cfg.Kafka.NumPartitions,
		1, // replication factor
	); err != nil {
		fmt.Printf("Note: Topic creation failed (may already exist): %v\n", err)
	}
	if err := queue.CreateTopic(
		cfg.Kafka.BrokerList(),
		cfg.Kafka.TopicAlerts,
		1, // single partition keeps the alert audit stream totally ordered
		1,
	); err != nil {
		fmt.Printf("Note: Topic creation failed (may already exist): %v\n", err)
	}
	if err := queue.CreateTopic(
		cfg.Kafka.BrokerList(),
		cfg.Kafka.TopicEscalations,
		1,
		1,
	); err != nil {
		fmt.Printf("Note: Topic creation failed (may already exist): %v\n", err)
	}

	// Connect to Redis for the latest-vitals cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	vitalsCache := cache.NewVitalsCache(redisClient, cfg.Redis.TTL)
	fmt.Println("Redis vitals cache initialized")

	// Connection registry
	reg := registry.NewRegistry(cfg.Hub.MaxConnections)
	fmt.Println("Connection registry initialized")

	// Producers for the alert audit stream and the escalation channel
	alertsProducer := queue.NewProducer(cfg.Kafka.BrokerList(), cfg.Kafka.TopicAlerts)
	defer alertsProducer.Close()
	escalationProducer := queue.NewEscalationProducer(
		queue.NewProducer(cfg.Kafka.BrokerList(), cfg.Kafka.TopicEscalations),
	)

	// Dispatcher fan-out worker pool
	dispatcher := dispatch.NewDispatcher(
		reg,
		escalationProducer,
		cfg.Dispatch.Workers,
		cfg.Dispatch.QueueSize,
		cfg.Dispatch.SendTimeout,
		logger,
	)
	dispatcher.Start()
	defer dispatcher.Stop()
	fmt.Printf("Dispatcher started (%d workers, queue size %d)\n",
		cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)

	// Alert state machine backed by Postgres
	sink := newTransitionSink(dispatcher, alertsProducer, logger)
	alertStore := database.NewAlertStore(db)
	machine := alerting.NewMachine(alertStore, sink, logger)

	// Ingest pipeline consuming device samples
	consumer := queue.NewConsumer(cfg.Kafka.BrokerList(), cfg.Kafka.TopicSamples, "ingest-group")
	defer consumer.Close()
	pipeline := ingest.NewPipeline(consumer, machine, vitalsCache, ingest.Config{
		LaneCount:    cfg.Pipeline.LaneCount,
		LaneDepth:    cfg.Pipeline.LaneDepth,
		StoreRetries: cfg.Pipeline.StoreRetries,
		RetryDelay:   cfg.Pipeline.RetryDelay,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline.Start(ctx)
	defer pipeline.Stop()
	go pipeline.Run(ctx)
	fmt.Printf("Ingest pipeline started (%d lanes)\n", cfg.Pipeline.LaneCount)

	// WebSocket hub for dashboard subscribers
	alertHub := hub.NewHub(hub.Config{
		Addr:            cfg.Hub.Addr,
		Path:            cfg.Hub.Path,
		WriteTimeout:    cfg.Hub.WriteTimeout,
		PongTimeout:     cfg.Hub.PongTimeout,
		PingInterval:    cfg.Hub.PingInterval,
		SendBufferSize:  cfg.Hub.SendBufferSize,
		InactivityLimit: cfg.Hub.InactivityLimit,
	}, reg, machine, &headerAuthenticator{}, logger)
	alertHub.AttachQueryAPI(alertStore, vitalsCache, db)

	if err := alertHub.Start(); err != nil {
		log.Fatalf("Failed to start hub: %v", err)
	}

	// Print statistics periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			regStats := reg.Stats()
			dispStats := dispatcher.Stats()
			pipeStats := pipeline.Stats()
			fmt.Printf("\n--- Ingest Statistics ---\n")
			fmt.Printf("Connections: %d / %d (wildcard %d)\n",
				regStats.TotalConnections, regStats.MaxConnections, regStats.WildcardListeners)
			fmt.Printf("Active Alerts: %d\n", machine.ActiveCount())
			fmt.Printf("Delivered: %d  Failed: %d  Escalated: %d  Dropped: %d\n",
				dispStats.Delivered, dispStats.Failed, dispStats.Escalated, dispStats.Dropped)
			fmt.Printf("Invalid Samples: %d  Dropped Samples: %d\n",
				pipeStats.InvalidSamples, pipeStats.DroppedSamples)
			fmt.Printf("-------------------------\n\n")
		}
	}()

	fmt.Println("\n✓ Vitals Ingest Service is running")
	fmt.Printf("✓ Alert stream listening on %s%s\n", cfg.Hub.Addr, cfg.Hub.Path)
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := alertHub.Stop(shutdownCtx); err != nil {
		fmt.Printf("Hub shutdown: %v\n", err)
	}
}

type alertPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

type transitionDispatcher interface {
	Dispatch(t *alerting.Transition)
}

// transitionSink publishes every transition to the alert audit topic and
// hands it to the dispatcher for realtime fan-out. The audit publish runs
// on its own goroutine behind a buffered queue: it is best-effort, and a
// degraded broker must never stall the evaluation path.
type transitionSink struct {
	dispatcher transitionDispatcher
	alerts     alertPublisher
	logger     *zap.Logger
	auditCh    chan auditRecord
}

type auditRecord struct {
	eventID string
	key     string
	payload []byte
}

func newTransitionSink(dispatcher transitionDispatcher, alerts alertPublisher, logger *zap.Logger) *transitionSink {
	s := &transitionSink{
		dispatcher: dispatcher,
		alerts:     alerts,
		logger:     logger,
		auditCh:    make(chan auditRecord, 256),
	}
	go s.auditLoop()
	return s
}

func (s *transitionSink) Dispatch(t *alerting.Transition) {
	msg := protocol.NewAlertMessage(t)
	if payload, err := protocol.EncodeAlertMessage(msg); err == nil {
		select {
		case s.auditCh <- auditRecord{eventID: t.Event.ID, key: msg.ConditionKey, payload: payload}:
		default:
			s.logger.Warn("audit queue full, dropping audit record",
				zap.String("event_id", t.Event.ID),
			)
		}
	}

	s.dispatcher.Dispatch(t)
}

func (s *transitionSink) auditLoop() {
	for rec := range s.auditCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.alerts.Publish(ctx, rec.key, rec.payload); err != nil {
			s.logger.Warn("failed to publish alert to audit topic",
				zap.String("event_id", rec.eventID),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// headerAuthenticator derives the caller identity from request headers.
// X-User-ID names the caller; the "patients" query parameter narrows the
// grant to specific patients, defaulting to a full watch.
type headerAuthenticator struct{}

func (a *headerAuthenticator) Authenticate(r *http.Request) (*hub.Identity, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		userID = "anonymous-" + uuid.NewString()[:8]
	}

	filter := registry.FilterAll()
	if raw := r.URL.Query().Get("patients"); raw != "" && raw != "*" {
		filter = registry.FilterPatients(strings.Split(raw, ",")...)
	}

	return &hub.Identity{UserID: userID, Filter: filter}, nil
}
