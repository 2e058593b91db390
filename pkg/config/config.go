package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Hub      HubConfig
	Bridge   BridgeConfig
	Dispatch DispatchConfig
	Pipeline PipelineConfig
	Recorder RecorderConfig
	SMTP     SMTPConfig
	Webhook  WebhookConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type KafkaConfig struct {
	Brokers          string
	TopicSamples     string
	TopicAlerts      string
	TopicEscalations string
	NumPartitions    int
}

// BrokerList splits the comma-separated broker string.
func (k KafkaConfig) BrokerList() []string {
	return strings.Split(k.Brokers, ",")
}

type HubConfig struct {
	Addr            string
	Path            string
	MaxConnections  int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	SendBufferSize  int
	InactivityLimit time.Duration
}

type BridgeConfig struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       int
	Username  string
	Password  string
}

type DispatchConfig struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

type PipelineConfig struct {
	LaneCount    int
	LaneDepth    int
	StoreRetries int
	RetryDelay   time.Duration
}

type RecorderConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	HourlyDelay   time.Duration
	RetentionDays int
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

type WebhookConfig struct {
	Enabled  bool
	URL      string
	Headers  map[string]string
	Cooldown time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "vitals_user"),
			Password: getEnv("DB_PASSWORD", "vitals_pass"),
			DBName:   getEnv("DB_NAME", "vitals_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TTL:      getEnvAsDuration("REDIS_VITALS_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:          getEnv("KAFKA_BROKERS", "localhost:9092"),
			TopicSamples:     getEnv("KAFKA_TOPIC_SAMPLES", "vitals.samples.raw"),
			TopicAlerts:      getEnv("KAFKA_TOPIC_ALERTS", "vitals.alerts"),
			TopicEscalations: getEnv("KAFKA_TOPIC_ESCALATIONS", "vitals.escalations"),
			NumPartitions:    getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
		},
		Hub: HubConfig{
			Addr:            getEnv("HUB_ADDR", ":8080"),
			Path:            getEnv("HUB_PATH", "/alerts/stream"),
			MaxConnections:  getEnvAsInt("HUB_MAX_CONNECTIONS", 10000),
			WriteTimeout:    getEnvAsDuration("HUB_WRITE_TIMEOUT", 10*time.Second),
			PongTimeout:     getEnvAsDuration("HUB_PONG_TIMEOUT", 60*time.Second),
			PingInterval:    getEnvAsDuration("HUB_PING_INTERVAL", 30*time.Second),
			SendBufferSize:  getEnvAsInt("HUB_SEND_BUFFER", 64),
			InactivityLimit: getEnvAsDuration("HUB_INACTIVITY_LIMIT", 2*time.Minute),
		},
		Bridge: BridgeConfig{
			BrokerURL: getEnv("MQTT_BROKER_URL", "tcp://localhost:1883"),
			ClientID:  getEnv("MQTT_CLIENT_ID", "vitals-bridge"),
			Topic:     getEnv("MQTT_TOPIC", "devices/+/signals"),
			QoS:       getEnvAsInt("MQTT_QOS", 1),
			Username:  getEnv("MQTT_USERNAME", ""),
			Password:  getEnv("MQTT_PASSWORD", ""),
		},
		Dispatch: DispatchConfig{
			Workers:     getEnvAsInt("DISPATCH_WORKERS", 4),
			QueueSize:   getEnvAsInt("DISPATCH_QUEUE_SIZE", 1024),
			SendTimeout: getEnvAsDuration("DISPATCH_SEND_TIMEOUT", 5*time.Second),
		},
		Pipeline: PipelineConfig{
			LaneCount:    getEnvAsInt("PIPELINE_LANES", 16),
			LaneDepth:    getEnvAsInt("PIPELINE_LANE_DEPTH", 256),
			StoreRetries: getEnvAsInt("PIPELINE_STORE_RETRIES", 3),
			RetryDelay:   getEnvAsDuration("PIPELINE_RETRY_DELAY", 200*time.Millisecond),
		},
		Recorder: RecorderConfig{
			BatchSize:     getEnvAsInt("RECORDER_BATCH_SIZE", 100),
			FlushInterval: getEnvAsDuration("RECORDER_FLUSH_INTERVAL", 5*time.Second),
			HourlyDelay:   getEnvAsDuration("RECORDER_HOURLY_DELAY", 5*time.Minute),
			RetentionDays: getEnvAsInt("RECORDER_RETENTION_DAYS", 30),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "vitals-server@example.com"),
			To:       getEnv("SMTP_TO", "oncall@example.com"),
		},
		Webhook: WebhookConfig{
			Enabled:  getEnvAsBool("WEBHOOK_ENABLED", false),
			URL:      getEnv("WEBHOOK_URL", ""),
			Headers:  getEnvAsMap("WEBHOOK_HEADERS"),
			Cooldown: getEnvAsDuration("WEBHOOK_COOLDOWN", 15*time.Minute),
		},
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsMap parses "Key1:Value1,Key2:Value2" into a map. Used for
// webhook headers such as authorization tokens.
func getEnvAsMap(key string) map[string]string {
	result := make(map[string]string)
	raw := getEnv(key, "")
	if raw == "" {
		return result
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) == 2 {
			result[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return result
}
