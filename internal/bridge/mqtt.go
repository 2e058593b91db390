package bridge

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/internal/queue"
	"github.com/techxen/vitals-server/internal/vitals"
)

// devicePayload is the raw shape devices publish over MQTT
type devicePayload struct {
	DeviceID   string       `json:"device_id"`
	PatientID  string       `json:"patient_id"`
	SignalType string       `json:"signal_type"`
	Value      vitals.Value `json:"value"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Config holds bridge settings
type Config struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte
	Username  string
	Password  string
}

// Bridge subscribes to device topics and republishes normalized sample
// messages to Kafka, keyed by condition so partition order matches
// arrival order per (patient, signal type).
type Bridge struct {
	config   Config
	producer *queue.Producer
	logger   *zap.Logger
	client   mqtt.Client

	forwarded atomic.Int64
	invalid   atomic.Int64
}

// NewBridge creates the device bridge
func NewBridge(cfg Config, producer *queue.Producer, logger *zap.Logger) *Bridge {
	if cfg.Topic == "" {
		cfg.Topic = "devices/+/signals"
	}
	return &Bridge{
		config:   cfg,
		producer: producer,
		logger:   logger,
	}
}

// Start connects to the broker and subscribes to the device topic
func (b *Bridge) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.config.BrokerURL).
		SetClientID(b.config.ClientID).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
	}
	if b.config.Password != "" {
		opts.SetPassword(b.config.Password)
	}

	opts.OnConnect = func(c mqtt.Client) {
		b.logger.Info("connected to MQTT broker", zap.String("broker", b.config.BrokerURL))
		if token := c.Subscribe(b.config.Topic, b.config.QoS, b.handleMessage); token.Wait() && token.Error() != nil {
			b.logger.Error("mqtt subscribe failed",
				zap.String("topic", b.config.Topic),
				zap.Error(token.Error()),
			)
		} else {
			b.logger.Info("subscribed to device topic", zap.String("topic", b.config.Topic))
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", zap.Error(err))
	}

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}

	return nil
}

// Stop disconnects from the broker
func (b *Bridge) Stop() {
	if b.client != nil {
		b.client.Disconnect(250)
	}
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	receivedAt := time.Now().UTC()

	var payload devicePayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		b.invalid.Add(1)
		b.logger.Warn("invalid device payload",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return
	}

	sampleMsg := &protocol.SampleMessage{
		DeviceID:   payload.DeviceID,
		PatientID:  payload.PatientID,
		SignalType: vitals.SignalType(payload.SignalType),
		Value:      payload.Value,
		RecordedAt: payload.RecordedAt,
		ReceivedAt: receivedAt,
	}
	if err := sampleMsg.Validate(); err != nil {
		b.invalid.Add(1)
		b.logger.Warn("rejected device payload",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return
	}

	data, err := protocol.EncodeSampleMessage(sampleMsg)
	if err != nil {
		b.logger.Error("failed to encode sample", zap.Error(err))
		return
	}

	if err := b.producer.Publish(context.Background(), sampleMsg.ConditionKey(), data); err != nil {
		b.logger.Error("kafka publish failed",
			zap.String("condition", sampleMsg.ConditionKey()),
			zap.Error(err),
		)
		return
	}

	b.forwarded.Add(1)
}

// Stats returns bridge counters
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Forwarded: b.forwarded.Load(),
		Invalid:   b.invalid.Load(),
	}
}

// BridgeStats contains bridge counters
type BridgeStats struct {
	Forwarded int64
	Invalid   int64
}
