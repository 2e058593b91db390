package escalation

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/pkg/config"
)

var (
	errWebhookDisabled = fmt.Errorf("webhook notifier is disabled")
	errWebhookCooldown = fmt.Errorf("escalation is within cooldown period")
	errWebhookStatus   = fmt.Errorf("webhook returned non-200 status")
)

// WebhookNotifier posts escalations to an external HTTP endpoint (paging
// gateway, SMS relay). A per-condition cooldown suppresses repeats while
// an event keeps refreshing.
type WebhookNotifier struct {
	config        *config.WebhookConfig
	client        *http.Client
	logger        *zap.Logger
	mu            sync.Mutex
	lastSentTimes map[string]time.Time
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(cfg *config.WebhookConfig, logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		config: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:        logger,
		lastSentTimes: make(map[string]time.Time),
	}
}

// IsEnabled reports whether the notifier has an endpoint configured
func (w *WebhookNotifier) IsEnabled() bool {
	return w.config.Enabled && w.config.URL != ""
}

// Notify posts one escalation to the configured endpoint
func (w *WebhookNotifier) Notify(msg *protocol.EscalationMessage) error {
	if !w.IsEnabled() {
		return errWebhookDisabled
	}

	if w.inCooldown(msg.ConditionKey) {
		w.logger.Debug("webhook escalation suppressed by cooldown",
			zap.String("condition", msg.ConditionKey),
		)
		return errWebhookCooldown
	}

	payload, err := protocol.EncodeEscalationMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", errWebhookStatus, resp.StatusCode)
	}

	w.markSent(msg.ConditionKey)
	w.logger.Info("webhook escalation sent",
		zap.String("condition", msg.ConditionKey),
		zap.String("event_id", msg.EventID),
	)
	return nil
}

func (w *WebhookNotifier) inCooldown(conditionKey string) bool {
	if w.config.Cooldown <= 0 {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.lastSentTimes[conditionKey]
	return ok && time.Since(last) < w.config.Cooldown
}

func (w *WebhookNotifier) markSent(conditionKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSentTimes[conditionKey] = time.Now()
}
