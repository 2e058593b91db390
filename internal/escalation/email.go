package escalation

import (
	"bytes"
	"fmt"
	"net/smtp"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/pkg/config"
)

// Notifier delivers one escalation through a channel (email, webhook).
// Each channel owns its own retry behavior.
type Notifier interface {
	Notify(msg *protocol.EscalationMessage) error
}

// EmailNotifier sends escalation emails over SMTP
type EmailNotifier struct {
	config *config.SMTPConfig
	logger *zap.Logger
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig, logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{config: cfg, logger: logger}
}

// Notify sends an email for a critical alert transition
func (e *EmailNotifier) Notify(msg *protocol.EscalationMessage) error {
	var subject string
	var body string
	var err error

	switch msg.Kind {
	case alerting.TransitionOpened, alerting.TransitionUpdated:
		subject = fmt.Sprintf("CRITICAL ALERT - patient %s (%s)", msg.PatientID, msg.SignalType)
		body, err = e.renderOpenedTemplate(msg)
	case alerting.TransitionResolved:
		subject = fmt.Sprintf("Alert resolved - patient %s (%s)", msg.PatientID, msg.SignalType)
		body, err = e.renderResolvedTemplate(msg)
	case alerting.TransitionAcknowledged:
		// Acknowledgements stay on the realtime channel.
		return nil
	default:
		return fmt.Errorf("unknown transition kind: %s", msg.Kind)
	}

	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	return e.sendEmail(subject, body)
}

func (e *EmailNotifier) renderOpenedTemplate(msg *protocol.EscalationMessage) (string, error) {
	tmpl := `
Critical Vital Sign Alert
=========================

Patient: {{.PatientID}}
Signal: {{.SignalType}}
Severity: {{.Severity}}
Status: {{.Status}}
Triggered At: {{.TriggeredAt}}
Event ID: {{.EventID}}

Description:
The {{.SignalType}} reading for patient {{.PatientID}} has reached a
critical level. The alert is currently {{.Status}}.

Please review the patient's dashboard and take appropriate action.

---
Vitals Server Escalation System
`

	t, err := template.New("opened").Parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, msg); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func (e *EmailNotifier) renderResolvedTemplate(msg *protocol.EscalationMessage) (string, error) {
	tmpl := `
Vital Sign Alert Resolved
=========================

Patient: {{.PatientID}}
Signal: {{.SignalType}}
Event ID: {{.EventID}}

Description:
The critical alert on {{.SignalType}} for patient {{.PatientID}} has
resolved. The signal has returned to normal levels.

---
Vitals Server Escalation System
`

	t, err := template.New("resolved").Parse(tmpl)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, msg); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	// Skip sending if SMTP is not configured
	if e.config.Username == "" || e.config.Password == "" {
		e.logger.Info("SMTP not configured, logging escalation only",
			zap.String("subject", subject),
		)
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := smtp.SendMail(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("escalation email sent", zap.String("subject", subject))
	return nil
}

// TestConnection tests the SMTP connection
func (e *EmailNotifier) TestConnection() error {
	if e.config.Username == "" {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	return nil
}
