package alerting

import (
	"fmt"
	"time"

	"github.com/techxen/vitals-server/internal/vitals"
)

// Condition identifies a monitored rule: one patient's one signal type,
// optionally narrowed to a sub-metric (e.g. systolic). It is the key for
// alert state lookup.
type Condition struct {
	PatientID  string            `json:"patient_id"`
	SignalType vitals.SignalType `json:"signal_type"`
	Metric     string            `json:"metric,omitempty"`
}

// Key returns the stable lookup key for this condition
func (c Condition) Key() string {
	if c.Metric != "" {
		return fmt.Sprintf("%s:%s:%s", c.PatientID, c.SignalType, c.Metric)
	}
	return fmt.Sprintf("%s:%s", c.PatientID, c.SignalType)
}

// Severity mirrors the vital status that triggered an event
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityFromStatus maps a non-normal vital status to an event severity
func SeverityFromStatus(s vitals.Status) (Severity, bool) {
	switch s {
	case vitals.StatusWarning:
		return SeverityWarning, true
	case vitals.StatusCritical:
		return SeverityCritical, true
	default:
		return "", false
	}
}

// EventStatus is the lifecycle state of an alert event
type EventStatus string

const (
	EventOpen         EventStatus = "open"
	EventAcknowledged EventStatus = "acknowledged"
	EventResolved     EventStatus = "resolved"
)

// Event is one alert lifecycle for a condition. At most one event per
// condition is open or acknowledged at any time; resolved is terminal for
// the instance, a later breach opens a fresh event.
type Event struct {
	ID             string      `json:"id"`
	Condition      Condition   `json:"condition"`
	Severity       Severity    `json:"severity"`
	Status         EventStatus `json:"status"`
	TriggeredAt    time.Time   `json:"triggered_at"`
	LastUpdatedAt  time.Time   `json:"last_updated_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	ResolvedBy     string      `json:"resolved_by,omitempty"`
}

// Active reports whether the event still claims its condition
func (e *Event) Active() bool {
	return e.Status == EventOpen || e.Status == EventAcknowledged
}

// TransitionKind names what just happened to an event
type TransitionKind string

const (
	TransitionOpened       TransitionKind = "opened"
	TransitionUpdated      TransitionKind = "updated"
	TransitionAcknowledged TransitionKind = "acknowledged"
	TransitionResolved     TransitionKind = "resolved"
)

// Transition is the notification handed to dispatch after a successful
// state change. Event is a copy taken under the machine's lock.
type Transition struct {
	Kind  TransitionKind
	Event Event
}

var (
	// ErrInvalidTransition is returned when acknowledge or resolve is
	// attempted on a missing or already-terminal event.
	ErrInvalidTransition = &TransitionError{"invalid alert transition"}
)

// TransitionError represents an illegal lifecycle operation
type TransitionError struct {
	msg string
}

func (e *TransitionError) Error() string {
	return e.msg
}
