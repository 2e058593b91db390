package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/vitals"
)

// SampleMessage is the internal Kafka format for one device observation.
// The bridge keys every message by the sample's condition key, so the hash
// balancer lands all samples of one (patient, signal type) on the same
// partition and arrival order is preserved end to end.
type SampleMessage struct {
	DeviceID   string            `json:"device_id"`
	PatientID  string            `json:"patient_id"`
	SignalType vitals.SignalType `json:"signal_type"`
	Value      vitals.Value      `json:"value"`
	RecordedAt time.Time         `json:"recorded_at"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Validate checks the fields the pipeline cannot work without. Value
// content is not validated here: a missing reading classifies as normal
// downstream (fail-open) rather than being rejected.
func (m *SampleMessage) Validate() error {
	if m.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	if m.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !m.SignalType.IsKnown() {
		return fmt.Errorf("unknown signal type: %s", m.SignalType)
	}
	if m.RecordedAt.IsZero() {
		return fmt.Errorf("recorded_at is required")
	}
	return nil
}

// Sample converts the wire message to a canonical sample
func (m *SampleMessage) Sample() vitals.Sample {
	return vitals.Sample{
		PatientID:  m.PatientID,
		DeviceID:   m.DeviceID,
		Type:       m.SignalType,
		Value:      m.Value,
		RecordedAt: m.RecordedAt,
	}
}

// ConditionKey returns the Kafka partition key for this sample
func (m *SampleMessage) ConditionKey() string {
	return alerting.Condition{PatientID: m.PatientID, SignalType: m.SignalType}.Key()
}

// EncodeSampleMessage encodes a SampleMessage to JSON
func EncodeSampleMessage(msg *SampleMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeSampleMessage decodes JSON to SampleMessage and validates it
func DecodeSampleMessage(data []byte) (*SampleMessage, error) {
	var msg SampleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// AlertMessage is the realtime frame pushed to each resolved subscriber
// on an alert transition. Type is "ack" for acknowledgements and "alert"
// for everything else.
type AlertMessage struct {
	Type         string                  `json:"type"` // "alert" or "ack"
	Kind         alerting.TransitionKind `json:"kind"`
	EventID      string                  `json:"event_id"`
	ConditionKey string                  `json:"condition_key"`
	PatientID    string                  `json:"patient_id"`
	SignalType   vitals.SignalType       `json:"signal_type"`
	Severity     alerting.Severity       `json:"severity"`
	Status       alerting.EventStatus    `json:"status"`
	Timestamp    time.Time               `json:"timestamp"`
}

// NewAlertMessage builds the subscriber frame for a transition
func NewAlertMessage(t *alerting.Transition) *AlertMessage {
	msgType := "alert"
	if t.Kind == alerting.TransitionAcknowledged {
		msgType = "ack"
	}
	return &AlertMessage{
		Type:         msgType,
		Kind:         t.Kind,
		EventID:      t.Event.ID,
		ConditionKey: t.Event.Condition.Key(),
		PatientID:    t.Event.Condition.PatientID,
		SignalType:   t.Event.Condition.SignalType,
		Severity:     t.Event.Severity,
		Status:       t.Event.Status,
		Timestamp:    t.Event.LastUpdatedAt,
	}
}

// EncodeAlertMessage encodes an AlertMessage to JSON
func EncodeAlertMessage(msg *AlertMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeAlertMessage decodes JSON to AlertMessage
func DecodeAlertMessage(data []byte) (*AlertMessage, error) {
	var msg AlertMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EscalationMessage is the Kafka format for critical transitions consumed
// by the escalation service
type EscalationMessage struct {
	Kind         alerting.TransitionKind `json:"kind"`
	EventID      string                  `json:"event_id"`
	ConditionKey string                  `json:"condition_key"`
	PatientID    string                  `json:"patient_id"`
	SignalType   vitals.SignalType       `json:"signal_type"`
	Severity     alerting.Severity       `json:"severity"`
	Status       alerting.EventStatus    `json:"status"`
	TriggeredAt  time.Time               `json:"triggered_at"`
	Timestamp    time.Time               `json:"timestamp"`
}

// NewEscalationMessage builds the escalation payload for a transition
func NewEscalationMessage(t *alerting.Transition) *EscalationMessage {
	return &EscalationMessage{
		Kind:         t.Kind,
		EventID:      t.Event.ID,
		ConditionKey: t.Event.Condition.Key(),
		PatientID:    t.Event.Condition.PatientID,
		SignalType:   t.Event.Condition.SignalType,
		Severity:     t.Event.Severity,
		Status:       t.Event.Status,
		TriggeredAt:  t.Event.TriggeredAt,
		Timestamp:    t.Event.LastUpdatedAt,
	}
}

// EncodeEscalationMessage encodes an EscalationMessage to JSON
func EncodeEscalationMessage(msg *EscalationMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeEscalationMessage decodes JSON to EscalationMessage
func DecodeEscalationMessage(data []byte) (*EscalationMessage, error) {
	var msg EscalationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
