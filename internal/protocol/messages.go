package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType represents the type of a realtime client message
type MessageType string

const (
	// Client to Server
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypePing        MessageType = "ping"
	MsgTypeAcknowledge MessageType = "acknowledge_alert"
	MsgTypeResolve     MessageType = "resolve_alert"

	// Server to Client
	MsgTypePong      MessageType = "pong"
	MsgTypeConnected MessageType = "connected"
	MsgTypeError     MessageType = "error"
)

// BaseMessage is the common structure for all client messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// SubscribeMessage narrows a connection's patient filter. An empty patient
// list keeps the scope the caller's role granted at connect time.
type SubscribeMessage struct {
	Type     MessageType `json:"type"`
	Patients []string    `json:"patients"`
}

// PingMessage keeps a connection alive
type PingMessage struct {
	Type MessageType `json:"type"`
}

// AcknowledgeMessage acknowledges an open alert over the realtime channel
type AcknowledgeMessage struct {
	Type    MessageType `json:"type"`
	EventID string      `json:"event_id"`
}

// ResolveMessage manually resolves an alert over the realtime channel
type ResolveMessage struct {
	Type    MessageType `json:"type"`
	EventID string      `json:"event_id"`
}

// ConnectedMessage is sent once after a successful upgrade
type ConnectedMessage struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connection_id"`
}

// PongMessage answers a client ping
type PongMessage struct {
	Type MessageType `json:"type"`
}

// ErrorMessage reports a failed client request
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ParseClientMessage parses a JSON frame from a subscriber into the
// appropriate message type
func ParseClientMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeSubscribe:
		var msg SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid subscribe message: %w", err)
		}
		return &msg, nil

	case MsgTypePing:
		var msg PingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	case MsgTypeAcknowledge:
		var msg AcknowledgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid acknowledge message: %w", err)
		}
		if msg.EventID == "" {
			return nil, fmt.Errorf("event_id is required")
		}
		return &msg, nil

	case MsgTypeResolve:
		var msg ResolveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid resolve message: %w", err)
		}
		if msg.EventID == "" {
			return nil, fmt.Errorf("event_id is required")
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}
