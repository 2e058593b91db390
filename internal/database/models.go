package database

import (
	"time"

	"github.com/techxen/vitals-server/internal/vitals"
)

// SignalSample is one recorded device observation in the history table
type SignalSample struct {
	ID         int64
	PatientID  string
	DeviceID   string
	SignalType string
	Value      vitals.Value // stored as JSONB
	RecordedAt time.Time
	ReceivedAt time.Time
}
