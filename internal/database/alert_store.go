package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/vitals"
)

// AlertStore persists alert events in Postgres. It implements
// alerting.Store: the state machine calls Save synchronously before a
// transition is confirmed.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates an alert store backed by the given connection
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

// Save inserts or updates one alert event
func (s *AlertStore) Save(ctx context.Context, event *alerting.Event) error {
	query := `
		INSERT INTO alert_events (
			id, condition_key, patient_id, signal_type, metric,
			severity, status, triggered_at, last_updated_at,
			resolved_at, acknowledged_by, resolved_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE
		SET severity = EXCLUDED.severity,
		    status = EXCLUDED.status,
		    last_updated_at = EXCLUDED.last_updated_at,
		    resolved_at = EXCLUDED.resolved_at,
		    acknowledged_by = EXCLUDED.acknowledged_by,
		    resolved_by = EXCLUDED.resolved_by
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		event.ID,
		event.Condition.Key(),
		event.Condition.PatientID,
		string(event.Condition.SignalType),
		nullableString(event.Condition.Metric),
		string(event.Severity),
		string(event.Status),
		event.TriggeredAt,
		event.LastUpdatedAt,
		event.ResolvedAt,
		nullableString(event.AcknowledgedBy),
		nullableString(event.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert event: %w", err)
	}

	return nil
}

// FindOpen returns the open or acknowledged event for a condition, or nil
// when the condition has no active event
func (s *AlertStore) FindOpen(ctx context.Context, condition alerting.Condition) (*alerting.Event, error) {
	query := `
		SELECT id, patient_id, signal_type, metric, severity, status,
		       triggered_at, last_updated_at, resolved_at,
		       acknowledged_by, resolved_by
		FROM alert_events
		WHERE condition_key = $1 AND status IN ('open', 'acknowledged')
		ORDER BY triggered_at DESC
		LIMIT 1
	`

	event, err := s.scanEvent(s.db.QueryRowContext(ctx, query, condition.Key()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open event: %w", err)
	}

	return event, nil
}

// History lists a patient's alert events, critical first, newest first.
// An empty patientID lists across all patients.
func (s *AlertStore) History(ctx context.Context, patientID string, limit int) ([]*alerting.Event, error) {
	query := `
		SELECT id, patient_id, signal_type, metric, severity, status,
		       triggered_at, last_updated_at, resolved_at,
		       acknowledged_by, resolved_by
		FROM alert_events
		WHERE ($1 = '' OR patient_id = $1)
		ORDER BY (severity = 'critical') DESC, triggered_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*alerting.Event
	for rows.Next() {
		event, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// CleanupResolvedBefore deletes resolved events older than the cutoff.
// Returns rows removed.
func (s *AlertStore) CleanupResolvedBefore(ctx context.Context, cutoffDays int) (int64, error) {
	query := `
		DELETE FROM alert_events
		WHERE status = 'resolved'
		  AND resolved_at < CURRENT_TIMESTAMP - make_interval(days => $1)
	`

	result, err := s.db.ExecContext(ctx, query, cutoffDays)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *AlertStore) scanEvent(row rowScanner) (*alerting.Event, error) {
	var (
		event          alerting.Event
		signalType     string
		metric         sql.NullString
		severity       string
		status         string
		acknowledgedBy sql.NullString
		resolvedBy     sql.NullString
	)

	err := row.Scan(
		&event.ID,
		&event.Condition.PatientID,
		&signalType,
		&metric,
		&severity,
		&status,
		&event.TriggeredAt,
		&event.LastUpdatedAt,
		&event.ResolvedAt,
		&acknowledgedBy,
		&resolvedBy,
	)
	if err != nil {
		return nil, err
	}

	event.Condition.SignalType = vitals.SignalType(signalType)
	event.Condition.Metric = metric.String
	event.Severity = alerting.Severity(severity)
	event.Status = alerting.EventStatus(status)
	event.AcknowledgedBy = acknowledgedBy.String
	event.ResolvedBy = resolvedBy.String

	return &event, nil
}
