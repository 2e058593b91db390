package aggregation

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/database"
)

// HourlyAggregator rolls scalar signal history up into hourly per-patient
// rows for dashboard trend charts
type HourlyAggregator struct {
	db     *database.DB
	logger *zap.Logger
}

// NewHourlyAggregator creates a new hourly aggregator
func NewHourlyAggregator(db *database.DB, logger *zap.Logger) *HourlyAggregator {
	return &HourlyAggregator{db: db, logger: logger}
}

// Aggregate computes hourly aggregates for the specified hour. Only
// scalar-valued samples participate; waveform and location signals have
// no meaningful hourly average.
func (h *HourlyAggregator) Aggregate(targetHour time.Time) error {
	startTime := targetHour.Truncate(time.Hour)
	endTime := startTime.Add(time.Hour)

	query := `
		INSERT INTO hourly_vitals (
			patient_id, signal_type, hour_timestamp,
			avg_value, min_value, max_value, sample_count
		)
		SELECT
			patient_id,
			signal_type,
			$1 AS hour_timestamp,
			AVG((value->>'scalar')::float) AS avg_value,
			MIN((value->>'scalar')::float) AS min_value,
			MAX((value->>'scalar')::float) AS max_value,
			COUNT(*) AS sample_count
		FROM
			signal_samples
		WHERE
			recorded_at >= $1 AND recorded_at < $2
			AND value ? 'scalar'
		GROUP BY
			patient_id, signal_type
		ON CONFLICT (patient_id, signal_type, hour_timestamp) DO UPDATE
		SET
			avg_value = EXCLUDED.avg_value,
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			sample_count = EXCLUDED.sample_count
	`

	result, err := h.db.Exec(query, startTime, endTime)
	if err != nil {
		return fmt.Errorf("failed to aggregate hourly vitals: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	h.logger.Info("hourly aggregation completed",
		zap.Time("hour", startTime),
		zap.Int64("rows", rowsAffected),
	)

	return nil
}

// AggregatePreviousHour aggregates the previous full hour
func (h *HourlyAggregator) AggregatePreviousHour() error {
	previousHour := time.Now().Add(-1 * time.Hour).Truncate(time.Hour)
	return h.Aggregate(previousHour)
}

// CalculateNextRunTime returns when the hourly aggregation should next
// run: a fixed delay past each hour so late samples are included
func (h *HourlyAggregator) CalculateNextRunTime(delay time.Duration) time.Time {
	now := time.Now()

	nextRun := now.Truncate(time.Hour).Add(time.Hour).Add(delay)
	if now.After(nextRun) {
		nextRun = nextRun.Add(time.Hour)
	}

	return nextRun
}
