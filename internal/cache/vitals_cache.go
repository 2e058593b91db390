package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/techxen/vitals-server/internal/vitals"
)

// LatestVital is the cached most-recent evaluation of one signal
type LatestVital struct {
	SignalType vitals.SignalType `json:"signal_type"`
	Value      vitals.Value      `json:"value"`
	Status     vitals.Status     `json:"status"`
	RecordedAt time.Time         `json:"recorded_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// VitalsCache keeps each patient's latest reading per signal in Redis so
// dashboards can render a snapshot without replaying the stream. Entries
// expire so a silent device drops out of the snapshot.
type VitalsCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewVitalsCache creates a vitals cache. A zero ttl defaults to 24h.
func NewVitalsCache(redisClient *redis.Client, ttl time.Duration) *VitalsCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &VitalsCache{redis: redisClient, ttl: ttl}
}

func vitalKey(patientID string, signalType vitals.SignalType) string {
	return fmt.Sprintf("vitals:latest:%s:%s", patientID, signalType)
}

// SetLatest stores the most recent evaluation for a patient's signal
func (c *VitalsCache) SetLatest(ctx context.Context, patientID string, vital *LatestVital) error {
	data, err := json.Marshal(vital)
	if err != nil {
		return fmt.Errorf("failed to marshal vital: %w", err)
	}

	key := vitalKey(patientID, vital.SignalType)
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set vital in Redis: %w", err)
	}

	return nil
}

// GetLatest retrieves the cached reading for one signal, or nil when the
// cache holds nothing for it
func (c *VitalsCache) GetLatest(ctx context.Context, patientID string, signalType vitals.SignalType) (*LatestVital, error) {
	data, err := c.redis.Get(ctx, vitalKey(patientID, signalType)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vital from Redis: %w", err)
	}

	var vital LatestVital
	if err := json.Unmarshal([]byte(data), &vital); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vital: %w", err)
	}

	return &vital, nil
}

// PatientSnapshot returns every cached signal for a patient
func (c *VitalsCache) PatientSnapshot(ctx context.Context, patientID string) ([]*LatestVital, error) {
	var snapshot []*LatestVital
	for _, signalType := range vitals.KnownSignalTypes {
		vital, err := c.GetLatest(ctx, patientID, signalType)
		if err != nil {
			return nil, err
		}
		if vital != nil {
			snapshot = append(snapshot, vital)
		}
	}
	return snapshot, nil
}

// Delete removes a patient's cached signal
func (c *VitalsCache) Delete(ctx context.Context, patientID string, signalType vitals.SignalType) error {
	return c.redis.Del(ctx, vitalKey(patientID, signalType)).Err()
}

// HealthScore reduces a snapshot to a 0-100 dashboard number: each
// critical vital costs 15 points, each warning 5. Presentation aid only,
// not a clinical measure. An empty snapshot scores 75 (no data).
func HealthScore(snapshot []*LatestVital) int {
	if len(snapshot) == 0 {
		return 75
	}

	score := 100
	for _, vital := range snapshot {
		switch vital.Status {
		case vitals.StatusCritical:
			score -= 15
		case vitals.StatusWarning:
			score -= 5
		}
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
