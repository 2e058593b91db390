package aggregation

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCalculateNextRunTime(t *testing.T) {
	agg := NewHourlyAggregator(nil, zap.NewNop())

	delay := 5 * time.Minute
	nextRun := agg.CalculateNextRunTime(delay)

	if !nextRun.After(time.Now()) {
		t.Error("Expected next run to be in the future")
	}
	if nextRun.Minute() != 5 || nextRun.Second() != 0 {
		t.Errorf("Expected run at 5 minutes past the hour, got %s", nextRun.Format("15:04:05"))
	}
	if time.Until(nextRun) > time.Hour+delay {
		t.Errorf("Next run %s is more than an hour and delay away", nextRun)
	}
}
