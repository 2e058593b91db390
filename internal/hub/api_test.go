package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/cache"
	"github.com/techxen/vitals-server/internal/database"
	"github.com/techxen/vitals-server/internal/registry"
	"github.com/techxen/vitals-server/internal/vitals"
)

type fakeHistory struct {
	events []*alerting.Event
}

func (f *fakeHistory) History(_ context.Context, patientID string, limit int) ([]*alerting.Event, error) {
	var out []*alerting.Event
	for _, e := range f.events {
		if e.Condition.PatientID == patientID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSnapshots struct {
	vitals map[string][]*cache.LatestVital
}

func (f *fakeSnapshots) PatientSnapshot(_ context.Context, patientID string) ([]*cache.LatestVital, error) {
	return f.vitals[patientID], nil
}

type fakeSamples struct{}

func (fakeSamples) GetRecentSamples(patientID, signalType string, limit int) ([]*database.SignalSample, error) {
	return []*database.SignalSample{
		{
			ID:         1,
			PatientID:  patientID,
			DeviceID:   "wearable-a1",
			SignalType: signalType,
			Value:      vitals.ScalarValue(72),
			RecordedAt: time.Now(),
		},
	}, nil
}

func newQueryServer(t *testing.T, identity *Identity, history HistoryProvider, snapshots SnapshotProvider, samples SampleProvider) *httptest.Server {
	t.Helper()

	reg := registry.NewRegistry(10)
	machine := alerting.NewMachine(newMemStore(), nil, zap.NewNop())
	h := NewHub(Config{}, reg, machine, &staticAuth{identity: identity}, zap.NewNop())
	h.AttachQueryAPI(history, snapshots, samples)

	mux := http.NewServeMux()
	h.registerQueryRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: expected status %d, got %d", url, wantStatus, resp.StatusCode)
	}
	if wantStatus != http.StatusOK {
		return nil
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	return body
}

func TestQueryAPI_AlertHistory(t *testing.T) {
	history := &fakeHistory{events: []*alerting.Event{
		{
			ID:        "event-1",
			Condition: alerting.Condition{PatientID: "patient-001", SignalType: vitals.SignalHeartRate},
			Severity:  alerting.SeverityCritical,
			Status:    alerting.EventResolved,
		},
		{
			ID:        "event-2",
			Condition: alerting.Condition{PatientID: "patient-002", SignalType: vitals.SignalSpO2},
			Severity:  alerting.SeverityWarning,
			Status:    alerting.EventOpen,
		},
	}}

	server := newQueryServer(t, &Identity{UserID: "nurse-7", Filter: registry.FilterAll()}, history, nil, nil)

	body := getJSON(t, server.URL+"/patients/patient-001/alerts", http.StatusOK)
	alerts := body["alerts"].([]interface{})
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(alerts))
	}
	first := alerts[0].(map[string]interface{})
	if first["id"] != "event-1" {
		t.Errorf("Unexpected alert: %v", first)
	}
}

func TestQueryAPI_VitalsSnapshot(t *testing.T) {
	snapshots := &fakeSnapshots{vitals: map[string][]*cache.LatestVital{
		"patient-001": {
			{SignalType: vitals.SignalHeartRate, Status: vitals.StatusCritical},
			{SignalType: vitals.SignalSpO2, Status: vitals.StatusNormal},
		},
	}}

	server := newQueryServer(t, &Identity{UserID: "nurse-7", Filter: registry.FilterAll()}, nil, snapshots, nil)

	body := getJSON(t, server.URL+"/patients/patient-001/vitals", http.StatusOK)
	if got := body["health_score"].(float64); got != 85 {
		t.Errorf("Expected health score 85, got %v", got)
	}
	if got := len(body["vitals"].([]interface{})); got != 2 {
		t.Errorf("Expected 2 vitals, got %d", got)
	}
}

func TestQueryAPI_RecentSamples(t *testing.T) {
	server := newQueryServer(t, &Identity{UserID: "nurse-7", Filter: registry.FilterAll()}, nil, nil, fakeSamples{})

	body := getJSON(t, server.URL+"/patients/patient-001/samples?signal=heartrate", http.StatusOK)
	if got := len(body["samples"].([]interface{})); got != 1 {
		t.Errorf("Expected 1 sample, got %d", got)
	}

	// Missing signal parameter is a client error
	getJSON(t, server.URL+"/patients/patient-001/samples", http.StatusBadRequest)
}

func TestQueryAPI_AuthorizationScope(t *testing.T) {
	history := &fakeHistory{}
	identity := &Identity{UserID: "nurse-7", Filter: registry.FilterPatients("patient-001")}
	server := newQueryServer(t, identity, history, nil, nil)

	getJSON(t, server.URL+"/patients/patient-001/alerts", http.StatusOK)
	getJSON(t, server.URL+"/patients/patient-002/alerts", http.StatusForbidden)
}
