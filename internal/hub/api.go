package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/cache"
	"github.com/techxen/vitals-server/internal/database"
)

// HistoryProvider lists past alert events for the query API
type HistoryProvider interface {
	History(ctx context.Context, patientID string, limit int) ([]*alerting.Event, error)
}

// SnapshotProvider returns a patient's cached latest vitals
type SnapshotProvider interface {
	PatientSnapshot(ctx context.Context, patientID string) ([]*cache.LatestVital, error)
}

// SampleProvider reads recorded signal history
type SampleProvider interface {
	GetRecentSamples(patientID, signalType string, limit int) ([]*database.SignalSample, error)
}

// AttachQueryAPI enables the read endpoints alongside the realtime stream.
// Any provider may be nil; its endpoint is simply not registered. Must be
// called before Start.
func (h *Hub) AttachQueryAPI(history HistoryProvider, snapshots SnapshotProvider, samples SampleProvider) {
	h.history = history
	h.snapshots = snapshots
	h.samples = samples
}

func (h *Hub) registerQueryRoutes(mux *http.ServeMux) {
	if h.history != nil {
		mux.HandleFunc("GET /patients/{id}/alerts", h.handleAlertHistory)
	}
	if h.snapshots != nil {
		mux.HandleFunc("GET /patients/{id}/vitals", h.handleVitalsSnapshot)
	}
	if h.samples != nil {
		mux.HandleFunc("GET /patients/{id}/samples", h.handleRecentSamples)
	}
}

// authorizePatient runs the same authentication as the websocket upgrade
// and checks the caller's grant covers the requested patient.
func (h *Hub) authorizePatient(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return "", false
	}

	patientID := r.PathValue("id")
	if patientID == "" {
		http.Error(w, "patient id is required", http.StatusBadRequest)
		return "", false
	}
	if !identity.Filter.Matches(patientID) {
		http.Error(w, "not authorized for patient", http.StatusForbidden)
		return "", false
	}
	return patientID, true
}

func queryLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}

func (h *Hub) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Hub) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.authorizePatient(w, r)
	if !ok {
		return
	}

	events, err := h.history.History(r.Context(), patientID, queryLimit(r))
	if err != nil {
		h.logger.Error("alert history query failed",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"patient_id": patientID,
		"alerts":     events,
	})
}

func (h *Hub) handleVitalsSnapshot(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.authorizePatient(w, r)
	if !ok {
		return
	}

	snapshot, err := h.snapshots.PatientSnapshot(r.Context(), patientID)
	if err != nil {
		h.logger.Error("vitals snapshot query failed",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"patient_id":   patientID,
		"vitals":       snapshot,
		"health_score": cache.HealthScore(snapshot),
	})
}

func (h *Hub) handleRecentSamples(w http.ResponseWriter, r *http.Request) {
	patientID, ok := h.authorizePatient(w, r)
	if !ok {
		return
	}

	signalType := r.URL.Query().Get("signal")
	if signalType == "" {
		http.Error(w, "signal query parameter is required", http.StatusBadRequest)
		return
	}

	rows, err := h.samples.GetRecentSamples(patientID, signalType, queryLimit(r))
	if err != nil {
		h.logger.Error("sample history query failed",
			zap.String("patient_id", patientID),
			zap.Error(err),
		)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"patient_id":  patientID,
		"signal_type": signalType,
		"samples":     rows,
	})
}
