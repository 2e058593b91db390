package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/alerting"
	"github.com/techxen/vitals-server/internal/protocol"
	"github.com/techxen/vitals-server/internal/registry"
	"github.com/techxen/vitals-server/internal/vitals"
)

type captureSink struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (s *captureSink) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type fakeEscalator struct {
	mu   sync.Mutex
	msgs []*protocol.EscalationMessage
}

func (f *fakeEscalator) Escalate(_ context.Context, msg *protocol.EscalationMessage) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func makeTransition(severity alerting.Severity) *alerting.Transition {
	return &alerting.Transition{
		Kind: alerting.TransitionOpened,
		Event: alerting.Event{
			ID: "event-1",
			Condition: alerting.Condition{
				PatientID:  "patient-001",
				SignalType: vitals.SignalHeartRate,
			},
			Severity:      severity,
			Status:        alerting.EventOpen,
			TriggeredAt:   time.Now(),
			LastUpdatedAt: time.Now(),
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatcher_FanOut(t *testing.T) {
	reg := registry.NewRegistry(10)
	watcher := &captureSink{}
	wildcard := &captureSink{}
	other := &captureSink{}
	reg.Register("watcher", registry.FilterPatients("patient-001"), watcher)
	reg.Register("wildcard", registry.FilterAll(), wildcard)
	reg.Register("other", registry.FilterPatients("patient-002"), other)

	d := NewDispatcher(reg, nil, 2, 16, time.Second, zap.NewNop())
	d.Start()
	defer d.Stop()

	d.Dispatch(makeTransition(alerting.SeverityWarning))

	waitFor(t, func() bool { return d.Stats().Delivered == 2 })

	if watcher.count() != 1 || wildcard.count() != 1 {
		t.Errorf("Expected delivery to watcher and wildcard, got %d and %d",
			watcher.count(), wildcard.count())
	}
	if other.count() != 0 {
		t.Errorf("Expected no delivery to unrelated watcher, got %d", other.count())
	}

	var msg protocol.AlertMessage
	if err := json.Unmarshal(watcher.payloads[0], &msg); err != nil {
		t.Fatalf("Payload is not a valid alert message: %v", err)
	}
	if msg.EventID != "event-1" || msg.PatientID != "patient-001" {
		t.Errorf("Unexpected alert payload: %+v", msg)
	}
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	reg := registry.NewRegistry(10)
	healthy := &captureSink{}
	broken := &captureSink{err: errors.New("write: broken pipe")}
	reg.Register("healthy", registry.FilterPatients("patient-001"), healthy)
	reg.Register("broken", registry.FilterPatients("patient-001"), broken)

	d := NewDispatcher(reg, nil, 2, 16, time.Second, zap.NewNop())
	d.Start()
	defer d.Stop()

	d.Dispatch(makeTransition(alerting.SeverityWarning))

	waitFor(t, func() bool {
		stats := d.Stats()
		return stats.Delivered == 1 && stats.Failed == 1
	})

	if healthy.count() != 1 {
		t.Errorf("Expected healthy target to receive the alert, got %d", healthy.count())
	}
}

func TestDispatcher_StaleTarget(t *testing.T) {
	reg := registry.NewRegistry(10)
	sink := &captureSink{}
	reg.Register("gone", registry.FilterPatients("patient-001"), sink)

	d := NewDispatcher(reg, nil, 1, 16, time.Second, zap.NewNop())

	// Unregister after the target snapshot is taken
	d.Dispatch(makeTransition(alerting.SeverityWarning))
	reg.Unregister("gone")
	d.Start()
	defer d.Stop()

	waitFor(t, func() bool { return d.Stats().Failed == 1 })

	if sink.count() != 0 {
		t.Errorf("Expected no delivery to a gone target, got %d", sink.count())
	}
}

func TestDispatcher_StopRacesDispatch(t *testing.T) {
	reg := registry.NewRegistry(10)
	sink := &captureSink{}
	reg.Register("watcher", registry.FilterPatients("patient-001"), sink)

	d := NewDispatcher(reg, nil, 2, 16, time.Second, zap.NewNop())
	d.Start()

	// A producer still enqueueing while Stop runs must never panic; late
	// enqueues are simply not processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			d.Dispatch(makeTransition(alerting.SeverityWarning))
		}
	}()

	time.Sleep(time.Millisecond)
	d.Stop()
	<-done
}

func TestDispatcher_StopDrainsQueuedTasks(t *testing.T) {
	reg := registry.NewRegistry(10)
	sink := &captureSink{}
	reg.Register("watcher", registry.FilterPatients("patient-001"), sink)

	d := NewDispatcher(reg, nil, 1, 16, time.Second, zap.NewNop())
	d.Start()

	for i := 0; i < 5; i++ {
		d.Dispatch(makeTransition(alerting.SeverityWarning))
	}
	d.Stop()

	if got := d.Stats().Delivered; got != 5 {
		t.Errorf("Expected all queued fan-outs delivered before shutdown, got %d", got)
	}
}

func TestDispatcher_EscalatesCritical(t *testing.T) {
	reg := registry.NewRegistry(10)
	esc := &fakeEscalator{}

	d := NewDispatcher(reg, esc, 2, 16, time.Second, zap.NewNop())
	d.Start()
	defer d.Stop()

	d.Dispatch(makeTransition(alerting.SeverityWarning))
	d.Dispatch(makeTransition(alerting.SeverityCritical))

	waitFor(t, func() bool { return d.Stats().Escalated == 1 })

	if esc.count() != 1 {
		t.Errorf("Expected exactly one escalation, got %d", esc.count())
	}
	esc.mu.Lock()
	defer esc.mu.Unlock()
	if esc.msgs[0].Severity != "critical" {
		t.Errorf("Expected critical escalation, got %s", esc.msgs[0].Severity)
	}
}
