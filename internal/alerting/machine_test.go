package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/vitals"
)

type fakeStore struct {
	mu        sync.Mutex
	events    map[string]*Event
	saveErr   error
	saveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: make(map[string]*Event)}
}

func (s *fakeStore) Save(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	copied := *event
	s.events[event.ID] = &copied
	return nil
}

func (s *fakeStore) FindOpen(_ context.Context, condition Condition) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if event.Condition.Key() == condition.Key() && event.Active() {
			copied := *event
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) setSaveErr(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []*Transition
}

func (r *recordingSink) Dispatch(t *Transition) {
	r.mu.Lock()
	r.transitions = append(r.transitions, t)
	r.mu.Unlock()
}

func (r *recordingSink) kinds() []TransitionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]TransitionKind, len(r.transitions))
	for i, t := range r.transitions {
		kinds[i] = t.Kind
	}
	return kinds
}

func testCondition() Condition {
	return Condition{PatientID: "patient-001", SignalType: vitals.SignalHeartRate}
}

func TestMachine_OpenAndResolve(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	m := NewMachine(store, sink, zap.NewNop())
	ctx := context.Background()
	cond := testCondition()

	tr, err := m.OnEvaluation(ctx, cond, vitals.StatusCritical, time.Now())
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}
	if tr.Kind != TransitionOpened {
		t.Fatalf("Expected opened transition, got %s", tr.Kind)
	}
	if tr.Event.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", tr.Event.Severity)
	}
	if m.ActiveCount() != 1 {
		t.Errorf("Expected 1 active event, got %d", m.ActiveCount())
	}

	tr, err = m.OnEvaluation(ctx, cond, vitals.StatusNormal, time.Now())
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}
	if tr.Kind != TransitionResolved {
		t.Fatalf("Expected resolved transition, got %s", tr.Kind)
	}
	if tr.Event.ResolvedAt == nil {
		t.Error("Expected resolved_at to be set")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("Expected 0 active events, got %d", m.ActiveCount())
	}
}

func TestMachine_NormalWithoutEventIsNoop(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	m := NewMachine(store, sink, zap.NewNop())

	tr, err := m.OnEvaluation(context.Background(), testCondition(), vitals.StatusNormal, time.Now())
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}
	if tr != nil {
		t.Fatalf("Expected no transition, got %s", tr.Kind)
	}
	if len(sink.kinds()) != 0 {
		t.Errorf("Expected no dispatches, got %v", sink.kinds())
	}
}

func TestMachine_SeverityEscalatesInPlace(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	m := NewMachine(store, sink, zap.NewNop())
	ctx := context.Background()
	cond := testCondition()

	opened, err := m.OnEvaluation(ctx, cond, vitals.StatusWarning, time.Now())
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}
	firstUpdated := opened.Event.LastUpdatedAt

	later := time.Now().Add(time.Second)
	updated, err := m.OnEvaluation(ctx, cond, vitals.StatusCritical, later)
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}

	if updated.Kind != TransitionUpdated {
		t.Fatalf("Expected updated transition, got %s", updated.Kind)
	}
	if updated.Event.ID != opened.Event.ID {
		t.Error("Escalation must not open a second event")
	}
	if updated.Event.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", updated.Event.Severity)
	}
	if !updated.Event.LastUpdatedAt.After(firstUpdated) {
		t.Error("Expected last_updated_at to advance")
	}
	if m.ActiveCount() != 1 {
		t.Errorf("Expected 1 active event, got %d", m.ActiveCount())
	}
}

func TestMachine_AcknowledgeLifecycle(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	m := NewMachine(store, sink, zap.NewNop())
	ctx := context.Background()
	cond := testCondition()

	opened, _ := m.OnEvaluation(ctx, cond, vitals.StatusCritical, time.Now())

	ack, err := m.Acknowledge(ctx, opened.Event.ID, "nurse-7")
	if err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if ack.Kind != TransitionAcknowledged {
		t.Fatalf("Expected acknowledged transition, got %s", ack.Kind)
	}
	if ack.Event.AcknowledgedBy != "nurse-7" {
		t.Errorf("Expected acknowledged_by nurse-7, got %s", ack.Event.AcknowledgedBy)
	}

	// Double acknowledge is rejected
	if _, err := m.Acknowledge(ctx, opened.Event.ID, "nurse-8"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	// Acknowledged events still resolve on recovery
	resolved, err := m.OnEvaluation(ctx, cond, vitals.StatusNormal, time.Now())
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}
	if resolved.Kind != TransitionResolved {
		t.Fatalf("Expected resolved transition, got %s", resolved.Kind)
	}
}

func TestMachine_ResolvedIsTerminal(t *testing.T) {
	store := newFakeStore()
	m := NewMachine(store, &recordingSink{}, zap.NewNop())
	ctx := context.Background()
	cond := testCondition()

	opened, _ := m.OnEvaluation(ctx, cond, vitals.StatusCritical, time.Now())
	m.OnEvaluation(ctx, cond, vitals.StatusNormal, time.Now())

	if _, err := m.Acknowledge(ctx, opened.Event.ID, "nurse-7"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition after resolve, got %v", err)
	}
	if _, err := m.Resolve(ctx, opened.Event.ID, "nurse-7"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition after resolve, got %v", err)
	}

	// A fresh excursion opens a new event instance
	reopened, err := m.OnEvaluation(ctx, cond, vitals.StatusWarning, time.Now())
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}
	if reopened.Kind != TransitionOpened {
		t.Fatalf("Expected opened transition, got %s", reopened.Kind)
	}
	if reopened.Event.ID == opened.Event.ID {
		t.Error("Expected a new event instance after resolution")
	}
}

func TestMachine_StoreFailureLeavesStateUnchanged(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	m := NewMachine(store, sink, zap.NewNop())
	ctx := context.Background()
	cond := testCondition()

	store.setSaveErr(errors.New("connection refused"))
	if _, err := m.OnEvaluation(ctx, cond, vitals.StatusCritical, time.Now()); err == nil {
		t.Fatal("Expected error when store is down")
	}
	if m.ActiveCount() != 0 {
		t.Errorf("Failed open must not leave an active event, got %d", m.ActiveCount())
	}
	if len(sink.kinds()) != 0 {
		t.Errorf("Failed open must not dispatch, got %v", sink.kinds())
	}

	// Store recovers; the condition opens cleanly
	store.setSaveErr(nil)
	opened, err := m.OnEvaluation(ctx, cond, vitals.StatusCritical, time.Now())
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}

	// Failed severity update rolls back
	store.setSaveErr(errors.New("connection refused"))
	if _, err := m.OnEvaluation(ctx, cond, vitals.StatusWarning, time.Now().Add(time.Second)); err == nil {
		t.Fatal("Expected error when store is down")
	}
	store.setSaveErr(nil)

	current, _ := store.FindOpen(ctx, cond)
	if current.Severity != SeverityCritical {
		t.Errorf("Expected severity unchanged after failed save, got %s", current.Severity)
	}
	if opened.Event.Severity != SeverityCritical {
		t.Errorf("Expected in-memory severity rolled back, got %s", opened.Event.Severity)
	}
}

func TestMachine_AdoptsOpenEventAfterRestart(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	cond := testCondition()

	// First machine instance opens the event
	first := NewMachine(store, &recordingSink{}, zap.NewNop())
	opened, _ := first.OnEvaluation(ctx, cond, vitals.StatusCritical, time.Now())

	// Second instance starts cold and must adopt rather than duplicate
	second := NewMachine(store, &recordingSink{}, zap.NewNop())
	updated, err := second.OnEvaluation(ctx, cond, vitals.StatusCritical, time.Now())
	if err != nil {
		t.Fatalf("OnEvaluation failed: %v", err)
	}
	if updated.Kind != TransitionUpdated {
		t.Fatalf("Expected updated transition, got %s", updated.Kind)
	}
	if updated.Event.ID != opened.Event.ID {
		t.Error("Expected restart to adopt the persisted event")
	}
}

func TestMachine_UnknownEventID(t *testing.T) {
	m := NewMachine(newFakeStore(), &recordingSink{}, zap.NewNop())

	if _, err := m.Acknowledge(context.Background(), "no-such-event", "nurse-7"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}
