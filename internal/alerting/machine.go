package alerting

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/techxen/vitals-server/internal/vitals"
)

const lockStripes = 64

// Store is the persistence boundary for alert events. A transition is not
// considered committed until Save returns nil.
type Store interface {
	// Save inserts or updates the event.
	Save(ctx context.Context, event *Event) error
	// FindOpen returns the open or acknowledged event for the condition,
	// or nil when none exists.
	FindOpen(ctx context.Context, condition Condition) (*Event, error)
}

// TransitionSink receives every successful transition. Implementations must
// not block; the dispatcher queues internally.
type TransitionSink interface {
	Dispatch(t *Transition)
}

// Machine tracks alert lifecycles per condition and enforces the
// at-most-one-active-event-per-condition invariant. Evaluations for one
// condition must arrive serialized (the ingest lanes guarantee this);
// acknowledge/resolve calls may arrive from any goroutine.
type Machine struct {
	store  Store
	sink   TransitionSink
	logger *zap.Logger

	mu     sync.RWMutex
	active map[string]*Event // condition key -> open/acknowledged event
	byID   map[string]*Event // event id -> open/acknowledged event

	stripes [lockStripes]sync.Mutex
}

// NewMachine creates an alert state machine
func NewMachine(store Store, sink TransitionSink, logger *zap.Logger) *Machine {
	return &Machine{
		store:  store,
		sink:   sink,
		logger: logger,
		active: make(map[string]*Event),
		byID:   make(map[string]*Event),
	}
}

func (m *Machine) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.stripes[h.Sum32()%lockStripes]
}

func (m *Machine) lookup(key string) *Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[key]
}

func (m *Machine) adopt(event *Event) {
	m.mu.Lock()
	m.active[event.Condition.Key()] = event
	m.byID[event.ID] = event
	m.mu.Unlock()
}

func (m *Machine) retire(event *Event) {
	m.mu.Lock()
	delete(m.active, event.Condition.Key())
	delete(m.byID, event.ID)
	m.mu.Unlock()
}

// current returns the active event for the key, consulting the store when
// the in-memory index is cold (e.g. after a restart). Caller holds the
// condition's stripe lock.
func (m *Machine) current(ctx context.Context, condition Condition) (*Event, error) {
	key := condition.Key()
	if event := m.lookup(key); event != nil {
		return event, nil
	}

	event, err := m.store.FindOpen(ctx, condition)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open event: %w", err)
	}
	if event != nil {
		m.adopt(event)
	}
	return event, nil
}

// OnEvaluation applies one evaluation result to the condition's alert state.
// It returns the resulting transition, or nil when the evaluation is a
// no-op (normal reading with no active event). A store failure is returned
// to the caller and leaves state unchanged.
func (m *Machine) OnEvaluation(ctx context.Context, condition Condition, status vitals.Status, timestamp time.Time) (*Transition, error) {
	lock := m.stripe(condition.Key())
	lock.Lock()
	defer lock.Unlock()

	event, err := m.current(ctx, condition)
	if err != nil {
		return nil, err
	}

	severity, alerting := SeverityFromStatus(status)
	if !alerting {
		if event == nil {
			return nil, nil
		}
		return m.resolveLocked(ctx, event, timestamp, "")
	}

	if event == nil {
		event = &Event{
			ID:            uuid.New().String(),
			Condition:     condition,
			Severity:      severity,
			Status:        EventOpen,
			TriggeredAt:   timestamp,
			LastUpdatedAt: timestamp,
		}
		if err := m.store.Save(ctx, event); err != nil {
			return nil, fmt.Errorf("failed to persist new event: %w", err)
		}
		m.adopt(event)

		m.logger.Info("alert opened",
			zap.String("event_id", event.ID),
			zap.String("condition", condition.Key()),
			zap.String("severity", string(severity)),
		)
		return m.emit(TransitionOpened, event), nil
	}

	// Severity may escalate or de-escalate without closing the event;
	// either way the event refreshes.
	prevSeverity, prevUpdated := event.Severity, event.LastUpdatedAt
	event.Severity = severity
	event.LastUpdatedAt = timestamp
	if err := m.store.Save(ctx, event); err != nil {
		event.Severity, event.LastUpdatedAt = prevSeverity, prevUpdated
		return nil, fmt.Errorf("failed to persist event update: %w", err)
	}

	return m.emit(TransitionUpdated, event), nil
}

// Acknowledge marks an open event as acknowledged by the given actor.
// Only legal from open.
func (m *Machine) Acknowledge(ctx context.Context, eventID, actorID string) (*Transition, error) {
	m.mu.RLock()
	event := m.byID[eventID]
	m.mu.RUnlock()
	if event == nil {
		return nil, ErrInvalidTransition
	}

	lock := m.stripe(event.Condition.Key())
	lock.Lock()
	defer lock.Unlock()

	if event.Status != EventOpen {
		return nil, ErrInvalidTransition
	}

	prevStatus, prevBy, prevUpdated := event.Status, event.AcknowledgedBy, event.LastUpdatedAt
	event.Status = EventAcknowledged
	event.AcknowledgedBy = actorID
	event.LastUpdatedAt = time.Now()
	if err := m.store.Save(ctx, event); err != nil {
		event.Status, event.AcknowledgedBy, event.LastUpdatedAt = prevStatus, prevBy, prevUpdated
		return nil, fmt.Errorf("failed to persist acknowledgement: %w", err)
	}

	m.logger.Info("alert acknowledged",
		zap.String("event_id", event.ID),
		zap.String("actor_id", actorID),
	)
	return m.emit(TransitionAcknowledged, event), nil
}

// Resolve closes an event manually. Legal from open or acknowledged.
func (m *Machine) Resolve(ctx context.Context, eventID, actorID string) (*Transition, error) {
	m.mu.RLock()
	event := m.byID[eventID]
	m.mu.RUnlock()
	if event == nil {
		return nil, ErrInvalidTransition
	}

	lock := m.stripe(event.Condition.Key())
	lock.Lock()
	defer lock.Unlock()

	if !event.Active() {
		return nil, ErrInvalidTransition
	}

	return m.resolveLocked(ctx, event, time.Now(), actorID)
}

// resolveLocked transitions an active event to resolved. Caller holds the
// condition's stripe lock.
func (m *Machine) resolveLocked(ctx context.Context, event *Event, timestamp time.Time, actorID string) (*Transition, error) {
	prev := *event
	event.Status = EventResolved
	event.ResolvedAt = &timestamp
	event.ResolvedBy = actorID
	event.LastUpdatedAt = timestamp
	if err := m.store.Save(ctx, event); err != nil {
		*event = prev
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}
	m.retire(event)

	m.logger.Info("alert resolved",
		zap.String("event_id", event.ID),
		zap.String("condition", event.Condition.Key()),
	)
	return m.emit(TransitionResolved, event), nil
}

// emit hands the transition to dispatch. Emission is synchronous with the
// transition so no successful transition is silently dropped.
func (m *Machine) emit(kind TransitionKind, event *Event) *Transition {
	t := &Transition{Kind: kind, Event: *event}
	if m.sink != nil {
		m.sink.Dispatch(t)
	}
	return t
}

// ActiveCount returns the number of currently active events
func (m *Machine) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
