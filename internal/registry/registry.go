package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Sink is the outbound side of a subscriber connection. Send must be safe
// to call after the underlying connection closed; it returns an error and
// the dispatcher treats it as a per-target delivery failure.
type Sink interface {
	Send(ctx context.Context, payload []byte) error
}

// Filter selects which patients' events a subscriber receives. An empty
// patient set with All=true receives everything (doctor/admin scope); the
// role logic that produces a filter lives outside this package.
type Filter struct {
	All      bool
	Patients map[string]struct{}
}

// FilterAll returns a filter matching every patient
func FilterAll() Filter {
	return Filter{All: true}
}

// FilterPatients returns a filter matching only the given patients
func FilterPatients(patientIDs ...string) Filter {
	set := make(map[string]struct{}, len(patientIDs))
	for _, id := range patientIDs {
		set[id] = struct{}{}
	}
	return Filter{Patients: set}
}

// Matches reports whether the filter covers the patient
func (f Filter) Matches(patientID string) bool {
	if f.All {
		return true
	}
	_, ok := f.Patients[patientID]
	return ok
}

// Subscriber holds one live realtime connection
type Subscriber struct {
	ConnectionID string
	Filter       Filter
	ConnectedAt  time.Time
	Sink         Sink

	mu           sync.RWMutex
	lastActiveAt time.Time
}

// Touch updates the last activity timestamp
func (s *Subscriber) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActiveAt = time.Now()
}

// LastActiveAt returns the last activity timestamp
func (s *Subscriber) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// Registry tracks active realtime subscribers and routes outbound events
// to the interested subset. Safe under concurrent register, unregister and
// resolve; resolution returns a snapshot, so a target that disconnects
// before the send is a per-target delivery failure, never a blocked
// registration.
type Registry struct {
	subscribers map[string]*Subscriber
	byPatient   map[string]map[string]struct{} // patient id -> connection ids
	wildcard    map[string]struct{}            // connection ids with an all-patients filter
	mu          sync.RWMutex
	maxConns    int
}

// NewRegistry creates a subscriber registry
func NewRegistry(maxConnections int) *Registry {
	return &Registry{
		subscribers: make(map[string]*Subscriber),
		byPatient:   make(map[string]map[string]struct{}),
		wildcard:    make(map[string]struct{}),
		maxConns:    maxConnections,
	}
}

// Register adds a subscriber connection
func (r *Registry) Register(connectionID string, filter Filter, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.subscribers) >= r.maxConns {
		return ErrMaxConnectionsReached
	}

	if _, exists := r.subscribers[connectionID]; exists {
		return fmt.Errorf("connection %s already registered", connectionID)
	}

	now := time.Now()
	sub := &Subscriber{
		ConnectionID: connectionID,
		Filter:       filter,
		ConnectedAt:  now,
		Sink:         sink,
		lastActiveAt: now,
	}
	r.subscribers[connectionID] = sub
	r.index(sub)

	return nil
}

// caller holds r.mu
func (r *Registry) index(sub *Subscriber) {
	if sub.Filter.All {
		r.wildcard[sub.ConnectionID] = struct{}{}
		return
	}
	for patientID := range sub.Filter.Patients {
		set, ok := r.byPatient[patientID]
		if !ok {
			set = make(map[string]struct{})
			r.byPatient[patientID] = set
		}
		set[sub.ConnectionID] = struct{}{}
	}
}

// caller holds r.mu
func (r *Registry) unindex(sub *Subscriber) {
	delete(r.wildcard, sub.ConnectionID)
	for patientID := range sub.Filter.Patients {
		if set, ok := r.byPatient[patientID]; ok {
			delete(set, sub.ConnectionID)
			if len(set) == 0 {
				delete(r.byPatient, patientID)
			}
		}
	}
}

// Unregister removes a subscriber. Already-enqueued dispatch tasks keep
// their snapshot and fail naturally against the closed connection.
func (r *Registry) Unregister(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subscribers[connectionID]
	if !exists {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	r.unindex(sub)
	delete(r.subscribers, connectionID)

	return nil
}

// UpdateFilter replaces a subscriber's patient filter in place
func (r *Registry) UpdateFilter(connectionID string, filter Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, exists := r.subscribers[connectionID]
	if !exists {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	r.unindex(sub)
	sub.Filter = filter
	r.index(sub)

	return nil
}

// Get retrieves a subscriber by connection ID
func (r *Registry) Get(connectionID string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.subscribers[connectionID]
	return sub, exists
}

// ResolveTargets returns the connection IDs interested in a patient's
// events. The result is a copy; it may include a connection that is gone
// by send time.
func (r *Registry) ResolveTargets(patientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]string, 0, len(r.wildcard)+len(r.byPatient[patientID]))
	for connID := range r.wildcard {
		targets = append(targets, connID)
	}
	for connID := range r.byPatient[patientID] {
		targets = append(targets, connID)
	}
	return targets
}

// Touch updates the last activity timestamp for a connection
func (r *Registry) Touch(connectionID string) error {
	r.mu.RLock()
	sub, exists := r.subscribers[connectionID]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection %s not found", connectionID)
	}

	sub.Touch()
	return nil
}

// GetInactive returns connection IDs with no activity within the timeout
func (r *Registry) GetInactive(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var inactive []string
	for connID, sub := range r.subscribers {
		if now.Sub(sub.LastActiveAt()) > timeout {
			inactive = append(inactive, connID)
		}
	}
	return inactive
}

// Count returns the total number of active subscribers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Stats returns statistics about the registry
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		TotalConnections:  len(r.subscribers),
		WatchedPatients:   len(r.byPatient),
		WildcardListeners: len(r.wildcard),
		MaxConnections:    r.maxConns,
	}
}

// Stats contains registry statistics
type Stats struct {
	TotalConnections  int
	WatchedPatients   int
	WildcardListeners int
	MaxConnections    int
}

var (
	ErrMaxConnectionsReached = &RegistryError{"maximum connections reached"}
)

// RegistryError represents a registry error
type RegistryError struct {
	msg string
}

func (e *RegistryError) Error() string {
	return e.msg
}
