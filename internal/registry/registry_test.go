package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

type nopSink struct{}

func (nopSink) Send(context.Context, []byte) error { return nil }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(10)

	err := r.Register("conn1", FilterPatients("patient-001"), nopSink{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if r.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", r.Count())
	}

	sub, exists := r.Get("conn1")
	if !exists {
		t.Fatal("Subscriber not found")
	}
	if !sub.Filter.Matches("patient-001") {
		t.Error("Expected filter to match patient-001")
	}
	if sub.Filter.Matches("patient-002") {
		t.Error("Expected filter not to match patient-002")
	}
}

func TestRegistry_RegisterMaxConnections(t *testing.T) {
	r := NewRegistry(2)

	r.Register("conn1", FilterAll(), nopSink{})
	r.Register("conn2", FilterAll(), nopSink{})

	// Third connection should fail
	err := r.Register("conn3", FilterAll(), nopSink{})
	if err != ErrMaxConnectionsReached {
		t.Errorf("Expected ErrMaxConnectionsReached, got %v", err)
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry(10)

	r.Register("conn1", FilterAll(), nopSink{})
	if err := r.Register("conn1", FilterAll(), nopSink{}); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}

func TestRegistry_ResolveTargets(t *testing.T) {
	r := NewRegistry(10)

	r.Register("narrow1", FilterPatients("patient-001"), nopSink{})
	r.Register("narrow2", FilterPatients("patient-001", "patient-002"), nopSink{})
	r.Register("other", FilterPatients("patient-003"), nopSink{})
	r.Register("wild", FilterAll(), nopSink{})

	targets := r.ResolveTargets("patient-001")
	sort.Strings(targets)
	want := []string{"narrow1", "narrow2", "wild"}
	if len(targets) != len(want) {
		t.Fatalf("Expected targets %v, got %v", want, targets)
	}
	for i := range want {
		if targets[i] != want[i] {
			t.Fatalf("Expected targets %v, got %v", want, targets)
		}
	}

	// Unwatched patient reaches only the wildcard listener
	targets = r.ResolveTargets("patient-999")
	if len(targets) != 1 || targets[0] != "wild" {
		t.Errorf("Expected [wild], got %v", targets)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(10)

	r.Register("conn1", FilterPatients("patient-001"), nopSink{})
	r.Register("conn2", FilterPatients("patient-001"), nopSink{})

	if err := r.Unregister("conn1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	if r.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", r.Count())
	}
	targets := r.ResolveTargets("patient-001")
	if len(targets) != 1 || targets[0] != "conn2" {
		t.Errorf("Expected [conn2], got %v", targets)
	}

	if err := r.Unregister("conn1"); err == nil {
		t.Error("Expected unregister of unknown connection to fail")
	}
}

func TestRegistry_UpdateFilter(t *testing.T) {
	r := NewRegistry(10)

	r.Register("conn1", FilterPatients("patient-001"), nopSink{})

	if err := r.UpdateFilter("conn1", FilterPatients("patient-002")); err != nil {
		t.Fatalf("UpdateFilter failed: %v", err)
	}

	if targets := r.ResolveTargets("patient-001"); len(targets) != 0 {
		t.Errorf("Expected no targets for patient-001, got %v", targets)
	}
	targets := r.ResolveTargets("patient-002")
	if len(targets) != 1 || targets[0] != "conn1" {
		t.Errorf("Expected [conn1] for patient-002, got %v", targets)
	}
}

func TestRegistry_GetInactive(t *testing.T) {
	r := NewRegistry(10)

	r.Register("idle", FilterAll(), nopSink{})
	r.Register("busy", FilterAll(), nopSink{})

	time.Sleep(20 * time.Millisecond)
	r.Touch("busy")

	inactive := r.GetInactive(10 * time.Millisecond)
	if len(inactive) != 1 || inactive[0] != "idle" {
		t.Errorf("Expected [idle], got %v", inactive)
	}
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry(100)

	r.Register("conn1", FilterPatients("patient-001", "patient-002"), nopSink{})
	r.Register("conn2", FilterAll(), nopSink{})

	stats := r.Stats()
	if stats.TotalConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", stats.TotalConnections)
	}
	if stats.WatchedPatients != 2 {
		t.Errorf("Expected 2 watched patients, got %d", stats.WatchedPatients)
	}
	if stats.WildcardListeners != 1 {
		t.Errorf("Expected 1 wildcard listener, got %d", stats.WildcardListeners)
	}
	if stats.MaxConnections != 100 {
		t.Errorf("Expected max 100, got %d", stats.MaxConnections)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn%d", n)
			patientID := fmt.Sprintf("patient-%03d", n%10)
			if err := r.Register(connID, FilterPatients(patientID), nopSink{}); err != nil {
				t.Errorf("Register failed: %v", err)
				return
			}
			r.ResolveTargets(patientID)
			r.Touch(connID)
			if n%2 == 0 {
				r.Unregister(connID)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 50 {
		t.Errorf("Expected 50 connections, got %d", r.Count())
	}
}
