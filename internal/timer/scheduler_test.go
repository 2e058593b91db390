package timer

import (
	"sync"
	"testing"
	"time"
)

func TestScheduler_Schedule(t *testing.T) {
	s := NewScheduler(2)
	s.Start()
	defer s.Stop()

	executed := false
	var mu sync.Mutex

	err := s.Schedule("task1", time.Now().Add(50*time.Millisecond), func() {
		mu.Lock()
		executed = true
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	if !executed {
		t.Error("Task was not executed")
	}
	mu.Unlock()
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler(2)
	s.Start()
	defer s.Stop()

	executed := false
	var mu sync.Mutex

	s.Schedule("task1", time.Now().Add(100*time.Millisecond), func() {
		mu.Lock()
		executed = true
		mu.Unlock()
	})

	if !s.Cancel("task1") {
		t.Error("Cancel returned false")
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	if executed {
		t.Error("Cancelled task was executed")
	}
	mu.Unlock()

	if s.Cancel("task1") {
		t.Error("Cancel of unknown task returned true")
	}
}

func TestScheduler_ReplaceSameID(t *testing.T) {
	s := NewScheduler(2)
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var runs []string

	s.Schedule("task1", time.Now().Add(50*time.Millisecond), func() {
		mu.Lock()
		runs = append(runs, "first")
		mu.Unlock()
	})
	s.Schedule("task1", time.Now().Add(80*time.Millisecond), func() {
		mu.Lock()
		runs = append(runs, "second")
		mu.Unlock()
	})

	time.Sleep(250 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 1 || runs[0] != "second" {
		t.Errorf("Expected only the replacement to run, got %v", runs)
	}
}

func TestScheduler_ExecutionOrder(t *testing.T) {
	s := NewScheduler(1)
	s.Start()
	defer s.Stop()

	var mu sync.Mutex
	var order []string

	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	// Scheduled out of order; must execute by run time
	s.Schedule("c", time.Now().Add(150*time.Millisecond), record("c"))
	s.Schedule("a", time.Now().Add(50*time.Millisecond), record("a"))
	s.Schedule("b", time.Now().Add(100*time.Millisecond), record("b"))

	time.Sleep(400 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("Expected [a b c], got %v", order)
	}
}

func TestScheduler_ScheduleAfterStop(t *testing.T) {
	s := NewScheduler(1)
	s.Start()
	s.Stop()

	err := s.Schedule("late", time.Now().Add(time.Millisecond), func() {})
	if err != ErrSchedulerStopped {
		t.Errorf("Expected ErrSchedulerStopped, got %v", err)
	}
}

func TestScheduler_Stats(t *testing.T) {
	s := NewScheduler(3)
	s.Start()
	defer s.Stop()

	s.Schedule("task1", time.Now().Add(time.Hour), func() {})
	s.Schedule("task2", time.Now().Add(time.Hour), func() {})

	stats := s.Stats()
	if stats.PendingTasks != 2 {
		t.Errorf("Expected 2 pending tasks, got %d", stats.PendingTasks)
	}
	if stats.Workers != 3 {
		t.Errorf("Expected 3 workers, got %d", stats.Workers)
	}
}
