package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestMonitorTransitions(t *testing.T) {
	t.Run("ImmediateCommitWithoutDebounce", func(t *testing.T) {
		m := NewMonitor(Config{InitialOnline: true, Debounce: 0}, nil)
		defer m.Close()

		var mu sync.Mutex
		var events []bool
		unsub := m.Subscribe(func(online bool) {
			mu.Lock()
			events = append(events, online)
			mu.Unlock()
		})
		defer unsub()

		m.Report(false)
		if m.Online() {
			t.Fatal("expected offline after report")
		}
		m.Report(true)
		if !m.Online() {
			t.Fatal("expected online after report")
		}

		mu.Lock()
		defer mu.Unlock()
		if len(events) != 2 || events[0] != false || events[1] != true {
			t.Fatalf("events = %v, want [false true]", events)
		}
	})

	t.Run("SameStateReportIsANoOp", func(t *testing.T) {
		m := NewMonitor(Config{InitialOnline: true, Debounce: 0}, nil)
		defer m.Close()

		calls := 0
		m.Subscribe(func(bool) { calls++ })

		m.Report(true)
		m.Report(true)
		if calls != 0 {
			t.Fatalf("listener calls = %d, want 0", calls)
		}
	})

	t.Run("DebounceAbsorbsFlapping", func(t *testing.T) {
		m := NewMonitor(Config{InitialOnline: true, Debounce: 50 * time.Millisecond}, nil)
		defer m.Close()

		var mu sync.Mutex
		calls := 0
		m.Subscribe(func(bool) {
			mu.Lock()
			calls++
			mu.Unlock()
		})

		// Flap: offline then back online inside the window.
		m.Report(false)
		time.Sleep(10 * time.Millisecond)
		m.Report(true)

		time.Sleep(100 * time.Millisecond)
		if !m.Online() {
			t.Fatal("flap should not have been committed")
		}
		mu.Lock()
		if calls != 0 {
			t.Fatalf("listener calls = %d, want 0 after absorbed flap", calls)
		}
		mu.Unlock()

		// A sustained change is committed once the window elapses.
		m.Report(false)
		time.Sleep(100 * time.Millisecond)
		if m.Online() {
			t.Fatal("sustained offline should have been committed")
		}
		mu.Lock()
		if calls != 1 {
			t.Fatalf("listener calls = %d, want 1", calls)
		}
		mu.Unlock()
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		m := NewMonitor(Config{InitialOnline: true, Debounce: 0}, nil)
		defer m.Close()

		calls := 0
		unsub := m.Subscribe(func(bool) { calls++ })
		unsub()

		m.Report(false)
		if calls != 0 {
			t.Fatalf("listener calls = %d, want 0 after unsubscribe", calls)
		}
	})
}

func TestMonitorProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := NewMonitor(Config{
		ProbeURL:      srv.URL,
		ProbeInterval: 10 * time.Millisecond,
		Debounce:      0,
		InitialOnline: false,
	}, nil)
	m.Start(context.Background())
	defer m.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !m.Online() {
		if time.Now().After(deadline) {
			t.Fatal("probe never reported online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
