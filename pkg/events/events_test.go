package events

import (
	"sync"
	"testing"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var got []Type
	b.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
	})
	b.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Type)
	})

	b.Publish(Event{Type: TypeRequestInitiated, RequestID: "r1"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
}

func TestBusIsolatesPanickingSubscriber(t *testing.T) {
	b := New(nil)

	called := false
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { called = true })

	b.Publish(Event{Type: TypeRequestInitiated, RequestID: "r1"})

	if !called {
		t.Fatal("second subscriber should still be called after first panics")
	}
}

func TestBusSnapshotTracksInflightRequests(t *testing.T) {
	b := New(nil)

	b.Publish(Event{Type: TypeRequestInitiated, RequestID: "r1"})
	b.Publish(Event{Type: TypeRequestInitiated, RequestID: "r2"})

	snap := b.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 inflight requests, got %d", len(snap))
	}

	b.Publish(Event{Type: TypeResponse, RequestID: "r1"})

	snap = b.Snapshot()
	if len(snap) != 1 || snap[0] != "r2" {
		t.Fatalf("expected only r2 inflight, got %v", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := New(nil)
	b.Publish(Event{Type: TypeRequestInitiated, RequestID: "r1"})

	snap := b.Snapshot()
	snap[0] = "mutated"

	snap2 := b.Snapshot()
	if snap2[0] == "mutated" {
		t.Fatal("snapshot mutation leaked into bus state")
	}
}
