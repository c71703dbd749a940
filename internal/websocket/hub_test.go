package websocket

import (
	"fmt"
	"testing"
	"time"

	"github.com/proxmux/proxmux/internal/models"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(func() models.StateSnapshot {
		return models.StateSnapshot{LastUpdate: time.Now()}
	})
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func receive(t *testing.T, sub *Subscriber) models.Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscriber channel closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	hub := newTestHub(t)

	sub := hub.Subscribe()
	defer sub.Close()

	first := receive(t, sub)
	if first.Type != models.EventType("initialState") {
		t.Fatalf("first event type = %s, want initialState", first.Type)
	}
	if _, ok := first.Data.(models.StateSnapshot); !ok {
		t.Fatalf("first event data = %T, want StateSnapshot", first.Data)
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	hub := newTestHub(t)

	sub := hub.Subscribe()
	defer sub.Close()
	receive(t, sub) // initial snapshot

	const n = 50
	for i := 0; i < n; i++ {
		hub.Publish(models.Event{
			Type:     models.EventVMChanged,
			Endpoint: fmt.Sprintf("seq-%d", i),
		})
	}

	for i := 0; i < n; i++ {
		event := receive(t, sub)
		if want := fmt.Sprintf("seq-%d", i); event.Endpoint != want {
			t.Fatalf("event %d endpoint = %s, want %s (order violated)", i, event.Endpoint, want)
		}
	}
}

func TestAllSubscribersSeeTheSameOrder(t *testing.T) {
	hub := newTestHub(t)

	a := hub.Subscribe()
	defer a.Close()
	b := hub.Subscribe()
	defer b.Close()
	receive(t, a)
	receive(t, b)

	const n = 20
	for i := 0; i < n; i++ {
		hub.Publish(models.Event{Type: models.EventNodeChanged, Endpoint: fmt.Sprintf("seq-%d", i)})
	}

	for i := 0; i < n; i++ {
		ea := receive(t, a)
		eb := receive(t, b)
		if ea.Endpoint != eb.Endpoint {
			t.Fatalf("event %d diverged between subscribers: %s vs %s", i, ea.Endpoint, eb.Endpoint)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := newTestHub(t)

	slow := hub.Subscribe()

	fast := hub.Subscribe()
	defer fast.Close()
	fastDone := make(chan int)
	go func() {
		count := 0
		for range fast.Events() {
			count++
		}
		fastDone <- count
	}()

	// Never read from slow; overflow its buffer.
	for i := 0; i < subscriberBuffer+64; i++ {
		hub.Publish(models.Event{Type: models.EventVMChanged})
	}

	// The slow subscriber's channel must eventually close rather than stall
	// or reorder the stream.
	deadline := time.After(2 * time.Second)
	closed := false
	for !closed {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("slow subscriber was never dropped")
		}
	}

	// The keeping-up subscriber is unaffected.
	if hub.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", hub.SubscriberCount())
	}
	hub.Stop()
	if got := <-fastDone; got < subscriberBuffer+64 {
		t.Errorf("fast subscriber received %d events, want at least %d", got, subscriberBuffer+64)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := newTestHub(t)

	sub := hub.Subscribe()
	receive(t, sub)
	sub.Close()
	sub.Close()

	waitFor(t, func() bool { return hub.SubscriberCount() == 0 })
}

func TestStopClosesAllSubscribers(t *testing.T) {
	hub := NewHub(func() models.StateSnapshot { return models.StateSnapshot{} })
	go hub.Run()

	sub := hub.Subscribe()
	receive(t, sub)
	hub.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed after Stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
