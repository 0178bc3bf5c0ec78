package events

import (
	"sync"
	"testing"
	"time"

	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/store"
)

type captureBroadcaster struct {
	mu   sync.Mutex
	sent []Event
}

func (c *captureBroadcaster) Send(evt Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, evt)
	return nil
}

func (c *captureBroadcaster) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestPublishNotifiesSubscribers(t *testing.T) {
	bus := NewBus(store.NewMemStore(0), nil)

	var got []Event
	bus.Subscribe(EventSyncQueued, func(e Event) { got = append(got, e) })

	err := bus.Publish(Event{Type: EventSyncQueued, Payload: map[string]interface{}{"entity_id": "a1"}})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Delivery is synchronous; no waiting needed.
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].Payload["entity_id"] != "a1" {
		t.Errorf("payload lost: %v", got[0].Payload)
	}
	if got[0].ID == "" || got[0].Timestamp == 0 {
		t.Error("publish should assign id and timestamp")
	}
	if got[0].Origin != OriginLocal {
		t.Errorf("expected local origin, got %s", got[0].Origin)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(store.NewMemStore(0), nil)

	count := 0
	unsub := bus.Subscribe(EventSyncStarted, func(Event) { count++ })

	bus.Publish(Event{Type: EventSyncStarted})
	unsub()
	bus.Publish(Event{Type: EventSyncStarted})

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestHandlerPanicDoesNotBreakOthers(t *testing.T) {
	bus := NewBus(store.NewMemStore(0), nil)

	bus.Subscribe(EventSyncCompleted, func(Event) { panic("bad handler") })
	delivered := false
	bus.Subscribe(EventSyncCompleted, func(Event) { delivered = true })

	if err := bus.Publish(Event{Type: EventSyncCompleted}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if !delivered {
		t.Error("second handler should still run after first panics")
	}
}

func TestPublishReplayRoundTrip(t *testing.T) {
	bus := NewBus(store.NewMemStore(0), nil)

	if err := bus.Publish(Event{Type: EventAssessmentCreated, Payload: map[string]interface{}{"id": "a1"}}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// Subscribers registered after the fact still see the event via replay.
	var replayed []Event
	bus.Subscribe(EventAssessmentCreated, func(e Event) { replayed = append(replayed, e) })

	n, err := bus.Replay(ReplayFilter{Types: []string{EventAssessmentCreated}})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if n != 1 || len(replayed) != 1 {
		t.Fatalf("expected 1 replayed event, got n=%d len=%d", n, len(replayed))
	}
	if replayed[0].Type != EventAssessmentCreated || replayed[0].Payload["id"] != "a1" {
		t.Errorf("replayed event differs: %+v", replayed[0])
	}
}

func TestReplaySortsByTimestamp(t *testing.T) {
	clk := &clock.Fixed{T: time.UnixMilli(10_000)}
	bus := NewBus(store.NewMemStore(0), clk)

	// Publish out of order by forcing timestamps.
	bus.Publish(Event{Type: EventSyncQueued, Timestamp: 3_000})
	bus.Publish(Event{Type: EventSyncQueued, Timestamp: 1_000})
	bus.Publish(Event{Type: EventSyncQueued, Timestamp: 2_000})

	var order []int64
	bus.Subscribe(EventSyncQueued, func(e Event) { order = append(order, e.Timestamp) })

	if _, err := bus.Replay(ReplayFilter{}); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(order) != 3 || order[0] != 1_000 || order[1] != 2_000 || order[2] != 3_000 {
		t.Errorf("replay out of order: %v", order)
	}
}

func TestReplayDoesNotBroadcast(t *testing.T) {
	bus := NewBus(store.NewMemStore(0), nil)
	bc := &captureBroadcaster{}
	bus.SetBroadcaster(bc)

	bus.Publish(Event{Type: EventPhotoCreated})
	if bc.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", bc.count())
	}

	if _, err := bus.Replay(ReplayFilter{}); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if bc.count() != 1 {
		t.Errorf("replay must not re-broadcast, got %d sends", bc.count())
	}
}

func TestRemoteOriginNotForwarded(t *testing.T) {
	bus := NewBus(store.NewMemStore(0), nil)
	bc := &captureBroadcaster{}
	bus.SetBroadcaster(bc)

	bus.Publish(Event{Type: EventAssessmentUpdated, Origin: OriginRemote})
	if bc.count() != 0 {
		t.Error("remote-origin event must not loop back over the duplex connection")
	}
}

func TestLifecycleEventsNotForwarded(t *testing.T) {
	bus := NewBus(store.NewMemStore(0), nil)
	bc := &captureBroadcaster{}
	bus.SetBroadcaster(bc)

	bus.Publish(Event{Type: EventConnectionOpened})
	bus.Publish(Event{Type: EventNetworkOffline})
	if bc.count() != 0 {
		t.Errorf("lifecycle events must stay local, got %d sends", bc.count())
	}
}

func TestSkipStorageLeavesLogUntouched(t *testing.T) {
	backend := store.NewMemStore(0)
	bus := NewBus(backend, nil)

	bus.Publish(Event{Type: EventSyncProgress}, PublishOptions{SkipStorage: true})

	batch, err := backend.GetByPrefix(LogKeyPrefix)
	if err != nil {
		t.Fatalf("prefix scan failed: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("expected empty log, got %d entries", len(batch))
	}
}

func TestReplayFilters(t *testing.T) {
	bus := NewBus(store.NewMemStore(0), nil)

	bus.Publish(Event{Type: EventSyncQueued, Timestamp: 1_000})
	bus.Publish(Event{Type: EventSyncCompleted, Timestamp: 2_000})
	bus.Publish(Event{Type: EventSyncQueued, Timestamp: 3_000})

	var seen []string
	bus.Subscribe(EventSyncQueued, func(e Event) { seen = append(seen, e.Type) })
	bus.Subscribe(EventSyncCompleted, func(e Event) { seen = append(seen, e.Type) })

	n, err := bus.Replay(ReplayFilter{SkipTypes: []string{EventSyncCompleted}, Since: 2_000})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event after filters, got %d", n)
	}
	if len(seen) != 1 || seen[0] != EventSyncQueued {
		t.Errorf("wrong events delivered: %v", seen)
	}
}
