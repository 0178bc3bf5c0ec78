// Package events provides the in-process publish/subscribe bus with a
// durable, replayable event log.
package events

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/store"
)

// Origin tags where an event was produced. Remote events are never
// forwarded back over the duplex connection.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Event is one bus message. The durable log is the source of truth for
// replay; handler notification is a side effect of publishing, never the
// persistence mechanism.
type Event struct {
	ID        models.UUID            `json:"id"`
	Type      string                 `json:"type"`
	Timestamp int64                  `json:"timestamp"` // unix ms
	Source    string                 `json:"source"`
	Origin    Origin                 `json:"origin"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// LogKeyPrefix namespaces persisted events in the store.
const LogKeyPrefix = "eventLog:"

// Handler receives published events. Panics are recovered and logged.
type Handler func(Event)

// Broadcaster forwards local events over the duplex connection. The bridge
// implements it; a nil broadcaster means events stay local.
type Broadcaster interface {
	Send(Event) error
}

// PublishOptions tunes a single publish call.
type PublishOptions struct {
	SkipStorage   bool
	SkipBroadcast bool
}

// ReplayFilter selects events from the durable log.
type ReplayFilter struct {
	Types     []string // empty means all
	Since     int64    // unix ms inclusive; 0 means from the beginning
	SkipTypes []string
}

type subscription struct {
	id      int
	handler Handler
}

// Bus is the event bus. Notification is synchronous: all handlers for a
// type run before Publish returns.
type Bus struct {
	backend     store.Backend
	clk         clock.Clock
	broadcaster Broadcaster

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
}

// NewBus creates a bus persisting its log into backend.
func NewBus(backend store.Backend, clk clock.Clock) *Bus {
	if clk == nil {
		clk = clock.System{}
	}
	return &Bus{
		backend: backend,
		clk:     clk,
		subs:    make(map[string][]subscription),
	}
}

// SetBroadcaster attaches the duplex forwarder. Call before the bridge
// starts delivering; typically once during wiring.
func (b *Bus) SetBroadcaster(bc Broadcaster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcaster = bc
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe closure.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish appends the event to the durable log, synchronously notifies
// local subscribers, then forwards it over the duplex connection. Remote-
// origin events and connection-lifecycle events are never forwarded.
func (b *Bus) Publish(evt Event, opts ...PublishOptions) error {
	var opt PublishOptions
	if len(opts) > 0 {
		opt = opts[0]
	}

	if evt.ID == "" {
		evt.ID = models.UUID(models.NewID())
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = b.clk.NowMillis()
	}
	if evt.Origin == "" {
		evt.Origin = OriginLocal
	}

	if !opt.SkipStorage {
		raw, err := json.Marshal(&evt)
		if err != nil {
			return models.WrapError(models.ErrInternal, "marshal event", err)
		}
		if err := b.backend.Set(LogKeyPrefix+string(evt.ID), raw); err != nil {
			return err
		}
	}

	b.notify(evt)

	if !opt.SkipBroadcast && evt.Origin == OriginLocal && !lifecycleTypes[evt.Type] {
		b.mu.RLock()
		bc := b.broadcaster
		b.mu.RUnlock()
		if bc != nil {
			if err := bc.Send(evt); err != nil {
				logging.Warn("duplex forward failed",
					map[string]interface{}{"type": evt.Type, "error": err.Error()})
			}
		}
	}
	return nil
}

// Replay reads the durable log, sorts by timestamp, and re-notifies local
// subscribers. Replayed events are not re-persisted and never forwarded.
// Returns the number of events delivered.
func (b *Bus) Replay(filter ReplayFilter) (int, error) {
	batch, err := b.backend.GetByPrefix(LogKeyPrefix)
	if err != nil {
		return 0, err
	}

	want := toSet(filter.Types)
	skip := toSet(filter.SkipTypes)

	evts := make([]Event, 0, len(batch))
	for key, raw := range batch {
		var evt Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			logging.Warn("skipping corrupt event log entry",
				map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		if len(want) > 0 && !want[evt.Type] {
			continue
		}
		if skip[evt.Type] {
			continue
		}
		if filter.Since > 0 && evt.Timestamp < filter.Since {
			continue
		}
		evts = append(evts, evt)
	}

	sort.Slice(evts, func(i, j int) bool { return evts[i].Timestamp < evts[j].Timestamp })

	for _, evt := range evts {
		b.notify(evt)
	}
	return len(evts), nil
}

// ClearLog removes every persisted event.
func (b *Bus) ClearLog() error {
	batch, err := b.backend.GetByPrefix(LogKeyPrefix)
	if err != nil {
		return err
	}
	for key := range batch {
		if err := b.backend.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

// notify runs every subscriber for the event's type, recovering panics so
// one handler cannot break delivery to the rest.
func (b *Bus) notify(evt Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[evt.Type]))
	copy(subs, b.subs[evt.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("event handler panicked", nil,
						map[string]interface{}{"type": evt.Type, "panic": r})
				}
			}()
			s.handler(evt)
		}()
	}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
