// Package sync implements the offline-first synchronization core: the
// durable priority queue of pending operations, the conflict resolver,
// the entity adapter registry, the bandwidth estimator, and the
// orchestrator that drains the queue.
package sync

import (
	"encoding/json"
	"sort"
	stdsync "sync"

	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/events"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/store"
)

// Queue is the durable list of pending operations. It keeps an in-memory
// mirror of the entries persisted under "syncQueue:<id>"; every mutation
// updates the store before the mirror so the two stay reconcilable after
// a restart.
type Queue struct {
	backend store.Backend
	bus     *events.Bus
	clk     clock.Clock

	mu    stdsync.RWMutex
	items map[models.UUID]*models.SyncItem
}

// NewQueue creates an empty queue. Call Reload to rebuild the mirror from
// persisted entries.
func NewQueue(backend store.Backend, bus *events.Bus, clk clock.Clock) *Queue {
	return &Queue{
		backend: backend,
		bus:     bus,
		clk:     clk,
		items:   make(map[models.UUID]*models.SyncItem),
	}
}

// Enqueue assigns an id, persists the item, mirrors it, and publishes
// sync.queued. A zero Priority gets the entity type's default; a zero
// Status defaults to PendingUpload.
func (q *Queue) Enqueue(item *models.SyncItem) error {
	now := q.clk.NowMillis()
	if item.ID == "" {
		item.ID = models.UUID(models.NewID())
	}
	if item.Status == "" {
		item.Status = models.StatusPendingUpload
	}
	if item.Priority == 0 {
		item.Priority = item.EntityType.DefaultPriority()
	}
	if item.LastModified == 0 {
		item.LastModified = now
	}
	item.RetryCount = 0
	item.CreatedAt = now
	item.UpdatedAt = now

	if err := q.persist(item); err != nil {
		return err
	}

	q.mu.Lock()
	q.items[item.ID] = item
	q.mu.Unlock()

	logging.Debug("enqueued sync item", map[string]interface{}{
		"id":          item.ID,
		"entity_type": item.EntityType,
		"entity_id":   item.EntityID,
		"operation":   item.Operation,
		"priority":    item.Priority,
	})

	return q.bus.Publish(events.Event{
		Type: events.EventSyncQueued,
		Payload: map[string]interface{}{
			"item_id":     string(item.ID),
			"entity_type": string(item.EntityType),
			"entity_id":   item.EntityID,
			"operation":   string(item.Operation),
			"priority":    item.Priority,
		},
	})
}

// Reload rebuilds the in-memory mirror from the persisted queue entries.
// Corrupt entries are logged and skipped. Returns the number of items
// loaded.
func (q *Queue) Reload() (int, error) {
	pairs, err := q.backend.GetByPrefix(models.QueueKeyPrefix)
	if err != nil {
		return 0, models.WrapError(models.ErrStorage, "reload sync queue", err)
	}

	items := make(map[models.UUID]*models.SyncItem, len(pairs))
	for key, raw := range pairs {
		var item models.SyncItem
		if err := json.Unmarshal(raw, &item); err != nil {
			logging.Warn("skipping corrupt queue entry", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			continue
		}
		items[item.ID] = &item
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	return len(items), nil
}

// Eligible returns copies of the items ready for automatic draining,
// sorted by priority descending, ties broken by retry count ascending.
func (q *Queue) Eligible() []*models.SyncItem {
	q.mu.RLock()
	out := make([]*models.SyncItem, 0, len(q.items))
	for _, item := range q.items {
		if item.Status.Pending() {
			cp := *item
			out = append(out, &cp)
		}
	}
	q.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].RetryCount != out[j].RetryCount {
			return out[i].RetryCount < out[j].RetryCount
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Get returns a copy of the item, or nil when absent.
func (q *Queue) Get(id models.UUID) *models.SyncItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.items[id]
	if !ok {
		return nil
	}
	cp := *item
	return &cp
}

// Update persists the item and refreshes the mirror.
func (q *Queue) Update(item *models.SyncItem) error {
	item.Touch()
	if err := q.persist(item); err != nil {
		return err
	}
	cp := *item
	q.mu.Lock()
	q.items[item.ID] = &cp
	q.mu.Unlock()
	return nil
}

// Complete removes the item from the store and the mirror. An item that
// reached Synced must no longer appear in either.
func (q *Queue) Complete(id models.UUID) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if ok {
		delete(q.items, id)
	}
	q.mu.Unlock()
	if !ok {
		return models.NewError(models.ErrNotFound, "sync item not found: "+string(id))
	}
	if err := q.backend.Remove(item.QueueKey()); err != nil {
		return models.WrapError(models.ErrStorage, "remove completed sync item", err)
	}
	return nil
}

// Fail records a transient failure: retry count increments, the error is
// recorded, and at MaxAutoRetries the status flips to Error. The item
// stays queued either way. Returns a copy of the updated item.
func (q *Queue) Fail(id models.UUID, cause error) (*models.SyncItem, error) {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return nil, models.NewError(models.ErrNotFound, "sync item not found: "+string(id))
	}
	item.RetryCount++
	item.Error = cause.Error()
	if item.RetryCount >= models.MaxAutoRetries {
		item.Status = models.StatusError
	}
	item.Touch()
	cp := *item
	q.mu.Unlock()

	if err := q.persist(&cp); err != nil {
		return nil, err
	}

	if cp.Status == models.StatusError {
		logging.Warn("sync item exhausted automatic retries", map[string]interface{}{
			"id": cp.ID, "entity_type": cp.EntityType, "retry_count": cp.RetryCount,
		})
	}
	return &cp, nil
}

// SetStatus updates one item's status in store and mirror.
func (q *Queue) SetStatus(id models.UUID, status models.SyncStatus) error {
	q.mu.Lock()
	item, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return models.NewError(models.ErrNotFound, "sync item not found: "+string(id))
	}
	item.Status = status
	item.Touch()
	cp := *item
	q.mu.Unlock()
	return q.persist(&cp)
}

// RetryErrored resets Error items back to pending with a fresh retry
// budget. Returns the number reset.
func (q *Queue) RetryErrored() (int, error) {
	q.mu.Lock()
	var reset []models.SyncItem
	for _, item := range q.items {
		if item.Status == models.StatusError {
			item.Status = models.StatusPendingUpload
			if item.Operation == models.OpRead {
				item.Status = models.StatusPendingDownload
			}
			item.RetryCount = 0
			item.Error = ""
			item.Touch()
			reset = append(reset, *item)
		}
	}
	q.mu.Unlock()

	for i := range reset {
		if err := q.persist(&reset[i]); err != nil {
			return i, err
		}
	}
	if len(reset) > 0 {
		logging.Info("reset errored sync items for retry",
			map[string]interface{}{"count": len(reset)})
	}
	return len(reset), nil
}

// Len returns the mirror size.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Stats summarizes the queue by status.
type Stats struct {
	Total           int
	PendingUpload   int
	PendingDownload int
	Conflict        int
	Error           int
}

// Stats counts mirror items per status.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var s Stats
	for _, item := range q.items {
		s.Total++
		switch item.Status {
		case models.StatusPendingUpload:
			s.PendingUpload++
		case models.StatusPendingDownload:
			s.PendingDownload++
		case models.StatusConflict:
			s.Conflict++
		case models.StatusError:
			s.Error++
		}
	}
	return s
}

func (q *Queue) persist(item *models.SyncItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return models.WrapError(models.ErrInternal, "marshal sync item", err)
	}
	if err := q.backend.Set(item.QueueKey(), raw); err != nil {
		return models.WrapError(models.ErrStorage, "persist sync item", err)
	}
	return nil
}
