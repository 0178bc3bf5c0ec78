// Package records provides the entity record cache: a thin layer over the
// durable store that attaches version and timestamp metadata to arbitrary
// domain snapshots.
package records

import (
	"encoding/json"
	"strings"

	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/store"
)

// Cache wraps a store backend with EntityRecord bookkeeping.
type Cache struct {
	backend store.Backend
	clk     clock.Clock
}

// NewCache creates a record cache over the given backend.
func NewCache(backend store.Backend, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.System{}
	}
	return &Cache{backend: backend, clk: clk}
}

// Put writes an entity snapshot through to the store, bumping Version and
// LastModified. The prior record's version is extended when present.
func (c *Cache) Put(entityType models.EntityType, entityID string, data json.RawMessage) (*models.EntityRecord, error) {
	now := c.clk.NowMillis()

	rec := &models.EntityRecord{
		Data: data,
		Meta: models.RecordMeta{
			EntityType:   entityType,
			EntityID:     entityID,
			Version:      1,
			LastModified: now,
			LastAccessed: now,
		},
	}

	if prev, err := c.Get(entityType, entityID); err != nil {
		return nil, err
	} else if prev != nil {
		rec.Meta.Version = prev.Meta.Version + 1
	}

	if err := c.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// PutRecord writes a fully formed record, preserving its metadata. Used by
// conflict resolution when server state replaces the local copy.
func (c *Cache) PutRecord(rec *models.EntityRecord) error {
	return c.write(rec)
}

// Get returns the stored record, or nil when absent. LastAccessed is
// refreshed best-effort; a failed refresh does not fail the read.
func (c *Cache) Get(entityType models.EntityType, entityID string) (*models.EntityRecord, error) {
	raw, ok, err := c.backend.Get(models.RecordKey(entityType, entityID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var rec models.EntityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, models.WrapError(models.ErrStorage, "corrupt entity record", err)
	}

	rec.Meta.LastAccessed = c.clk.NowMillis()
	_ = c.write(&rec)

	return &rec, nil
}

// List returns all records of one entity type keyed by entity id.
func (c *Cache) List(entityType models.EntityType) (map[string]*models.EntityRecord, error) {
	prefix := string(entityType) + ":"
	batch, err := c.backend.GetByPrefix(prefix)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*models.EntityRecord, len(batch))
	for key, raw := range batch {
		var rec models.EntityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// One corrupt snapshot must not hide the rest.
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = &rec
	}
	return out, nil
}

// MarkSynced flags the stored record as reflected on the server.
func (c *Cache) MarkSynced(entityType models.EntityType, entityID string) error {
	rec, err := c.Get(entityType, entityID)
	if err != nil {
		return err
	}
	if rec == nil {
		return models.NewError(models.ErrNotFound, "record not found: "+models.RecordKey(entityType, entityID))
	}
	rec.Meta.Synced = true
	return c.write(rec)
}

// Remove deletes the stored record.
func (c *Cache) Remove(entityType models.EntityType, entityID string) error {
	return c.backend.Remove(models.RecordKey(entityType, entityID))
}

func (c *Cache) write(rec *models.EntityRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return models.WrapError(models.ErrStorage, "marshal entity record", err)
	}
	return c.backend.Set(rec.Key(), raw)
}
