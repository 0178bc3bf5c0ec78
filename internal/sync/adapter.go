package sync

import (
	"context"
	stdsync "sync"

	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/records"
)

// EntityAdapter customizes upload/download logic per entity type. The
// drain loop consults the registry first and falls back to the generic
// adapter for types without one.
type EntityAdapter interface {
	EntityType() models.EntityType

	// ProcessItem performs the item's operation. A *ConflictError return
	// routes the item to the conflict resolver; any other error is treated
	// as transient.
	ProcessItem(ctx context.Context, item *models.SyncItem) error
}

// ConflictHandler is the optional adapter capability for entity-specific
// conflict resolution. Returning false defers to the resolver's strategy
// dispatch.
type ConflictHandler interface {
	ResolveConflict(ctx context.Context, conflict *models.SyncConflict) (bool, error)
}

// DefaultStrategyProvider lets an adapter declare the conflict strategy
// applied to its items when none was set explicitly.
type DefaultStrategyProvider interface {
	DefaultStrategy() models.ConflictResolutionStrategy
}

// Registry maps entity types to their adapters. It is populated explicitly
// at startup; there is no init-time registration.
type Registry struct {
	mu       stdsync.RWMutex
	adapters map[models.EntityType]EntityAdapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.EntityType]EntityAdapter)}
}

// Register binds an adapter to its entity type, replacing any previous one.
func (r *Registry) Register(a EntityAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.EntityType()] = a
}

// Lookup returns the adapter for the type, or nil.
func (r *Registry) Lookup(t models.EntityType) EntityAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[t]
}

// GenericAdapter is the fallback upload/download path used for entity
// types without a registered adapter.
type GenericAdapter struct {
	transport Client
	records   *records.Cache
	strategy  models.ConflictResolutionStrategy
}

// NewGenericAdapter builds the fallback adapter. strategy is applied to
// items that carry none; pass models.Manual to never auto-resolve.
func NewGenericAdapter(transport Client, cache *records.Cache, strategy models.ConflictResolutionStrategy) *GenericAdapter {
	return &GenericAdapter{transport: transport, records: cache, strategy: strategy}
}

// EntityType returns "" since the generic adapter serves any type.
func (g *GenericAdapter) EntityType() models.EntityType { return "" }

// DefaultStrategy implements DefaultStrategyProvider.
func (g *GenericAdapter) DefaultStrategy() models.ConflictResolutionStrategy { return g.strategy }

// ProcessItem uploads or downloads one entity snapshot.
func (g *GenericAdapter) ProcessItem(ctx context.Context, item *models.SyncItem) error {
	switch item.Status {
	case models.StatusPendingDownload:
		return g.download(ctx, item)
	default:
		return g.upload(ctx, item)
	}
}

func (g *GenericAdapter) upload(ctx context.Context, item *models.SyncItem) error {
	if err := g.transport.Push(ctx, item); err != nil {
		return err
	}
	if item.Operation == models.OpDelete {
		return g.records.Remove(item.EntityType, item.EntityID)
	}
	return g.records.MarkSynced(item.EntityType, item.EntityID)
}

func (g *GenericAdapter) download(ctx context.Context, item *models.SyncItem) error {
	res, err := g.transport.Fetch(ctx, item.EntityType, item.EntityID)
	if err != nil {
		return err
	}
	rec := &models.EntityRecord{
		Data: res.Data,
		Meta: models.RecordMeta{
			EntityType:   item.EntityType,
			EntityID:     item.EntityID,
			Version:      res.Version,
			LastModified: res.LastModified,
			Synced:       true,
		},
	}
	return g.records.PutRecord(rec)
}
