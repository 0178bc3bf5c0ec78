package sync

import (
	"context"
	"encoding/json"

	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/events"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/records"
	"github.com/openhabitat/accesscase/internal/store"
)

// Resolver settles detected conflicts. Automatic strategies perform a real
// round trip through the transport; an item whose strategy is Manual (or
// unset) is suspended behind a persisted SyncConflict until an external
// actor calls ResolveConflict.
type Resolver struct {
	backend   store.Backend
	records   *records.Cache
	queue     *Queue
	transport Client
	bus       *events.Bus
	clk       clock.Clock
}

// NewResolver wires the resolver's collaborators.
func NewResolver(backend store.Backend, cache *records.Cache, queue *Queue, transport Client, bus *events.Bus, clk clock.Clock) *Resolver {
	return &Resolver{
		backend:   backend,
		records:   cache,
		queue:     queue,
		transport: transport,
		bus:       bus,
		clk:       clk,
	}
}

// Resolve dispatches on the item's strategy. It returns resolved=true when
// the item reached Synced, resolved=false when it was suspended for manual
// resolution, and an error when the strategy itself failed (the caller
// treats that as a transient item failure).
//
// An item with no declared strategy suspends: resolution policies are
// explicit, never implied.
func (r *Resolver) Resolve(ctx context.Context, item *models.SyncItem, conflict *ConflictError) (bool, error) {
	strategy := item.ConflictResolution
	if strategy == "" {
		strategy = models.Manual
	}

	logging.Info("resolving sync conflict", map[string]interface{}{
		"item_id":         item.ID,
		"entity_type":     item.EntityType,
		"entity_id":       item.EntityID,
		"strategy":        strategy,
		"client_modified": item.LastModified,
		"server_modified": conflict.ServerModified,
	})

	switch strategy {
	case models.ClientWins:
		return true, r.clientWins(ctx, item, conflict, strategy, nil)
	case models.ServerWins:
		return true, r.serverWins(ctx, item, conflict, strategy, nil)
	case models.LastModifiedWins:
		// The more recent side wins outright. Equal stamps keep the
		// client's copy since that is the device the user acted on last.
		if item.LastModified >= conflict.ServerModified {
			return true, r.clientWins(ctx, item, conflict, strategy, nil)
		}
		return true, r.serverWins(ctx, item, conflict, strategy, nil)
	case models.MergeByField:
		return true, r.mergeByField(ctx, item, conflict, strategy, nil)
	default:
		return false, r.suspend(item, conflict)
	}
}

// clientWins force-pushes the local payload. The server may reject the
// overwrite; that error propagates and the item stays queued.
func (r *Resolver) clientWins(ctx context.Context, item *models.SyncItem, conflict *ConflictError, strategy models.ConflictResolutionStrategy, existing *models.SyncConflict) error {
	if err := r.transport.ForcePush(ctx, item); err != nil {
		return err
	}
	if item.Operation == models.OpDelete {
		if err := r.records.Remove(item.EntityType, item.EntityID); err != nil {
			return err
		}
	} else if err := r.records.MarkSynced(item.EntityType, item.EntityID); err != nil {
		return err
	}
	return r.finish(item, conflict, strategy, existing)
}

// serverWins adopts the server copy carried on the conflict signal.
func (r *Resolver) serverWins(ctx context.Context, item *models.SyncItem, conflict *ConflictError, strategy models.ConflictResolutionStrategy, existing *models.SyncConflict) error {
	data := conflict.ServerData
	version := conflict.ServerVersion
	modified := conflict.ServerModified
	if data == nil {
		// The signal carried no payload; fetch the authoritative copy.
		res, err := r.transport.Fetch(ctx, item.EntityType, item.EntityID)
		if err != nil {
			return err
		}
		data, version, modified = res.Data, res.Version, res.LastModified
	}

	rec := &models.EntityRecord{
		Data: data,
		Meta: models.RecordMeta{
			EntityType:   item.EntityType,
			EntityID:     item.EntityID,
			Version:      version,
			LastModified: modified,
			LastAccessed: r.clk.NowMillis(),
			Synced:       true,
		},
	}
	if err := r.records.PutRecord(rec); err != nil {
		return err
	}
	return r.finish(item, conflict, strategy, existing)
}

// mergeByField combines the two payloads field by field. For any field
// that differs, the value from whichever side has the later entity-level
// timestamp is kept (there is no per-field provenance). The merged result
// is force-pushed and replaces the local record.
func (r *Resolver) mergeByField(ctx context.Context, item *models.SyncItem, conflict *ConflictError, strategy models.ConflictResolutionStrategy, existing *models.SyncConflict) error {
	merged, err := mergeFields(item.Data, conflict.ServerData, item.LastModified >= conflict.ServerModified)
	if err != nil {
		return err
	}

	pushed := *item
	pushed.Data = merged
	if err := r.transport.ForcePush(ctx, &pushed); err != nil {
		return err
	}

	version := item.ClientVersion
	if conflict.ServerVersion > version {
		version = conflict.ServerVersion
	}
	rec := &models.EntityRecord{
		Data: merged,
		Meta: models.RecordMeta{
			EntityType:   item.EntityType,
			EntityID:     item.EntityID,
			Version:      version + 1,
			LastModified: r.clk.NowMillis(),
			LastAccessed: r.clk.NowMillis(),
			Synced:       true,
		},
	}
	if err := r.records.PutRecord(rec); err != nil {
		return err
	}
	return r.finish(item, conflict, strategy, existing)
}

// suspend records the conflict, flips the item to Conflict status, and
// publishes sync.conflict_detected. The item drains again only after an
// explicit ResolveConflict call.
func (r *Resolver) suspend(item *models.SyncItem, conflict *ConflictError) error {
	sc := &models.SyncConflict{
		ID:             models.UUID(models.NewID()),
		ItemID:         item.ID,
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		ClientData:     item.Data,
		ServerData:     conflict.ServerData,
		ClientModified: item.LastModified,
		ServerModified: conflict.ServerModified,
		Timestamp:      r.clk.NowMillis(),
	}
	if err := r.persistConflict(sc); err != nil {
		return err
	}
	if err := r.queue.SetStatus(item.ID, models.StatusConflict); err != nil {
		return err
	}
	return r.bus.Publish(events.Event{
		Type: events.EventSyncConflictDetected,
		Payload: map[string]interface{}{
			"conflict_id":     string(sc.ID),
			"item_id":         string(item.ID),
			"entity_type":     string(item.EntityType),
			"entity_id":       item.EntityID,
			"client_modified": sc.ClientModified,
			"server_modified": sc.ServerModified,
		},
	})
}

// finish writes the resolved audit entry, removes the item from the
// queue, and publishes sync.conflict_resolved. A re-dispatch of a
// suspended conflict passes its record through so the divergence keeps a
// single audit entry; the auto path creates one.
func (r *Resolver) finish(item *models.SyncItem, conflict *ConflictError, strategy models.ConflictResolutionStrategy, existing *models.SyncConflict) error {
	sc := existing
	if sc == nil {
		sc = &models.SyncConflict{
			ID:             models.UUID(models.NewID()),
			ItemID:         item.ID,
			EntityType:     item.EntityType,
			EntityID:       item.EntityID,
			ClientData:     item.Data,
			ServerData:     conflict.ServerData,
			ClientModified: item.LastModified,
			ServerModified: conflict.ServerModified,
			Timestamp:      r.clk.NowMillis(),
		}
	}
	sc.Resolved = true
	sc.Resolution = strategy
	if err := r.persistConflict(sc); err != nil {
		return err
	}
	if err := r.queue.Complete(item.ID); err != nil {
		return err
	}
	return r.publishResolved(sc)
}

// ResolveConflict re-dispatches a suspended conflict under an explicitly
// chosen automatic strategy. A conflict resolves exactly once; a second
// call returns ErrConflictResolved.
func (r *Resolver) ResolveConflict(ctx context.Context, conflictID models.UUID, strategy models.ConflictResolutionStrategy) error {
	if !models.ValidStrategy(strategy) || strategy == models.Manual {
		return models.NewError(models.ErrInvalid, "strategy must be one of client_wins, server_wins, last_modified_wins, merge_by_field")
	}

	sc, err := r.loadConflict(conflictID)
	if err != nil {
		return err
	}
	if sc.Resolved {
		return models.NewError(models.ErrConflictResolved, "conflict already resolved: "+string(conflictID))
	}

	item := r.queue.Get(sc.ItemID)
	if item == nil {
		return models.NewError(models.ErrNotFound, "sync item gone for conflict: "+string(conflictID))
	}

	signal := &ConflictError{
		EntityType:     sc.EntityType,
		EntityID:       sc.EntityID,
		ServerData:     sc.ServerData,
		ServerModified: sc.ServerModified,
	}

	switch strategy {
	case models.ClientWins:
		return r.clientWins(ctx, item, signal, strategy, sc)
	case models.ServerWins:
		return r.serverWins(ctx, item, signal, strategy, sc)
	case models.LastModifiedWins:
		if item.LastModified >= signal.ServerModified {
			return r.clientWins(ctx, item, signal, strategy, sc)
		}
		return r.serverWins(ctx, item, signal, strategy, sc)
	default:
		return r.mergeByField(ctx, item, signal, strategy, sc)
	}
}

// Unresolved lists the suspended conflicts awaiting a resolution call.
func (r *Resolver) Unresolved() ([]*models.SyncConflict, error) {
	pairs, err := r.backend.GetByPrefix(models.ConflictKeyPrefix)
	if err != nil {
		return nil, models.WrapError(models.ErrStorage, "list conflicts", err)
	}
	var out []*models.SyncConflict
	for key, raw := range pairs {
		var sc models.SyncConflict
		if err := json.Unmarshal(raw, &sc); err != nil {
			logging.Warn("skipping corrupt conflict record",
				map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		if !sc.Resolved {
			cp := sc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *Resolver) publishResolved(sc *models.SyncConflict) error {
	return r.bus.Publish(events.Event{
		Type: events.EventSyncConflictResolved,
		Payload: map[string]interface{}{
			"conflict_id": string(sc.ID),
			"item_id":     string(sc.ItemID),
			"entity_type": string(sc.EntityType),
			"entity_id":   sc.EntityID,
			"resolution":  string(sc.Resolution),
		},
	})
}

func (r *Resolver) persistConflict(sc *models.SyncConflict) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return models.WrapError(models.ErrInternal, "marshal conflict record", err)
	}
	if err := r.backend.Set(sc.Key(), raw); err != nil {
		return models.WrapError(models.ErrStorage, "persist conflict record", err)
	}
	return nil
}

func (r *Resolver) loadConflict(id models.UUID) (*models.SyncConflict, error) {
	raw, ok, err := r.backend.Get(models.ConflictKeyPrefix + string(id))
	if err != nil {
		return nil, models.WrapError(models.ErrStorage, "load conflict record", err)
	}
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "conflict not found: "+string(id))
	}
	var sc models.SyncConflict
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, models.WrapError(models.ErrStorage, "corrupt conflict record", err)
	}
	return &sc, nil
}

// mergeFields merges two JSON objects. Fields present on only one side are
// kept; fields present on both with differing values take the side
// indicated by clientNewer.
func mergeFields(client, server json.RawMessage, clientNewer bool) (json.RawMessage, error) {
	var cm, sm map[string]json.RawMessage
	if len(client) > 0 {
		if err := json.Unmarshal(client, &cm); err != nil {
			return nil, models.WrapError(models.ErrInvalid, "client payload is not an object", err)
		}
	}
	if len(server) > 0 {
		if err := json.Unmarshal(server, &sm); err != nil {
			return nil, models.WrapError(models.ErrInvalid, "server payload is not an object", err)
		}
	}

	merged := make(map[string]json.RawMessage, len(cm)+len(sm))
	for k, v := range sm {
		merged[k] = v
	}
	for k, cv := range cm {
		sv, both := sm[k]
		if !both || string(cv) == string(sv) || clientNewer {
			merged[k] = cv
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, "marshal merged payload", err)
	}
	return out, nil
}
