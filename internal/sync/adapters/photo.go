// Package adapters holds the entity-specific sync adapters registered at
// startup. Types without one fall back to the generic adapter.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openhabitat/accesscase/internal/blob"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/records"
	syncpkg "github.com/openhabitat/accesscase/internal/sync"
)

// PhotoAdapter syncs photo entities. Image bytes are uploaded to blob
// storage first so the transport payload carries only the object key;
// conflicts default to ClientWins since a device photo is never merged.
type PhotoAdapter struct {
	transport syncpkg.Client
	records   *records.Cache
	blobs     blob.Store
}

// NewPhotoAdapter wires the adapter.
func NewPhotoAdapter(transport syncpkg.Client, cache *records.Cache, blobs blob.Store) *PhotoAdapter {
	return &PhotoAdapter{transport: transport, records: cache, blobs: blobs}
}

func (a *PhotoAdapter) EntityType() models.EntityType { return models.EntityPhoto }

// DefaultStrategy prefers the client copy: image data has no mergeable
// fields and the device holds the original.
func (a *PhotoAdapter) DefaultStrategy() models.ConflictResolutionStrategy {
	return models.ClientWins
}

// ProcessItem uploads or downloads one photo.
func (a *PhotoAdapter) ProcessItem(ctx context.Context, item *models.SyncItem) error {
	if item.Status == models.StatusPendingDownload {
		return a.download(ctx, item)
	}
	return a.upload(ctx, item)
}

func (a *PhotoAdapter) upload(ctx context.Context, item *models.SyncItem) error {
	if item.Operation == models.OpDelete {
		if err := a.transport.Push(ctx, item); err != nil {
			return err
		}
		if err := a.blobs.Remove(ctx, objectKey(item.EntityID)); err != nil {
			// The server already accepted the delete; an orphaned blob is
			// logged, not fatal.
			logging.Warn("failed to remove photo blob", map[string]interface{}{
				"entity_id": item.EntityID, "error": err.Error(),
			})
		}
		return a.records.Remove(models.EntityPhoto, item.EntityID)
	}

	var photo models.Photo
	if err := json.Unmarshal(item.Data, &photo); err != nil {
		return models.WrapError(models.ErrInvalid, "photo payload", err)
	}

	if len(photo.Data) > 0 {
		key := objectKey(item.EntityID)
		if err := a.blobs.Put(ctx, key, photo.Data); err != nil {
			return err
		}
		photo.ObjectKey = key
		photo.SizeBytes = int64(len(photo.Data))
		photo.Data = nil

		slim, err := json.Marshal(&photo)
		if err != nil {
			return models.WrapError(models.ErrInternal, "marshal photo metadata", err)
		}
		item.Data = slim
	}

	if err := a.transport.Push(ctx, item); err != nil {
		return err
	}

	// The local record keeps the slimmed payload so the image bytes live
	// only in blob storage.
	rec := &models.EntityRecord{
		Data: item.Data,
		Meta: models.RecordMeta{
			EntityType:   models.EntityPhoto,
			EntityID:     item.EntityID,
			Version:      item.ClientVersion,
			LastModified: item.LastModified,
			Synced:       true,
		},
	}
	if prev, err := a.records.Get(models.EntityPhoto, item.EntityID); err != nil {
		return err
	} else if prev != nil && rec.Meta.Version <= prev.Meta.Version {
		rec.Meta.Version = prev.Meta.Version
	}
	return a.records.PutRecord(rec)
}

func (a *PhotoAdapter) download(ctx context.Context, item *models.SyncItem) error {
	res, err := a.transport.Fetch(ctx, models.EntityPhoto, item.EntityID)
	if err != nil {
		return err
	}
	rec := &models.EntityRecord{
		Data: res.Data,
		Meta: models.RecordMeta{
			EntityType:   models.EntityPhoto,
			EntityID:     item.EntityID,
			Version:      res.Version,
			LastModified: res.LastModified,
			Synced:       true,
		},
	}
	return a.records.PutRecord(rec)
}

func objectKey(entityID string) string {
	return fmt.Sprintf("photos/%s", entityID)
}
