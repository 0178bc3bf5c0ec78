package adapters

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openhabitat/accesscase/internal/blob"
	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/records"
	"github.com/openhabitat/accesscase/internal/store"
	syncpkg "github.com/openhabitat/accesscase/internal/sync"
)

// stubClient records pushed payloads.
type stubClient struct {
	pushed   []json.RawMessage
	pushErr  error
	fetchRes *syncpkg.FetchResult
}

func (s *stubClient) Push(_ context.Context, item *models.SyncItem) error {
	s.pushed = append(s.pushed, item.Data)
	return s.pushErr
}

func (s *stubClient) ForcePush(_ context.Context, item *models.SyncItem) error {
	s.pushed = append(s.pushed, item.Data)
	return nil
}

func (s *stubClient) Fetch(context.Context, models.EntityType, string) (*syncpkg.FetchResult, error) {
	if s.fetchRes == nil {
		return nil, models.NewError(models.ErrNotFound, "no server copy")
	}
	return s.fetchRes, nil
}

func (s *stubClient) Probe(context.Context) (float64, error) { return 1 << 22, nil }

func newCache(t *testing.T) *records.Cache {
	t.Helper()
	return records.NewCache(store.NewMemStore(1<<20), &clock.Fixed{T: time.UnixMilli(1700000000000)})
}

func TestPhotoUploadMovesBytesToBlobStore(t *testing.T) {
	client := &stubClient{}
	cache := newCache(t)
	blobs := blob.NewMemStore()
	adapter := NewPhotoAdapter(client, cache, blobs)

	photo := models.Photo{
		ID:           "p-1",
		AssessmentID: "a-1",
		MimeType:     "image/jpeg",
		Data:         []byte{0xff, 0xd8, 0xff, 0xe0},
	}
	raw, err := json.Marshal(&photo)
	require.NoError(t, err)

	item := &models.SyncItem{
		ID:         models.UUID(models.NewID()),
		EntityType: models.EntityPhoto,
		EntityID:   "p-1",
		Operation:  models.OpCreate,
		Status:     models.StatusPendingUpload,
		Data:       raw,
	}
	require.NoError(t, adapter.ProcessItem(context.Background(), item))

	// The image bytes landed in blob storage under the photo key.
	stored, err := blobs.Get(context.Background(), "photos/p-1")
	require.NoError(t, err)
	require.Equal(t, photo.Data, stored)

	// The pushed payload carries the object key, not the bytes.
	require.Len(t, client.pushed, 1)
	var slim models.Photo
	require.NoError(t, json.Unmarshal(client.pushed[0], &slim))
	require.Empty(t, slim.Data)
	require.Equal(t, "photos/p-1", slim.ObjectKey)
	require.Equal(t, int64(4), slim.SizeBytes)

	// So does the local record.
	rec, err := cache.Get(models.EntityPhoto, "p-1")
	require.NoError(t, err)
	require.True(t, rec.Meta.Synced)
	var stored2 models.Photo
	require.NoError(t, json.Unmarshal(rec.Data, &stored2))
	require.Empty(t, stored2.Data)
}

func TestPhotoBlobFailureAbortsPush(t *testing.T) {
	client := &stubClient{}
	cache := newCache(t)
	adapter := NewPhotoAdapter(client, cache, failingBlobs{})

	raw, _ := json.Marshal(&models.Photo{ID: "p-1", Data: []byte{1}})
	item := &models.SyncItem{
		EntityType: models.EntityPhoto, EntityID: "p-1",
		Operation: models.OpCreate, Status: models.StatusPendingUpload, Data: raw,
	}
	err := adapter.ProcessItem(context.Background(), item)
	require.True(t, models.IsCode(err, models.ErrBlobUploadError))
	require.Empty(t, client.pushed)
}

type failingBlobs struct{}

func (failingBlobs) Put(context.Context, string, []byte) error {
	return models.NewError(models.ErrBlobUploadError, "bucket unavailable")
}
func (failingBlobs) Get(context.Context, string) ([]byte, error) {
	return nil, models.NewError(models.ErrBlobUploadError, "bucket unavailable")
}
func (failingBlobs) Remove(context.Context, string) error {
	return models.NewError(models.ErrBlobUploadError, "bucket unavailable")
}

func TestPhotoDeleteRemovesBlobAndRecord(t *testing.T) {
	client := &stubClient{}
	cache := newCache(t)
	blobs := blob.NewMemStore()
	adapter := NewPhotoAdapter(client, cache, blobs)

	require.NoError(t, blobs.Put(context.Background(), "photos/p-1", []byte{1}))
	_, err := cache.Put(models.EntityPhoto, "p-1", json.RawMessage(`{"id":"p-1"}`))
	require.NoError(t, err)

	item := &models.SyncItem{
		EntityType: models.EntityPhoto, EntityID: "p-1",
		Operation: models.OpDelete, Status: models.StatusPendingUpload,
	}
	require.NoError(t, adapter.ProcessItem(context.Background(), item))

	_, err = blobs.Get(context.Background(), "photos/p-1")
	require.True(t, models.IsCode(err, models.ErrNotFound))
	rec, err := cache.Get(models.EntityPhoto, "p-1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestPhotoDefaultStrategyIsClientWins(t *testing.T) {
	adapter := NewPhotoAdapter(&stubClient{}, newCache(t), blob.NewMemStore())
	require.Equal(t, models.ClientWins, adapter.DefaultStrategy())
}

func TestAssessmentValidation(t *testing.T) {
	client := &stubClient{}
	cache := newCache(t)
	adapter := NewAssessmentAdapter(client, cache)
	require.Equal(t, models.MergeByField, adapter.DefaultStrategy())

	item := &models.SyncItem{
		EntityType: models.EntityAssessment, EntityID: "a-1",
		Operation: models.OpCreate, Status: models.StatusPendingUpload,
		Data: json.RawMessage(`{"id":"a-1"}`),
	}
	err := adapter.ProcessItem(context.Background(), item)
	require.True(t, models.IsCode(err, models.ErrValidation))
	require.Empty(t, client.pushed)
}

func TestAssessmentUploadFollowsGenericPath(t *testing.T) {
	client := &stubClient{}
	cache := newCache(t)
	adapter := NewAssessmentAdapter(client, cache)

	payload := json.RawMessage(`{"id":"a-1","beneficiary_id":"b-1","status":"draft","address":"12 Elm"}`)
	_, err := cache.Put(models.EntityAssessment, "a-1", payload)
	require.NoError(t, err)

	item := &models.SyncItem{
		EntityType: models.EntityAssessment, EntityID: "a-1",
		Operation: models.OpCreate, Status: models.StatusPendingUpload, Data: payload,
	}
	require.NoError(t, adapter.ProcessItem(context.Background(), item))
	require.Len(t, client.pushed, 1)

	rec, err := cache.Get(models.EntityAssessment, "a-1")
	require.NoError(t, err)
	require.True(t, rec.Meta.Synced)
}
