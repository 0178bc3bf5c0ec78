// Package domain exposes the write-through CRUD contract consumed by UI
// collaborators. Every write persists locally, enqueues a sync operation,
// and publishes the domain event before returning; a read miss while
// offline queues a download.
package domain

import (
	"context"
	"encoding/json"

	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/events"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/records"
	syncpkg "github.com/openhabitat/accesscase/internal/sync"
)

// Syncer is the slice of the orchestrator the services need: connectivity
// and the ability to kick a drain after a write.
type Syncer interface {
	Online() bool
	SyncAll(ctx context.Context) (*syncpkg.Report, error)
}

// Service implements the CRUD contract for one entity type.
type Service struct {
	entityType models.EntityType
	records    *records.Cache
	queue      *syncpkg.Queue
	bus        *events.Bus
	syncer     Syncer
	clk        clock.Clock
}

// NewService builds the service for one entity type. syncer may be nil in
// contexts that drain explicitly.
func NewService(entityType models.EntityType, cache *records.Cache, queue *syncpkg.Queue,
	bus *events.Bus, syncer Syncer, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{
		entityType: entityType,
		records:    cache,
		queue:      queue,
		bus:        bus,
		syncer:     syncer,
		clk:        clk,
	}
}

// Set bundles one service per entity type.
type Set struct {
	Assessments   *Service
	Beneficiaries *Service
	Photos        *Service
	Measurements  *Service
}

// NewSet builds services for every entity type over shared collaborators.
func NewSet(cache *records.Cache, queue *syncpkg.Queue, bus *events.Bus, syncer Syncer, clk clock.Clock) *Set {
	return &Set{
		Assessments:   NewService(models.EntityAssessment, cache, queue, bus, syncer, clk),
		Beneficiaries: NewService(models.EntityBeneficiary, cache, queue, bus, syncer, clk),
		Photos:        NewService(models.EntityPhoto, cache, queue, bus, syncer, clk),
		Measurements:  NewService(models.EntityMeasurement, cache, queue, bus, syncer, clk),
	}
}

// Create persists a new entity snapshot, queues its upload, and publishes
// the created event. A payload without an "id" field gets one assigned.
func (s *Service) Create(ctx context.Context, data json.RawMessage) (*models.EntityRecord, error) {
	fields, err := asObject(data)
	if err != nil {
		return nil, err
	}

	id := stringField(fields, "id")
	if id == "" {
		id = models.NewID()
		fields["id"] = mustRaw(id)
		data, err = json.Marshal(fields)
		if err != nil {
			return nil, models.WrapError(models.ErrInternal, "marshal entity payload", err)
		}
	}

	rec, err := s.records.Put(s.entityType, id, data)
	if err != nil {
		return nil, err
	}
	if err := s.enqueueWrite(rec, models.OpCreate); err != nil {
		return nil, err
	}
	s.publishLifecycle(eventForCreate(s.entityType), id, nil)
	s.kickSync(ctx)
	return rec, nil
}

// Get returns the local snapshot, or nil when absent. When the entity is
// unknown locally and the device is offline, a download is queued so the
// snapshot arrives with the next drain.
func (s *Service) Get(ctx context.Context, id string) (*models.EntityRecord, error) {
	rec, err := s.records.Get(s.entityType, id)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	if s.syncer != nil && !s.syncer.Online() {
		item := &models.SyncItem{
			EntityType: s.entityType,
			EntityID:   id,
			Operation:  models.OpRead,
			Status:     models.StatusPendingDownload,
		}
		if err := s.queue.Enqueue(item); err != nil {
			logging.Warn("failed to queue download for missing entity",
				map[string]interface{}{"entity_id": id, "error": err.Error()})
		}
	}
	return nil, nil
}

// GetAll returns every local snapshot of the service's type, keyed by id.
func (s *Service) GetAll(context.Context) (map[string]*models.EntityRecord, error) {
	return s.records.List(s.entityType)
}

// Update applies a shallow JSON patch to the stored snapshot, queues the
// upload, and publishes the updated event. An assessment whose patch sets
// status to completed additionally publishes assessment.completed.
func (s *Service) Update(ctx context.Context, id string, patch json.RawMessage) (*models.EntityRecord, error) {
	existing, err := s.records.Get(s.entityType, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, models.NewError(models.ErrNotFound, "entity not found: "+models.RecordKey(s.entityType, id))
	}

	base, err := asObject(existing.Data)
	if err != nil {
		return nil, err
	}
	delta, err := asObject(patch)
	if err != nil {
		return nil, err
	}
	for k, v := range delta {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, models.WrapError(models.ErrInternal, "marshal patched payload", err)
	}

	rec, err := s.records.Put(s.entityType, id, merged)
	if err != nil {
		return nil, err
	}
	if err := s.enqueueWrite(rec, models.OpUpdate); err != nil {
		return nil, err
	}

	s.publishLifecycle(eventForUpdate(s.entityType), id, nil)
	if s.entityType == models.EntityAssessment && stringField(delta, "status") == "completed" {
		s.publishLifecycle(events.EventAssessmentCompleted, id, nil)
	}
	s.kickSync(ctx)
	return rec, nil
}

// Delete removes the local snapshot and queues the server-side delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	existing, err := s.records.Get(s.entityType, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return models.NewError(models.ErrNotFound, "entity not found: "+models.RecordKey(s.entityType, id))
	}

	if err := s.records.Remove(s.entityType, id); err != nil {
		return err
	}
	item := &models.SyncItem{
		EntityType:   s.entityType,
		EntityID:     id,
		Operation:    models.OpDelete,
		LastModified: s.clk.NowMillis(),
	}
	if err := s.queue.Enqueue(item); err != nil {
		return err
	}
	s.publishLifecycle(eventForDelete(s.entityType), id, nil)
	s.kickSync(ctx)
	return nil
}

func (s *Service) enqueueWrite(rec *models.EntityRecord, op models.SyncOperation) error {
	return s.queue.Enqueue(&models.SyncItem{
		EntityType:    s.entityType,
		EntityID:      rec.Meta.EntityID,
		Operation:     op,
		Data:          rec.Data,
		LastModified:  rec.Meta.LastModified,
		ClientVersion: rec.Meta.Version,
	})
}

func (s *Service) publishLifecycle(eventType, id string, extra map[string]interface{}) {
	payload := map[string]interface{}{"id": id}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.bus.Publish(events.Event{Type: eventType, Payload: payload}); err != nil {
		logging.Warn("failed to publish domain event",
			map[string]interface{}{"type": eventType, "error": err.Error()})
	}
}

// kickSync starts a background drain after a write when online. A drain
// already in flight is fine; it will pick up the new item on its next
// cycle.
func (s *Service) kickSync(ctx context.Context) {
	if s.syncer == nil || !s.syncer.Online() {
		return
	}
	go func() {
		if _, err := s.syncer.SyncAll(context.WithoutCancel(ctx)); err != nil &&
			!models.IsCode(err, models.ErrSyncInProgress) && !models.IsCode(err, models.ErrSyncOffline) {
			logging.Error("post-write sync failed", err, nil)
		}
	}()
}

func eventForCreate(t models.EntityType) string {
	switch t {
	case models.EntityAssessment:
		return events.EventAssessmentCreated
	case models.EntityBeneficiary:
		return events.EventBeneficiaryCreated
	case models.EntityPhoto:
		return events.EventPhotoCreated
	default:
		return events.EventMeasurementCreated
	}
}

func eventForUpdate(t models.EntityType) string {
	switch t {
	case models.EntityAssessment:
		return events.EventAssessmentUpdated
	case models.EntityBeneficiary:
		return events.EventBeneficiaryUpdated
	case models.EntityPhoto:
		return events.EventPhotoUpdated
	default:
		return events.EventMeasurementUpdated
	}
}

func eventForDelete(t models.EntityType) string {
	switch t {
	case models.EntityAssessment:
		return events.EventAssessmentDeleted
	case models.EntityBeneficiary:
		return events.EventBeneficiaryDeleted
	case models.EntityPhoto:
		return events.EventPhotoDeleted
	default:
		return events.EventMeasurementDeleted
	}
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, models.WrapError(models.ErrInvalid, "payload is not a JSON object", err)
	}
	return out, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func mustRaw(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
