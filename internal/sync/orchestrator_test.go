package sync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/events"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/records"
	"github.com/openhabitat/accesscase/internal/store"
)

type orchFixture struct {
	backend   store.Backend
	cache     *records.Cache
	queue     *Queue
	transport *fakeTransport
	bus       *events.Bus
	registry  *Registry
	estimator *Estimator
	orch      *Orchestrator
	clk       *clock.Fixed
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	backend := store.NewMemStore(1 << 20)
	clk := &clock.Fixed{T: time.UnixMilli(1700000000000)}
	bus := events.NewBus(backend, clk)
	cache := records.NewCache(backend, clk)
	queue := NewQueue(backend, bus, clk)
	transport := newFakeTransport()
	registry := NewRegistry()
	generic := NewGenericAdapter(transport, cache, models.LastModifiedWins)
	resolver := NewResolver(backend, cache, queue, transport, bus, clk)
	estimator := NewEstimator(transport, bus, 2<<20, 128<<10)

	opts := DefaultOptions()
	orch := NewOrchestrator(queue, registry, generic, resolver, estimator, nil, bus, clk, opts)
	orch.online.Store(true)

	return &orchFixture{
		backend:   backend,
		cache:     cache,
		queue:     queue,
		transport: transport,
		bus:       bus,
		registry:  registry,
		estimator: estimator,
		orch:      orch,
		clk:       clk,
	}
}

// seed stores a snapshot and queues an update for it.
func (f *orchFixture) seed(t *testing.T, entityType models.EntityType, entityID string, priority int) *models.SyncItem {
	t.Helper()
	_, err := f.cache.Put(entityType, entityID, json.RawMessage(`{"id":"`+entityID+`"}`))
	require.NoError(t, err)
	item := &models.SyncItem{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  models.OpUpdate,
		Data:       json.RawMessage(`{"id":"` + entityID + `"}`),
		Priority:   priority,
	}
	require.NoError(t, f.queue.Enqueue(item))
	return item
}

func TestDrainProcessesInPriorityOrder(t *testing.T) {
	f := newOrchFixture(t)
	low := f.seed(t, models.EntityMeasurement, "low", 2)
	high := f.seed(t, models.EntityAssessment, "high", 10)
	mid := f.seed(t, models.EntityBeneficiary, "mid", 6)

	report, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Succeeded)
	require.Equal(t, []models.UUID{high.ID, mid.ID, low.ID}, f.transport.pushes)
}

func TestSyncedItemsLeaveQueueAndStore(t *testing.T) {
	f := newOrchFixture(t)
	item := f.seed(t, models.EntityAssessment, "a-1", 10)

	_, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)

	require.Nil(t, f.queue.Get(item.ID))
	_, ok, err := f.backend.Get(item.QueueKey())
	require.NoError(t, err)
	require.False(t, ok)

	rec, err := f.cache.Get(models.EntityAssessment, "a-1")
	require.NoError(t, err)
	require.True(t, rec.Meta.Synced)
}

func TestEmptyDrainIsIdempotent(t *testing.T) {
	f := newOrchFixture(t)

	for i := 0; i < 2; i++ {
		report, err := f.orch.SyncAll(context.Background())
		require.NoError(t, err)
		require.Zero(t, report.Succeeded)
		require.Zero(t, report.Failed)
		require.Zero(t, report.Conflicted)
		require.Zero(t, report.Remaining)
	}
	require.Zero(t, f.transport.calls())
	require.Empty(t, f.orch.History())
}

func TestDrainRequiresOnline(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.online.Store(false)
	_, err := f.orch.SyncAll(context.Background())
	require.True(t, models.IsCode(err, models.ErrSyncOffline))
}

func TestDrainGuardRejectsReentry(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, models.EntityAssessment, "a-1", 10)

	var reentry error
	f.transport.afterPush = func(int) {
		_, reentry = f.orch.SyncAll(context.Background())
	}

	_, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.True(t, models.IsCode(reentry, models.ErrSyncInProgress))
}

func TestOfflineMidDrainStopsFutureItemsOnly(t *testing.T) {
	f := newOrchFixture(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.seed(t, models.EntityAssessment, id, 10)
	}

	f.transport.afterPush = func(n int) {
		if n == 2 {
			f.orch.SetOnline(false)
		}
	}

	report, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 3, report.Remaining)
	require.Zero(t, report.Failed)

	// The three unprocessed items stay pending, none marked Error.
	stats := f.queue.Stats()
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 3, stats.PendingUpload)
	require.Zero(t, stats.Error)
}

func TestTransientFailureEscalatesThenManualRetry(t *testing.T) {
	f := newOrchFixture(t)
	item := f.seed(t, models.EntityAssessment, "a-1", 10)
	f.transport.pushErr["a-1"] = errors.New("gateway timeout")

	for i := 0; i < models.MaxAutoRetries; i++ {
		report, err := f.orch.SyncAll(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, report.Failed)
	}

	require.Equal(t, models.StatusError, f.queue.Get(item.ID).Status)

	// Errored items are not eligible; the next drain makes no calls.
	before := f.transport.calls()
	_, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, f.transport.calls())

	// An explicit retry resets the item and drains it.
	delete(f.transport.pushErr, "a-1")
	n, err := f.orch.RetryErrored(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Nil(t, f.queue.Get(item.ID))
}

func TestConflictAutoResolvedDuringDrain(t *testing.T) {
	f := newOrchFixture(t)
	item := f.seed(t, models.EntityMeasurement, "m-1", 8)
	item.LastModified = 5000
	require.NoError(t, f.queue.Update(item))
	f.transport.pushErr["m-1"] = &ConflictError{
		EntityType: models.EntityMeasurement, EntityID: "m-1",
		ServerData: json.RawMessage(`{"id":"server"}`), ServerModified: 1000,
	}

	report, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicted)
	require.Zero(t, report.Failed)

	// LastModifiedWins with a newer client force-pushed the local copy.
	require.Len(t, f.transport.forcePushes, 1)
	require.Nil(t, f.queue.Get(item.ID))

	rec, err := f.cache.Get(models.EntityMeasurement, "m-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"m-1"}`, string(rec.Data))
}

func TestManualConflictSuspendsInDrain(t *testing.T) {
	f := newOrchFixture(t)
	item := f.seed(t, models.EntityMeasurement, "m-1", 8)
	item.ConflictResolution = models.Manual
	require.NoError(t, f.queue.Update(item))
	f.transport.pushErr["m-1"] = &ConflictError{
		EntityType: models.EntityMeasurement, EntityID: "m-1",
		ServerData: json.RawMessage(`{}`), ServerModified: 1,
	}

	report, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicted)
	require.Equal(t, models.StatusConflict, f.queue.Get(item.ID).Status)

	// Suspended items never drain again on their own.
	calls := f.transport.calls()
	_, err = f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, calls, f.transport.calls())
}

func TestBandwidthTierFiltersEntityTypes(t *testing.T) {
	f := newOrchFixture(t)
	photo := f.seed(t, models.EntityPhoto, "p-1", 3)
	assessment := f.seed(t, models.EntityAssessment, "a-1", 10)

	// One mid-band probe lands the estimator in the constrained tier.
	f.transport.probeBps = 512 << 10
	tier, err := f.estimator.Sample(context.Background())
	require.NoError(t, err)
	require.Equal(t, TierConstrained, tier)

	report, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, []models.UUID{assessment.ID}, f.transport.pushes)

	// The photo stays queued for a better connection.
	require.NotNil(t, f.queue.Get(photo.ID))
}

func TestSyncEntityTypesPartialSync(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, models.EntityAssessment, "a-1", 10)
	m := f.seed(t, models.EntityMeasurement, "m-1", 8)

	report, err := f.orch.SyncEntityTypes(context.Background(), []models.EntityType{models.EntityAssessment})
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
	require.NotNil(t, f.queue.Get(m.ID))
}

func TestDrainReloadsPersistedQueueAfterRestart(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, models.EntityAssessment, "a-1", 10)

	// A second orchestrator stack over the same backend starts with an
	// empty mirror and recovers the persisted entry on its first drain.
	queue2 := NewQueue(f.backend, f.bus, f.clk)
	generic2 := NewGenericAdapter(f.transport, f.cache, models.LastModifiedWins)
	resolver2 := NewResolver(f.backend, f.cache, queue2, f.transport, f.bus, f.clk)
	orch2 := NewOrchestrator(queue2, NewRegistry(), generic2, resolver2,
		NewEstimator(f.transport, f.bus, 2<<20, 128<<10), nil, f.bus, f.clk, DefaultOptions())
	orch2.online.Store(true)

	report, err := orch2.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
}

func TestHistoryRingNewestFirst(t *testing.T) {
	f := newOrchFixture(t)
	opts := DefaultOptions()
	opts.HistorySize = 2
	f.orch.opts = opts

	for i, id := range []string{"h1", "h2", "h3"} {
		f.seed(t, models.EntityAssessment, id, 10)
		f.clk.Advance(time.Duration(i+1) * time.Minute)
		_, err := f.orch.SyncAll(context.Background())
		require.NoError(t, err)
	}

	history := f.orch.History()
	require.Len(t, history, 2)
	require.GreaterOrEqual(t, history[0].FinishedAt, history[1].FinishedAt)
}

func TestTransactionPartialCompletion(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.cache.Put(models.EntityAssessment, "ok", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.cache.Put(models.EntityAssessment, "bad", json.RawMessage(`{}`))
	require.NoError(t, err)
	f.transport.pushErr["bad"] = errors.New("boom")

	tx, err := f.orch.CreateTransaction([]*models.SyncItem{
		{EntityType: models.EntityAssessment, EntityID: "ok", Operation: models.OpUpdate},
		{EntityType: models.EntityAssessment, EntityID: "bad", Operation: models.OpUpdate},
	})
	require.NoError(t, err)
	require.Equal(t, models.TxPending, tx.Status)

	done, err := f.orch.ExecuteTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxPartiallyCompleted, done.Status)
	require.InDelta(t, 0.5, done.Progress, 1e-9)
}

func TestTransactionCompleted(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.cache.Put(models.EntityBeneficiary, "b-1", json.RawMessage(`{}`))
	require.NoError(t, err)

	tx, err := f.orch.CreateTransaction([]*models.SyncItem{
		{EntityType: models.EntityBeneficiary, EntityID: "b-1", Operation: models.OpUpdate},
	})
	require.NoError(t, err)

	done, err := f.orch.ExecuteTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxCompleted, done.Status)
	require.Equal(t, 1.0, done.Progress)
}

func TestTransactionValidation(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.orch.CreateTransaction(nil)
	require.True(t, models.IsCode(err, models.ErrInvalid))
	_, err = f.orch.ExecuteTransaction(context.Background(), "missing")
	require.True(t, models.IsCode(err, models.ErrNotFound))
}

// countingAdapter records the items routed to it.
type countingAdapter struct {
	entityType models.EntityType
	processed  []models.UUID
	conflictOK bool
	err        error
}

func (a *countingAdapter) EntityType() models.EntityType { return a.entityType }

func (a *countingAdapter) ProcessItem(_ context.Context, item *models.SyncItem) error {
	a.processed = append(a.processed, item.ID)
	return a.err
}

func (a *countingAdapter) ResolveConflict(context.Context, *models.SyncConflict) (bool, error) {
	return a.conflictOK, nil
}

func TestRegisteredAdapterPreferredOverGeneric(t *testing.T) {
	f := newOrchFixture(t)
	adapter := &countingAdapter{entityType: models.EntityPhoto}
	f.registry.Register(adapter)

	item := f.seed(t, models.EntityPhoto, "p-1", 3)
	_, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)

	require.Equal(t, []models.UUID{item.ID}, adapter.processed)
	require.Empty(t, f.transport.pushes)
}

func TestAdapterConflictHookShortCircuitsResolver(t *testing.T) {
	f := newOrchFixture(t)
	adapter := &countingAdapter{
		entityType: models.EntityPhoto,
		conflictOK: true,
		err: &ConflictError{
			EntityType: models.EntityPhoto, EntityID: "p-1", ServerModified: 1,
		},
	}
	f.registry.Register(adapter)
	item := f.seed(t, models.EntityPhoto, "p-1", 3)

	report, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicted)
	require.Nil(t, f.queue.Get(item.ID))
	// The resolver never ran a round trip.
	require.Zero(t, f.transport.calls())
}

func TestSetOnlinePublishesNetworkEvents(t *testing.T) {
	f := newOrchFixture(t)
	var got []string
	f.bus.Subscribe(events.EventNetworkOffline, func(e events.Event) { got = append(got, e.Type) })
	f.bus.Subscribe(events.EventNetworkOnline, func(e events.Event) { got = append(got, e.Type) })

	f.orch.SetOnline(false)
	f.orch.SetOnline(false) // no repeat event on same state
	require.Equal(t, []string{events.EventNetworkOffline}, got)
}

// fixedQuota scripts the storage cleanup hook.
type fixedQuota struct {
	info      models.StorageQuotaInfo
	emergency bool
}

func (f *fixedQuota) EnforceQuota() (models.StorageQuotaInfo, bool, error) {
	return f.info, f.emergency, nil
}

func TestDrainRaisesQuotaEvents(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.quota = &fixedQuota{
		info:      models.StorageQuotaInfo{Usage: 95, Quota: 100, Percentage: 95},
		emergency: true,
	}
	f.seed(t, models.EntityAssessment, "a-1", 10)

	var emergencies []events.Event
	f.bus.Subscribe(events.EventStorageEmergencyCleanup, func(e events.Event) {
		emergencies = append(emergencies, e)
	})

	_, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.Len(t, emergencies, 1)
}

func TestStatusSnapshot(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, models.EntityAssessment, "a-1", 10)

	snap := f.orch.Status()
	require.True(t, snap.Online)
	require.False(t, snap.Draining)
	require.Equal(t, 1, snap.Queue.PendingUpload)
	require.Zero(t, snap.LastSync)

	_, err := f.orch.SyncAll(context.Background())
	require.NoError(t, err)
	require.NotZero(t, f.orch.Status().LastSync)
}

func TestTransactionQueryableWhileExecuting(t *testing.T) {
	f := newOrchFixture(t)
	ids := []string{"t-1", "t-2", "t-3", "t-4"}
	items := make([]*models.SyncItem, 0, len(ids))
	for _, id := range ids {
		_, err := f.cache.Put(models.EntityAssessment, id, json.RawMessage(`{}`))
		require.NoError(t, err)
		items = append(items, &models.SyncItem{
			EntityType: models.EntityAssessment,
			EntityID:   id,
			Operation:  models.OpUpdate,
		})
	}
	tx, err := f.orch.CreateTransaction(items)
	require.NoError(t, err)

	// Mid-drain the snapshot must already show the in-progress status.
	f.transport.afterPush = func(int) {
		snap, ok := f.orch.Transaction(tx.ID)
		require.True(t, ok)
		require.Equal(t, models.TxInProgress, snap.Status)
		require.Len(t, snap.Operations, len(ids))
	}

	execDone := make(chan struct{})
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for {
			select {
			case <-execDone:
				return
			default:
			}
			f.orch.Transaction(tx.ID)
		}
	}()

	done, err := f.orch.ExecuteTransaction(context.Background(), tx.ID)
	close(execDone)
	<-pollDone
	require.NoError(t, err)
	require.Equal(t, models.TxCompleted, done.Status)

	snap, ok := f.orch.Transaction(tx.ID)
	require.True(t, ok)
	require.Equal(t, models.TxCompleted, snap.Status)
	require.Equal(t, 1.0, snap.Progress)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newOrchFixture(t)
	f.orch.Start(context.Background())
	f.orch.Stop()
	f.orch.Stop()

	fresh := newOrchFixture(t)
	fresh.orch.Stop()
}
