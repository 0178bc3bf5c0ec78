package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/events"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
)

// QuotaEnforcer is the storage-side cleanup hook run after each drain.
// The sqlite store implements it; a nil enforcer disables the check.
type QuotaEnforcer interface {
	EnforceQuota() (models.StorageQuotaInfo, bool, error)
}

// Options tunes the orchestrator.
type Options struct {
	AutoSyncInterval time.Duration // periodic drain while online
	ProbeInterval    time.Duration // bandwidth probe cadence
	OpTimeout        time.Duration // per-item processing bound
	HistorySize      int           // drain reports retained, newest first
	QuotaWarnPercent float64       // storage usage that raises a warning event
}

// DefaultOptions returns the orchestrator defaults.
func DefaultOptions() Options {
	return Options{
		AutoSyncInterval: 5 * time.Minute,
		ProbeInterval:    time.Minute,
		OpTimeout:        30 * time.Second,
		HistorySize:      50,
		QuotaWarnPercent: 80,
	}
}

// Report summarizes one drain cycle.
type Report struct {
	StartedAt  int64 // unix ms
	FinishedAt int64 // unix ms
	Succeeded  int
	Failed     int
	Conflicted int
	Remaining  int
}

// Snapshot is the queryable aggregate state.
type Snapshot struct {
	Online       bool
	Draining     bool
	Queue        Stats
	Tier         Tier
	LastSync     int64 // unix ms, zero before the first drain
	Transactions int
}

// Orchestrator owns the drain loop, the auto-sync timer, bandwidth-aware
// entity filtering, multi-operation transactions, and the sync history.
// Drains are serialized through an atomic compare-and-swap so the periodic
// timer, reconnect transitions, and manual calls can all race safely.
type Orchestrator struct {
	queue     *Queue
	registry  *Registry
	generic   *GenericAdapter
	resolver  *Resolver
	estimator *Estimator
	quota     QuotaEnforcer
	bus       *events.Bus
	clk       clock.Clock
	opts      Options

	draining atomic.Bool
	online   atomic.Bool
	running  atomic.Bool

	mu           stdsync.Mutex
	history      []Report
	lastSync     int64
	transactions map[models.UUID]*models.SyncTransaction

	stopCh chan struct{}
	wg     stdsync.WaitGroup
	unsubs []func()
}

// NewOrchestrator wires the orchestrator. It starts offline; connectivity
// arrives through SetOnline or the bridge's connection events once Start
// runs.
func NewOrchestrator(queue *Queue, registry *Registry, generic *GenericAdapter, resolver *Resolver,
	estimator *Estimator, quota QuotaEnforcer, bus *events.Bus, clk clock.Clock, opts Options) *Orchestrator {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultOptions().HistorySize
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOptions().OpTimeout
	}
	return &Orchestrator{
		queue:        queue,
		registry:     registry,
		generic:      generic,
		resolver:     resolver,
		estimator:    estimator,
		quota:        quota,
		bus:          bus,
		clk:          clk,
		opts:         opts,
		transactions: make(map[models.UUID]*models.SyncTransaction),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the auto-sync and probe loops and follows the bridge's
// connection lifecycle for online transitions.
func (o *Orchestrator) Start(ctx context.Context) {
	o.running.Store(true)
	o.unsubs = append(o.unsubs,
		o.bus.Subscribe(events.EventConnectionOpened, func(events.Event) {
			o.SetOnline(true)
		}),
		o.bus.Subscribe(events.EventConnectionClosed, func(events.Event) {
			o.SetOnline(false)
		}),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.loop(ctx)
	}()
	logging.Info("sync orchestrator started", map[string]interface{}{
		"auto_sync_interval": o.opts.AutoSyncInterval.String(),
	})
}

// Stop halts the background loops. Calling it again, or without a prior
// Start, is a no-op.
func (o *Orchestrator) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}
	close(o.stopCh)
	for _, unsub := range o.unsubs {
		unsub()
	}
	o.unsubs = nil
	o.wg.Wait()
}

func (o *Orchestrator) loop(ctx context.Context) {
	syncTicker := time.NewTicker(o.opts.AutoSyncInterval)
	defer syncTicker.Stop()
	probeTicker := time.NewTicker(o.opts.ProbeInterval)
	defer probeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-syncTicker.C:
			if !o.online.Load() {
				continue
			}
			if _, err := o.SyncAll(ctx); err != nil && !models.IsCode(err, models.ErrSyncInProgress) {
				logging.Error("periodic sync failed", err, nil)
			}
		case <-probeTicker.C:
			if !o.online.Load() {
				continue
			}
			_, _ = o.estimator.Sample(ctx)
		}
	}
}

// Online reports current connectivity as the orchestrator sees it.
func (o *Orchestrator) Online() bool { return o.online.Load() }

// SetOnline records a connectivity transition, publishes the matching
// network event, and in daemon mode triggers a drain when the network
// comes back.
func (o *Orchestrator) SetOnline(online bool) {
	prev := o.online.Swap(online)
	if prev == online {
		return
	}

	eventType := events.EventNetworkOffline
	if online {
		eventType = events.EventNetworkOnline
	}
	_ = o.bus.Publish(events.Event{Type: eventType, Payload: map[string]interface{}{}})

	// Reconnect drains only run in daemon mode; one-shot callers drain
	// explicitly after flipping online.
	if online && o.running.Load() {
		go func() {
			if _, err := o.SyncAll(context.Background()); err != nil &&
				!models.IsCode(err, models.ErrSyncInProgress) && !models.IsCode(err, models.ErrSyncOffline) {
				logging.Error("reconnect drain failed", err, nil)
			}
		}()
	}
}

// SyncAll drains every eligible item the current bandwidth tier allows.
func (o *Orchestrator) SyncAll(ctx context.Context) (*Report, error) {
	return o.drain(ctx, nil)
}

// SyncEntityTypes drains only items of the given entity types.
func (o *Orchestrator) SyncEntityTypes(ctx context.Context, types []models.EntityType) (*Report, error) {
	allowed := make(map[models.EntityType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return o.drain(ctx, func(item *models.SyncItem) bool {
		return allowed[item.EntityType]
	})
}

// drain is the single serialized drain cycle. Items process strictly one
// at a time in the priority order computed at cycle start; a mid-cycle
// offline transition stops future items only.
func (o *Orchestrator) drain(ctx context.Context, filter func(*models.SyncItem) bool) (*Report, error) {
	if !o.online.Load() {
		return nil, models.NewError(models.ErrSyncOffline, "cannot sync while offline")
	}
	if !o.draining.CompareAndSwap(false, true) {
		return nil, models.NewError(models.ErrSyncInProgress, "a drain cycle is already running")
	}
	defer o.draining.Store(false)

	if o.queue.Len() == 0 {
		if _, err := o.queue.Reload(); err != nil {
			return nil, err
		}
	}

	tier := o.estimator.Tier()
	var batch []*models.SyncItem
	for _, item := range o.queue.Eligible() {
		if filter != nil && !filter(item) {
			continue
		}
		if !tier.Allows(item.EntityType) {
			continue
		}
		batch = append(batch, item)
	}

	report := &Report{StartedAt: o.clk.NowMillis()}
	if len(batch) == 0 {
		// Nothing to do; an empty cycle makes no network calls and emits
		// no lifecycle events.
		report.FinishedAt = report.StartedAt
		return report, nil
	}

	_ = o.bus.Publish(events.Event{
		Type:    events.EventSyncStarted,
		Payload: map[string]interface{}{"items": len(batch), "tier": tier.String()},
	})

	processed := 0
	for _, item := range batch {
		if !o.online.Load() {
			break
		}
		select {
		case <-ctx.Done():
			report.Remaining = len(batch) - processed
			report.FinishedAt = o.clk.NowMillis()
			o.record(report)
			return report, ctx.Err()
		default:
		}

		o.processItem(ctx, item, report)
		processed++

		_ = o.bus.Publish(events.Event{
			Type: events.EventSyncProgress,
			Payload: map[string]interface{}{
				"processed": processed,
				"total":     len(batch),
			},
		})
	}

	report.Remaining = len(batch) - processed
	report.FinishedAt = o.clk.NowMillis()
	o.record(report)

	_ = o.bus.Publish(events.Event{
		Type: events.EventSyncCompleted,
		Payload: map[string]interface{}{
			"succeeded":  report.Succeeded,
			"failed":     report.Failed,
			"conflicted": report.Conflicted,
			"remaining":  report.Remaining,
		},
	})

	o.checkQuota()
	return report, nil
}

// checkQuota runs the storage cleanup hook and surfaces quota pressure on
// the bus.
func (o *Orchestrator) checkQuota() {
	if o.quota == nil {
		return
	}
	info, emergency, err := o.quota.EnforceQuota()
	if err != nil {
		logging.Error("storage quota check failed", err, nil)
		return
	}
	payload := map[string]interface{}{
		"usage":      info.Usage,
		"quota":      info.Quota,
		"percentage": info.Percentage,
	}
	switch {
	case emergency:
		_ = o.bus.Publish(events.Event{Type: events.EventStorageEmergencyCleanup, Payload: payload})
	case o.opts.QuotaWarnPercent > 0 && info.Percentage >= o.opts.QuotaWarnPercent:
		_ = o.bus.Publish(events.Event{Type: events.EventStorageQuotaWarning, Payload: payload})
	}
}

// processItem runs one item through its adapter under a bounded timeout
// and records the outcome on the report.
func (o *Orchestrator) processItem(ctx context.Context, item *models.SyncItem, report *Report) {
	adapter := o.registry.Lookup(item.EntityType)
	if adapter == nil {
		adapter = o.generic
	}
	if item.ConflictResolution == "" {
		if p, ok := adapter.(DefaultStrategyProvider); ok {
			item.ConflictResolution = p.DefaultStrategy()
		}
	}

	ictx, cancel := context.WithTimeout(ctx, o.opts.OpTimeout)
	err := adapter.ProcessItem(ictx, item)
	cancel()

	if err == nil {
		if cerr := o.queue.Complete(item.ID); cerr != nil {
			logging.Error("failed to complete synced item", cerr,
				map[string]interface{}{"item_id": item.ID})
		}
		report.Succeeded++
		_ = o.bus.Publish(events.Event{
			Type: events.EventSyncItemSynced,
			Payload: map[string]interface{}{
				"item_id":     string(item.ID),
				"entity_type": string(item.EntityType),
				"entity_id":   item.EntityID,
			},
		})
		return
	}

	if conflict, ok := AsConflict(err); ok {
		report.Conflicted++
		if handled := o.adapterConflict(ctx, adapter, item, conflict); handled {
			return
		}
		if _, rerr := o.resolver.Resolve(ctx, item, conflict); rerr != nil {
			o.failItem(item, rerr, report)
			report.Conflicted--
		}
		return
	}

	o.failItem(item, err, report)
}

// adapterConflict gives the adapter's optional conflict hook first shot.
func (o *Orchestrator) adapterConflict(ctx context.Context, adapter EntityAdapter, item *models.SyncItem, conflict *ConflictError) bool {
	h, ok := adapter.(ConflictHandler)
	if !ok {
		return false
	}
	sc := &models.SyncConflict{
		ItemID:         item.ID,
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		ClientData:     item.Data,
		ServerData:     conflict.ServerData,
		ClientModified: item.LastModified,
		ServerModified: conflict.ServerModified,
		Timestamp:      o.clk.NowMillis(),
	}
	handled, err := h.ResolveConflict(ctx, sc)
	if err != nil {
		logging.Warn("adapter conflict hook failed", map[string]interface{}{
			"item_id": item.ID, "error": err.Error(),
		})
		return false
	}
	if handled {
		if cerr := o.queue.Complete(item.ID); cerr != nil {
			logging.Error("failed to complete adapter-resolved item", cerr,
				map[string]interface{}{"item_id": item.ID})
		}
	}
	return handled
}

func (o *Orchestrator) failItem(item *models.SyncItem, cause error, report *Report) {
	report.Failed++
	updated, err := o.queue.Fail(item.ID, cause)
	if err != nil {
		logging.Error("failed to record item failure", err,
			map[string]interface{}{"item_id": item.ID})
		return
	}
	_ = o.bus.Publish(events.Event{
		Type: events.EventSyncItemFailed,
		Payload: map[string]interface{}{
			"item_id":     string(item.ID),
			"entity_type": string(item.EntityType),
			"entity_id":   item.EntityID,
			"error":       cause.Error(),
			"retry_count": updated.RetryCount,
			"status":      string(updated.Status),
		},
	})
}

// record appends to the bounded history ring, newest first.
func (o *Orchestrator) record(report *Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append([]Report{*report}, o.history...)
	if len(o.history) > o.opts.HistorySize {
		o.history = o.history[:o.opts.HistorySize]
	}
	o.lastSync = report.FinishedAt
}

// History returns the retained drain reports, newest first.
func (o *Orchestrator) History() []Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Report, len(o.history))
	copy(out, o.history)
	return out
}

// Status returns the queryable aggregate snapshot.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	lastSync := o.lastSync
	txCount := len(o.transactions)
	o.mu.Unlock()
	return Snapshot{
		Online:       o.online.Load(),
		Draining:     o.draining.Load(),
		Queue:        o.queue.Stats(),
		Tier:         o.estimator.Tier(),
		LastSync:     lastSync,
		Transactions: txCount,
	}
}

// RetryErrored resets permanently failed items and, when online, triggers
// a drain for them.
func (o *Orchestrator) RetryErrored(ctx context.Context) (int, error) {
	n, err := o.queue.RetryErrored()
	if err != nil || n == 0 {
		return n, err
	}
	if o.online.Load() {
		if _, derr := o.SyncAll(ctx); derr != nil && !models.IsCode(derr, models.ErrSyncInProgress) {
			return n, derr
		}
	}
	return n, nil
}

// CreateTransaction enqueues the given operations as one group and returns
// the pending transaction.
func (o *Orchestrator) CreateTransaction(items []*models.SyncItem) (*models.SyncTransaction, error) {
	if len(items) == 0 {
		return nil, models.NewError(models.ErrInvalid, "transaction needs at least one operation")
	}

	tx := &models.SyncTransaction{
		ID:     models.UUID(models.NewID()),
		Status: models.TxPending,
	}
	for _, item := range items {
		if err := o.queue.Enqueue(item); err != nil {
			return nil, err
		}
		tx.Operations = append(tx.Operations, item.ID)
	}

	o.mu.Lock()
	o.transactions[tx.ID] = tx
	o.mu.Unlock()
	return tx, nil
}

// ExecuteTransaction drains the transaction's operations and reports
// aggregate progress. Submission is not atomic: when only part of the
// group synced the transaction ends PartiallyCompleted with the rest
// still queued.
func (o *Orchestrator) ExecuteTransaction(ctx context.Context, txID models.UUID) (*models.SyncTransaction, error) {
	// Mutations happen on a private copy; saveTx publishes snapshots into
	// the map so Transaction never observes a half-written state.
	o.mu.Lock()
	stored, ok := o.transactions[txID]
	if !ok {
		o.mu.Unlock()
		return nil, models.NewError(models.ErrNotFound, "transaction not found: "+string(txID))
	}
	tx := *stored
	tx.Operations = append([]models.UUID(nil), stored.Operations...)
	o.mu.Unlock()

	members := make(map[models.UUID]bool, len(tx.Operations))
	for _, id := range tx.Operations {
		members[id] = true
	}

	tx.Status = models.TxInProgress
	tx.StartTime = o.clk.NowMillis()
	o.saveTx(tx)
	_ = o.bus.Publish(events.Event{
		Type: events.EventSyncTxStarted,
		Payload: map[string]interface{}{
			"transaction_id": string(tx.ID),
			"operations":     len(tx.Operations),
		},
	})

	_, err := o.drain(ctx, func(item *models.SyncItem) bool {
		return members[item.ID]
	})
	if err != nil {
		tx.Status = models.TxFailed
		tx.Error = err.Error()
		tx.EndTime = o.clk.NowMillis()
		o.saveTx(tx)
		return &tx, err
	}

	// An operation is done when it left the queue.
	completed := 0
	for _, id := range tx.Operations {
		if o.queue.Get(id) == nil {
			completed++
		}
	}
	tx.Progress = float64(completed) / float64(len(tx.Operations))
	tx.EndTime = o.clk.NowMillis()
	switch completed {
	case len(tx.Operations):
		tx.Status = models.TxCompleted
	case 0:
		tx.Status = models.TxFailed
	default:
		tx.Status = models.TxPartiallyCompleted
	}
	o.saveTx(tx)

	_ = o.bus.Publish(events.Event{
		Type: events.EventSyncTxCompleted,
		Payload: map[string]interface{}{
			"transaction_id": string(tx.ID),
			"status":         string(tx.Status),
			"progress":       tx.Progress,
		},
	})
	return &tx, nil
}

// saveTx stores an immutable snapshot of the transaction.
func (o *Orchestrator) saveTx(tx models.SyncTransaction) {
	cp := tx
	cp.Operations = append([]models.UUID(nil), tx.Operations...)
	o.mu.Lock()
	o.transactions[cp.ID] = &cp
	o.mu.Unlock()
}

// Transaction returns a copy of a known transaction.
func (o *Orchestrator) Transaction(txID models.UUID) (*models.SyncTransaction, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tx, ok := o.transactions[txID]
	if !ok {
		return nil, false
	}
	cp := *tx
	cp.Operations = append([]models.UUID(nil), tx.Operations...)
	return &cp, true
}
