package main

import (
	"context"
	"os"

	"github.com/openhabitat/accesscase/internal/blob"
	"github.com/openhabitat/accesscase/internal/bridge"
	"github.com/openhabitat/accesscase/internal/clock"
	"github.com/openhabitat/accesscase/internal/config"
	"github.com/openhabitat/accesscase/internal/domain"
	"github.com/openhabitat/accesscase/internal/events"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
	"github.com/openhabitat/accesscase/internal/records"
	"github.com/openhabitat/accesscase/internal/store"
	syncpkg "github.com/openhabitat/accesscase/internal/sync"
	"github.com/openhabitat/accesscase/internal/sync/adapters"
	"github.com/openhabitat/accesscase/internal/transport"
)

// app holds the wired sync core. Every collaborator is constructed here
// and passed explicitly; nothing reaches for globals.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	bus      *events.Bus
	bridge   *bridge.Bridge
	queue    *syncpkg.Queue
	resolver *syncpkg.Resolver
	orch     *syncpkg.Orchestrator
	domain   *domain.Set
}

// newApp builds the full stack from environment configuration and opens
// the local store.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logging.Init(os.Stderr, cfg.LogLevel)

	st := store.NewSQLiteStore(cfg.DataDir, store.Options{
		Quota:            cfg.StorageQuota,
		CompressMinBytes: cfg.CompressMinBytes,
		CleanupThreshold: cfg.CleanupThreshold,
		HardCeiling:      cfg.HardCeiling,
	})
	st.RegisterSchemaVersion(store.SchemaVersion{Version: 1})
	if err := st.Open(); err != nil {
		return nil, err
	}

	clk := clock.System{}
	bus := events.NewBus(st, clk)
	brCfg := bridge.DefaultConfig(cfg.ServerWSURL)
	brCfg.Source = "accesscase-cli"
	brCfg.ReconnectBase = cfg.ReconnectBase
	brCfg.ReconnectMax = cfg.ReconnectMax
	brCfg.MaxRetries = cfg.ReconnectMaxRetries
	br := bridge.New(brCfg, bus)
	bus.SetBroadcaster(br)

	cache := records.NewCache(st, clk)
	client := transport.NewHTTPClient(transport.Config{BaseURL: cfg.ServerAPIURL, Token: cfg.APIToken})
	queue := syncpkg.NewQueue(st, bus, clk)
	resolver := syncpkg.NewResolver(st, cache, queue, client, bus, clk)

	registry := syncpkg.NewRegistry()
	registry.Register(adapters.NewAssessmentAdapter(client, cache))
	if cfg.BlobBucket != "" {
		blobs, err := blob.NewS3Store(ctx, blob.S3Config{
			Bucket:          cfg.BlobBucket,
			Region:          cfg.BlobRegion,
			Endpoint:        cfg.BlobEndpoint,
			AccessKeyID:     cfg.BlobAccessKey,
			SecretAccessKey: cfg.BlobSecretKey,
			UsePathStyle:    cfg.BlobPathStyle,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		registry.Register(adapters.NewPhotoAdapter(client, cache, blobs))
	}

	generic := syncpkg.NewGenericAdapter(client, cache, "")
	estimator := syncpkg.NewEstimator(client, bus,
		float64(cfg.HighBandwidth), float64(cfg.LowBandwidth))
	orch := syncpkg.NewOrchestrator(queue, registry, generic, resolver, estimator, st, bus, clk,
		syncpkg.Options{
			AutoSyncInterval: cfg.AutoSyncInterval,
			ProbeInterval:    cfg.ProbeInterval,
			OpTimeout:        cfg.OpTimeout,
			HistorySize:      cfg.HistorySize,
			QuotaWarnPercent: cfg.CleanupThreshold,
		})

	if _, err := queue.Reload(); err != nil {
		logging.Warn("queue reload failed", map[string]interface{}{"error": err.Error()})
	}

	return &app{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		bridge:   br,
		queue:    queue,
		resolver: resolver,
		orch:     orch,
		domain:   domain.NewSet(cache, queue, bus, orch, clk),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logging.Warn("store close failed", map[string]interface{}{"error": err.Error()})
	}
}

// tierLabel renders a bandwidth tier for terminal output.
func tierLabel(t syncpkg.Tier) string { return t.String() }

// strategyArg parses a resolution strategy argument.
func strategyArg(s string) (models.ConflictResolutionStrategy, error) {
	strategy := models.ConflictResolutionStrategy(s)
	if !models.ValidStrategy(strategy) || strategy == models.Manual {
		return "", models.NewError(models.ErrInvalid,
			"strategy must be one of client_wins, server_wins, last_modified_wins, merge_by_field")
	}
	return strategy, nil
}
