package sync

import (
	"context"
	stdsync "sync"

	"github.com/openhabitat/accesscase/internal/models"
)

// fakeTransport scripts transport outcomes per entity id and counts calls.
type fakeTransport struct {
	mu          stdsync.Mutex
	pushes      []models.UUID
	forcePushes []models.UUID
	fetches     []string

	pushErr      map[string]error // entity id -> error returned by Push
	forcePushErr error
	fetchRes     map[string]*FetchResult
	fetchErr     error
	probeBps     float64
	probeErr     error

	afterPush func(n int) // called with the running push count
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pushErr:  make(map[string]error),
		fetchRes: make(map[string]*FetchResult),
		probeBps: 1 << 22,
	}
}

func (f *fakeTransport) Push(_ context.Context, item *models.SyncItem) error {
	f.mu.Lock()
	f.pushes = append(f.pushes, item.ID)
	n := len(f.pushes)
	err := f.pushErr[item.EntityID]
	hook := f.afterPush
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return err
}

func (f *fakeTransport) ForcePush(_ context.Context, item *models.SyncItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forcePushes = append(f.forcePushes, item.ID)
	return f.forcePushErr
}

func (f *fakeTransport) Fetch(_ context.Context, _ models.EntityType, entityID string) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, entityID)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	res, ok := f.fetchRes[entityID]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "no server copy: "+entityID)
	}
	return res, nil
}

func (f *fakeTransport) Probe(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return 0, f.probeErr
	}
	return f.probeBps, nil
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes) + len(f.forcePushes) + len(f.fetches)
}
