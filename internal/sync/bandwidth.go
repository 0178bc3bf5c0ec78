package sync

import (
	"context"
	stdsync "sync"

	"github.com/openhabitat/accesscase/internal/events"
	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
)

// Tier classifies current network quality. It decides which entity types
// the orchestrator syncs automatically.
type Tier int

const (
	// TierFull syncs every entity type.
	TierFull Tier = iota
	// TierConstrained skips large-binary types such as photos.
	TierConstrained
	// TierCritical syncs only business-critical types.
	TierCritical
)

func (t Tier) String() string {
	switch t {
	case TierFull:
		return "full"
	case TierConstrained:
		return "constrained"
	default:
		return "critical_only"
	}
}

// Allows reports whether the tier syncs the given entity type.
func (t Tier) Allows(et models.EntityType) bool {
	switch t {
	case TierFull:
		return true
	case TierConstrained:
		return !et.LargeBinary()
	default:
		return et.Critical()
	}
}

// Estimator maintains a smoothed bandwidth estimate fed by small-payload
// timing probes and maps it onto a tier.
type Estimator struct {
	transport Client
	bus       *events.Bus
	high      float64 // bytes/sec threshold for TierFull
	low       float64 // bytes/sec threshold below which only critical types sync

	mu      stdsync.Mutex
	ewma    float64
	sampled bool
	tier    Tier
}

// ewmaAlpha is the weight of the newest probe sample.
const ewmaAlpha = 0.3

// NewEstimator builds an estimator. Until the first probe it reports
// TierFull so a fresh start never withholds sync.
func NewEstimator(transport Client, bus *events.Bus, highBytesPerSec, lowBytesPerSec float64) *Estimator {
	return &Estimator{
		transport: transport,
		bus:       bus,
		high:      highBytesPerSec,
		low:       lowBytesPerSec,
		tier:      TierFull,
	}
}

// Sample runs one timing probe and folds it into the estimate. A tier
// change publishes network.bandwidth_tier_changed. Probe failures keep the
// previous estimate.
func (e *Estimator) Sample(ctx context.Context) (Tier, error) {
	bps, err := e.transport.Probe(ctx)
	if err != nil {
		logging.Debug("bandwidth probe failed", map[string]interface{}{"error": err.Error()})
		return e.Tier(), err
	}

	e.mu.Lock()
	if !e.sampled {
		e.ewma = bps
		e.sampled = true
	} else {
		e.ewma = ewmaAlpha*bps + (1-ewmaAlpha)*e.ewma
	}

	next := TierConstrained
	switch {
	case e.ewma >= e.high:
		next = TierFull
	case e.ewma < e.low:
		next = TierCritical
	}

	prev := e.tier
	e.tier = next
	estimate := e.ewma
	e.mu.Unlock()

	if next != prev {
		logging.Info("bandwidth tier changed", map[string]interface{}{
			"from": prev.String(), "to": next.String(), "bytes_per_sec": estimate,
		})
		_ = e.bus.Publish(events.Event{
			Type: events.EventBandwidthTierChanged,
			Payload: map[string]interface{}{
				"from":          prev.String(),
				"to":            next.String(),
				"bytes_per_sec": estimate,
			},
		})
	}
	return next, nil
}

// Tier returns the current classification.
func (e *Estimator) Tier() Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tier
}

// Estimate returns the smoothed bytes-per-second figure, zero before the
// first successful probe.
func (e *Estimator) Estimate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ewma
}
