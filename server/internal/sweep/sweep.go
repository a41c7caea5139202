// Package sweep runs the periodic maintenance pass that keeps the registry and
// the admission limiter physically bounded: expired records are evicted, the
// capacity bound is enforced and idle reporter sources are forgotten.
//
// Reads never depend on the sweep for correctness (expired records are
// excluded lazily); the sweep is what stops memory from growing.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/sightline/sightline/server/internal/admission"
	"github.com/sightline/sightline/server/internal/metrics"
	"github.com/sightline/sightline/server/internal/registry"
)

// DefaultInterval is the sweep period when Config.Interval is zero.
const DefaultInterval = 60 * time.Second

// Config controls the sweep.
type Config struct {
	// Interval between passes.
	Interval time.Duration

	// MaxSize is the capacity bound enforced on every pass. Zero falls back
	// to the registry's own capacity.
	MaxSize int

	// StaleAfter is how long an idle source is kept by the limiter.
	StaleAfter time.Duration
}

// Result is what one pass removed.
type Result struct {
	Expired int
	Evicted int
	Purged  int
}

// Scheduler drives the sweep.
type Scheduler struct {
	reg *registry.Registry
	lim *admission.Limiter
	cfg Config
	now registry.Clock // injectable for deterministic tests
}

// New creates a Scheduler over reg and lim.
func New(reg *registry.Registry, lim *admission.Limiter, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = reg.Capacity()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = admission.DefaultStaleAfter
	}
	return &Scheduler{reg: reg, lim: lim, cfg: cfg, now: time.Now}
}

// RunOnce performs one pass at now: EvictExpired, EnforceCapacity, then
// PurgeStale, in that order.
func (s *Scheduler) RunOnce(now time.Time) Result {
	start := time.Now()
	res := Result{
		Expired: s.reg.EvictExpired(now),
		Evicted: s.reg.EnforceCapacity(s.cfg.MaxSize),
		Purged:  s.lim.PurgeStale(now, s.cfg.StaleAfter),
	}

	metrics.ObserveSweep(res.Expired, res.Evicted, res.Purged, time.Since(start))
	metrics.RegistryRecords.Set(float64(s.reg.Len()))
	metrics.AdmissionSources.Set(float64(s.lim.Len()))

	if res != (Result{}) {
		slog.Debug("sweep: pass complete",
			"expired", res.Expired,
			"evicted", res.Evicted,
			"purged_sources", res.Purged,
		)
	}
	return res
}

// Run ticks every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunOnce(s.now())
		}
	}
}
