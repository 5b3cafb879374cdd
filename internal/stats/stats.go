// Package stats is C8: a periodic reporter that reads job counts by state
// from the store and publishes them as both Prometheus gauges and a
// structured log line, on the same ticker-or-cron cadence pattern used by
// the reaper's old-job loop (spec §4.6).
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/obs"
	"github.com/taskmesh/dispatch/internal/store"
)

// allStates is the full enum the reporter rolls counts for. Missing states
// are reported as zero rather than omitted, so dashboards never show a
// gap where a state simply had no jobs this tick.
var allStates = []domain.State{
	domain.StatePending, domain.StateAssigned, domain.StateInProgress,
	domain.StateCompleted, domain.StateDone, domain.StateApproved,
	domain.StateFailed, domain.StateCancelled,
}

// Reporter is C8.
type Reporter struct {
	store store.JobStore
	cfg   config.Stats
	log   *zap.Logger

	mu     sync.Mutex
	latest map[domain.State]int64
}

func New(s store.JobStore, cfg config.Stats, log *zap.Logger) *Reporter {
	return &Reporter{store: s, cfg: cfg, log: log, latest: map[domain.State]int64{}}
}

// Run drives the reporter on a fixed interval, or on a cron cadence when
// cfg.Cron is set.
func (r *Reporter) Run(ctx context.Context) {
	if r.cfg.Cron != "" {
		r.runCron(ctx)
		return
	}
	interval := time.Duration(r.cfg.IntervalS) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

func (r *Reporter) runCron(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc(r.cfg.Cron, func() { r.report(ctx) })
	if err != nil {
		r.log.Error("stats: invalid cron expression, falling back to 60s ticker", obs.Err(err))
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.report(ctx)
			}
		}
	}
	c.Start()
	<-ctx.Done()
	c.Stop()
}

func (r *Reporter) report(ctx context.Context) {
	counts, err := r.store.CountsByState(ctx, allStates)
	if err != nil {
		r.log.Warn("stats: counts-by-state failed", obs.Err(err))
		return
	}

	fields := make([]zap.Field, 0, len(allStates))
	r.mu.Lock()
	for _, state := range allStates {
		n := counts[state] // zero value if the state was absent from the result
		obs.JobsByState.WithLabelValues(string(state)).Set(float64(n))
		r.latest[state] = n
		fields = append(fields, zap.Int64(string(state), n))
	}
	r.mu.Unlock()
	r.log.Info("stats: job counts by state", fields...)
}

// Snapshot returns the most recently reported counts, for the admin
// surface's GetStatistics call.
func (r *Reporter) Snapshot() map[domain.State]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.State]int64, len(r.latest))
	for k, v := range r.latest {
		out[k] = v
	}
	return out
}
