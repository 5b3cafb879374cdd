// Package reaper is C7: three cooperative timeout/cleanup loops running on
// independent cadences (spec §4.5), each shaped like the teacher's own
// Run(ctx)/scanOnce(ctx) ticker loop (internal/reaper's prior Redis-queue
// reaper, now generalized to the dispatch job/worker domain).
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/archive"
	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/obs"
	"github.com/taskmesh/dispatch/internal/store"
)

// Roster is the subset of roster.Roster the inactive-worker loop needs.
type Roster interface {
	ReapInactive(ctx context.Context) (int, error)
}

// Reaper owns the three C7 loops. Each runs as its own goroutine under a
// shared cancellation context (spec §5).
type Reaper struct {
	store   store.JobStore
	roster  Roster
	archive archive.Sink
	cfg     config.Reaper
	log     *zap.Logger
}

func New(s store.JobStore, r Roster, archiveSink archive.Sink, cfg config.Reaper, log *zap.Logger) *Reaper {
	return &Reaper{store: s, roster: r, archive: archiveSink, cfg: cfg, log: log}
}

// RunStaleResponseLoop runs the 15-minute-default stale partial-response
// sweep (spec §4.5).
func (r *Reaper) RunStaleResponseLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.StaleJobSweepS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.staleResponseSweep(ctx)
		}
	}
}

// RunInactiveWorkerLoop runs the 5-minute-default inactive-worker sweep.
func (r *Reaper) RunInactiveWorkerLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.InactiveWorkerSweepS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.inactiveWorkerSweep(ctx)
		}
	}
}

// RunOldJobLoop runs the 24-hour-default archive/delete sweep. When
// old_job_cron is configured it fires on that cron cadence instead of a
// fixed ticker, for operators who want a wall-clock-aligned reaper window
// (e.g. "3am daily") rather than a since-startup interval.
func (r *Reaper) RunOldJobLoop(ctx context.Context) {
	if r.cfg.OldJobCron != "" {
		r.runOldJobCron(ctx)
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.oldJobSweep(ctx)
		}
	}
}

func (r *Reaper) runOldJobCron(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc(r.cfg.OldJobCron, func() { r.oldJobSweep(ctx) })
	if err != nil {
		r.log.Error("reaper: invalid old_job_cron expression, falling back to 24h ticker", obs.Err(err))
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.oldJobSweep(ctx)
			}
		}
	}
	c.Start()
	<-ctx.Done()
	c.Stop()
}
