// Copyright 2025 James Ross
package reaper

import (
	"context"

	"github.com/taskmesh/dispatch/internal/obs"
)

// inactiveWorkerSweep implements spec §4.5's inactive-worker reaper: rows
// whose last_seen predates worker_timeout are deleted outright.
func (r *Reaper) inactiveWorkerSweep(ctx context.Context) {
	n, err := r.roster.ReapInactive(ctx)
	if err != nil {
		r.log.Warn("reaper: inactive worker sweep failed", obs.Err(err))
		return
	}
	if n > 0 {
		obs.ReaperReaped.WithLabelValues("inactive_worker").Add(float64(n))
		obs.WorkerCount.Sub(float64(n))
		r.log.Info("reaper: reaped inactive workers", obs.Int("count", n))
	}
}
