// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/obs"
	"github.com/taskmesh/dispatch/internal/store"
)

var terminalStatesForArchival = []domain.State{
	domain.StateCompleted, domain.StateDone, domain.StateApproved,
	domain.StateFailed, domain.StateCancelled,
}

// oldJobSweep implements spec §4.5's very-old reaper: terminal jobs older
// than old_job_retention_days are archived (when an archive sink is
// configured) then deleted from the store.
func (r *Reaper) oldJobSweep(ctx context.Context) {
	retention := time.Duration(r.cfg.OldJobRetentionDays) * 24 * time.Hour
	cutoff := time.Now().UTC().Add(-retention)

	var toDelete []domain.Job
	for _, state := range terminalStatesForArchival {
		jobs, err := r.store.ListJobsByState(ctx, state, 0, store.OrderAsc)
		if err != nil {
			r.log.Warn("reaper: list terminal jobs failed", obs.String("state", string(state)), obs.Err(err))
			continue
		}
		for _, j := range jobs {
			if j.CreatedAt.Before(cutoff) {
				toDelete = append(toDelete, j)
			}
		}
	}
	if len(toDelete) == 0 {
		return
	}

	if r.archive != nil {
		if err := r.archive.Archive(ctx, toDelete); err != nil {
			r.log.Warn("reaper: archive old jobs failed, skipping deletion this pass", obs.Err(err))
			return
		}
	}

	deleted := 0
	for _, j := range toDelete {
		if err := r.store.DeleteJob(ctx, j.ID); err != nil {
			r.log.Warn("reaper: delete old job failed", obs.String("job_id", j.ID), obs.Err(err))
			continue
		}
		deleted++
	}
	obs.ReaperReaped.WithLabelValues("old_job").Add(float64(deleted))
	r.log.Info("reaper: archived and deleted old jobs", obs.Int("count", deleted))
}
