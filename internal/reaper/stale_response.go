// Copyright 2025 James Ross
package reaper

import (
	"context"
	"strconv"
	"time"

	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/obs"
	"github.com/taskmesh/dispatch/internal/store"
)

// staleResponseSweep implements spec §4.5's stale partial-response reaper:
// jobs stuck in assigned with at least one response past the grace period
// are partially completed; jobs never assigned at all are failed outright.
func (r *Reaper) staleResponseSweep(ctx context.Context) {
	grace := time.Duration(r.cfg.StaleJobGraceS) * time.Second
	cutoff := time.Now().UTC().Add(-grace)

	assigned, err := r.store.ListJobsByState(ctx, domain.StateAssigned, 0, store.OrderAsc)
	if err != nil {
		r.log.Warn("reaper: list assigned failed", obs.Err(err))
		return
	}
	for _, job := range assigned {
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		if len(job.Responses) == 0 {
			continue // left assigned; a validator will observe the partial failure
		}
		now := time.Now().UTC()
		err := r.store.UpdateState(ctx, job.ID, domain.StateCompleted, store.StatePatch{
			AllResponsesAt: &now,
			Metadata: map[string]string{
				"completion_reason":       "timeout cleanup",
				"actual_response_count":   strconv.Itoa(len(job.Responses)),
				"expected_response_count": strconv.Itoa(len(job.AssignedWorkers)),
			},
		})
		if err != nil {
			r.log.Warn("reaper: stale assigned completion failed", obs.String("job_id", job.ID), obs.Err(err))
			continue
		}
		obs.ReaperReaped.WithLabelValues("stale_response").Inc()
		obs.JobsCompleted.Inc()
	}

	pending, err := r.store.ListJobsByState(ctx, domain.StatePending, 0, store.OrderAsc)
	if err != nil {
		r.log.Warn("reaper: list pending failed", obs.Err(err))
		return
	}
	for _, job := range pending {
		if !job.CreatedAt.Before(cutoff) {
			continue
		}
		err := r.store.UpdateState(ctx, job.ID, domain.StateFailed, store.StatePatch{
			Metadata: map[string]string{
				"failure_reason":    "task never assigned to miners after 1+ hour",
				"failure_timestamp": time.Now().UTC().Format(time.RFC3339),
			},
		})
		if err != nil {
			r.log.Warn("reaper: stale pending failure failed", obs.String("job_id", job.ID), obs.Err(err))
			continue
		}
		obs.ReaperReaped.WithLabelValues("stale_response").Inc()
		obs.JobsFailed.Inc()
	}
}
