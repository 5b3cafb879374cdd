// Package scheduler is C5: the periodic assignment loop that matches
// pending/assigned jobs to eligible workers. Shape grounded on the
// teacher's reaper.Run ticker/scanOnce loop (internal/reaper/reaper.go);
// bounded fan-out uses a plain channel semaphore rather than a pool
// library, matching the teacher's own concurrency idiom throughout.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/notify"
	"github.com/taskmesh/dispatch/internal/obs"
	"github.com/taskmesh/dispatch/internal/roster"
	"github.com/taskmesh/dispatch/internal/store"
	"go.uber.org/zap"
)

// Roster is the subset of roster.Roster the scheduler depends on.
type Roster interface {
	GetEligibleWorkers(ctx context.Context, kind domain.Kind, limit int, exclude map[string]bool) ([]domain.Worker, error)
}

var _ Roster = (*roster.Roster)(nil)

type Scheduler struct {
	store     store.JobStore
	roster    Roster
	cfg       config.Scheduler
	limiter   *rate.Limiter
	log       *zap.Logger
	fanoutCap int
	notifier  *notify.Publisher
}

func New(s store.JobStore, r Roster, cfg config.Scheduler, log *zap.Logger, notifier *notify.Publisher) *Scheduler {
	qps := cfg.EligibleFetchRateQPS
	if qps <= 0 {
		qps = 20
	}
	return &Scheduler{
		store:     s,
		roster:    r,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(qps), qps),
		log:       log,
		fanoutCap: 8,
		notifier:  notifier,
	}
}

// Run starts the ticker-driven assignment loop; it blocks until ctx is
// cancelled (spec §5: each background loop owns one goroutine under a
// shared context).
func (s *Scheduler) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.IntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.passOnce(ctx)
		}
	}
}

func (s *Scheduler) passOnce(ctx context.Context) {
	start := time.Now()
	defer func() { obs.SchedulerPassDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := s.store.ListJobsByState(ctx, domain.StatePending, s.cfg.BatchSize, store.OrderAsc)
	if err != nil {
		s.log.Warn("scheduler: list pending failed", obs.Err(err))
		return
	}
	assigned, err := s.store.ListJobsByState(ctx, domain.StateAssigned, s.cfg.BatchSize, store.OrderAsc)
	if err != nil {
		s.log.Warn("scheduler: list assigned failed", obs.Err(err))
		return
	}
	jobs := append(pending, assigned...)
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, s.fanoutCap)
	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.assignOne(ctx, job)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) assignOne(ctx context.Context, job domain.Job) {
	current := len(job.AssignedWorkers)
	if current >= job.MaxWorkers {
		return
	}
	needed := job.MaxWorkers - current
	if current < job.MinWorkers && needed < job.MinWorkers-current {
		needed = job.MinWorkers - current
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	exclude := make(map[string]bool, current)
	for _, w := range job.AssignedWorkers {
		exclude[w] = true
	}
	candidates, err := s.roster.GetEligibleWorkers(ctx, job.Kind, 2*needed, exclude)
	if err != nil {
		s.log.Warn("scheduler: get eligible workers failed", obs.String("job_id", job.ID), obs.Err(err))
		return
	}
	if len(candidates) == 0 {
		return // no eligible workers this pass; leave job untouched, no log spam
	}
	if len(candidates) > needed {
		candidates = candidates[:needed]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.WorkerID
	}

	outcome, err := s.store.AssignWorkers(ctx, job.ID, ids, job.MinWorkers, job.MaxWorkers)
	if err != nil {
		s.log.Warn("scheduler: assign workers failed", obs.String("job_id", job.ID), obs.Err(err))
		return
	}
	if len(outcome.Committed) == 0 {
		obs.AssignmentsDroppedQuota.Add(float64(len(ids)))
		return
	}
	obs.AssignmentsCommitted.Add(float64(len(outcome.Committed)))
	if len(outcome.Committed) < len(ids) {
		obs.AssignmentsDroppedQuota.Add(float64(len(ids) - len(outcome.Committed)))
	}
	if outcome.TransitionedToAssigned {
		obs.JobsAssigned.Inc()
	}
	s.log.Info("scheduler: committed assignment",
		obs.String("job_id", job.ID), obs.Int("committed", len(outcome.Committed)),
		obs.Bool("transitioned", outcome.TransitionedToAssigned))
	s.notifier.PublishAssignment(ctx, job.ID, string(job.Kind), outcome.Committed)
}
