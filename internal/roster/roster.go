// Package roster is C3: a thin ranking and multi-validator conflict
// resolution layer over store.Store's raw worker rows. It owns none of its
// own state — every call round-trips to the store — mirroring the
// teacher's own preference for a stateless layer over the Redis client
// rather than an in-memory cache that could drift (internal/breaker
// wraps calls the same stateless way).
package roster

import (
	"context"
	"sort"
	"time"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/store"
)

// Roster is C3's ranking/merge-policy facade over store.WorkerStore.
type Roster struct {
	store         store.Store
	workerTimeout time.Duration
	weights       domain.EligibilityWeights
}

func New(s store.Store, cfg config.Roster) *Roster {
	return &Roster{
		store:         s,
		workerTimeout: time.Duration(cfg.WorkerTimeoutS) * time.Second,
		weights: domain.EligibilityWeights{
			Performance: cfg.EligibilityWeights.Performance,
			Headroom:    cfg.EligibilityWeights.Headroom,
			Stake:       cfg.EligibilityWeights.Stake,
			Freshness:   cfg.EligibilityWeights.Freshness,
		},
	}
}

// WorkerSnapshot is one validator's observation of a worker, the input to
// UpsertWorkerReport (spec §4.2).
type WorkerSnapshot struct {
	WorkerID         string
	IdentityKey      string
	IsServing        bool
	Stake            float64
	PerformanceScore float64
	Specialization   []domain.Kind
	MaxCapacity      int
	Load             int
}

// UpsertWorkerReport merges a validator's snapshot into the roster's
// existing view of a worker, applying the conflict-resolution rule of spec
// §4.2.1 field by field. If the worker is new, the snapshot becomes the
// row verbatim (seeding both reporter sets with validatorID).
func (r *Roster) UpsertWorkerReport(ctx context.Context, validatorID string, snap WorkerSnapshot, now time.Time) error {
	existing, ok, err := r.store.GetWorker(ctx, snap.WorkerID)
	if err != nil {
		return err
	}
	if !ok {
		w := domain.Worker{
			WorkerID:             snap.WorkerID,
			IdentityKey:          snap.IdentityKey,
			IsServing:            snap.IsServing,
			Stake:                snap.Stake,
			PerformanceScore:     snap.PerformanceScore,
			Specialization:       snap.Specialization,
			MaxCapacity:          snap.MaxCapacity,
			Load:                 snap.Load,
			LastSeen:             now,
			PerformanceReporters: map[string]bool{validatorID: true},
			LoadReporters:        map[string]bool{validatorID: true},
		}
		return r.store.PutWorker(ctx, w)
	}

	// identity-mismatch detection (supplemented feature, from the original
	// proxy's miner_response_handler.py): a worker_id reused by a
	// different identity_key is a new logical entity wearing an old name,
	// not the same miner reconnecting. Treat it as a fresh row — reset
	// reporter-weighted history rather than blending it with the
	// impostor's numbers.
	if existing.IdentityKey != "" && snap.IdentityKey != "" && existing.IdentityKey != snap.IdentityKey {
		w := domain.Worker{
			WorkerID:             snap.WorkerID,
			IdentityKey:          snap.IdentityKey,
			IsServing:            snap.IsServing,
			Stake:                snap.Stake,
			PerformanceScore:     snap.PerformanceScore,
			Specialization:       snap.Specialization,
			MaxCapacity:          snap.MaxCapacity,
			Load:                 snap.Load,
			LastSeen:             now,
			PerformanceReporters: map[string]bool{validatorID: true},
			LoadReporters:        map[string]bool{validatorID: true},
		}
		return r.store.PutWorker(ctx, w)
	}

	merged := existing
	merged.IsServing = existing.IsServing || snap.IsServing
	if snap.Stake > merged.Stake {
		merged.Stake = snap.Stake
	}
	if snap.MaxCapacity > merged.MaxCapacity {
		merged.MaxCapacity = snap.MaxCapacity
	}
	if snap.IdentityKey != "" {
		merged.IdentityKey = snap.IdentityKey
	}

	if merged.PerformanceReporters == nil {
		merged.PerformanceReporters = map[string]bool{}
	}
	if merged.LoadReporters == nil {
		merged.LoadReporters = map[string]bool{}
	}
	merged.PerformanceScore = weightedMean(existing.PerformanceScore, len(merged.PerformanceReporters), snap.PerformanceScore, 1)
	merged.Load = int(weightedMean(float64(existing.Load), len(merged.LoadReporters), float64(snap.Load), 1) + 0.5)
	merged.PerformanceReporters[validatorID] = true
	merged.LoadReporters[validatorID] = true

	merged.Specialization = mergeSpecialization(existing.Specialization, snap.Specialization)
	merged.LastSeen = now

	return r.store.PutWorker(ctx, merged)
}

// weightedMean implements spec §4.2.1's x' = (x_old*|R_old| + x_new*|R_new|)
// / (|R_old|+|R_new|), falling back to a simple mean when both reporter
// sets are empty.
func weightedMean(xOld float64, rOld int, xNew float64, rNew int) float64 {
	if rOld == 0 && rNew == 0 {
		return (xOld + xNew) / 2
	}
	return (xOld*float64(rOld) + xNew*float64(rNew)) / float64(rOld+rNew)
}

// mergeSpecialization prefers the more specific (superset) set; equal
// specificity keeps the existing set (spec §4.2.1).
func mergeSpecialization(existing, incoming []domain.Kind) []domain.Kind {
	if len(existing) == 0 {
		return incoming
	}
	if len(incoming) == 0 {
		return existing
	}
	existSet := toSet(existing)
	incomingSet := toSet(incoming)
	if isSuperset(incomingSet, existSet) && len(incomingSet) > len(existSet) {
		return incoming
	}
	return existing
}

func toSet(ks []domain.Kind) map[domain.Kind]bool {
	m := make(map[domain.Kind]bool, len(ks))
	for _, k := range ks {
		m[k] = true
	}
	return m
}

func isSuperset(a, b map[domain.Kind]bool) bool {
	for k := range b {
		if !a[k] {
			return false
		}
	}
	return true
}

// GetEligibleWorkers implements the filter-then-rank contract of spec
// §4.2.2: eligible workers ranked by availability_score descending, tied
// broken by lower effective_load.
func (r *Roster) GetEligibleWorkers(ctx context.Context, kind domain.Kind, limit int, exclude map[string]bool) ([]domain.Worker, error) {
	all, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	type scored struct {
		w        domain.Worker
		score    float64
		effLoad  int
	}
	candidates := make([]scored, 0, len(all))
	for _, w := range all {
		liveCount, err := r.store.LiveCount(ctx, w.WorkerID, activeStateList)
		if err != nil {
			return nil, err
		}
		if !domain.Eligible(w, kind, liveCount, exclude, now, r.workerTimeout) {
			continue
		}
		candidates = append(candidates, scored{
			w:       w,
			score:   domain.AvailabilityScore(w, liveCount, now, r.workerTimeout, r.weights),
			effLoad: domain.EffectiveLoad(w.Load, liveCount),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].effLoad < candidates[j].effLoad
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]domain.Worker, len(candidates))
	for i, c := range candidates {
		out[i] = c.w
	}
	return out, nil
}

var activeStateList = []domain.State{domain.StatePending, domain.StateAssigned, domain.StateInProgress}

func (r *Roster) IncLoad(ctx context.Context, workerID string) (int, error) {
	return r.store.IncLoad(ctx, workerID)
}

func (r *Roster) DecLoad(ctx context.Context, workerID string) (int, error) {
	return r.store.DecLoad(ctx, workerID)
}

func (r *Roster) LoadOf(ctx context.Context, workerID string) (int, error) {
	counter, err := r.store.LoadOf(ctx, workerID)
	if err != nil {
		return 0, err
	}
	liveCount, err := r.store.LiveCount(ctx, workerID, activeStateList)
	if err != nil {
		return 0, err
	}
	return domain.EffectiveLoad(counter, liveCount), nil
}

func (r *Roster) ReapInactive(ctx context.Context) (int, error) {
	return r.store.ReapInactive(ctx, time.Now().UTC().Add(-r.workerTimeout))
}
