package domain

import "time"

// Worker is a roster entry for one miner (spec §3).
type Worker struct {
	WorkerID        string    `json:"worker_id"`
	IdentityKey     string    `json:"identity_key"`
	IsServing       bool      `json:"is_serving"`
	Stake           float64   `json:"stake"`
	PerformanceScore float64  `json:"performance_score"`
	Specialization  []Kind    `json:"specialization,omitempty"`
	MaxCapacity     int       `json:"max_capacity"`
	Load            int       `json:"load"`
	LastSeen        time.Time `json:"last_seen"`

	// Reporters tracks, per continuous field, how many distinct
	// validators have contributed to the current weighted mean, so a
	// later UpsertWorkerReport can apply the weighted-mean merge rule of
	// spec §4.2.1. Keyed by validator id.
	PerformanceReporters map[string]bool `json:"performance_reporters,omitempty"`
	LoadReporters        map[string]bool `json:"load_reporters,omitempty"`
}

// EligibilityWeights are the ranking weights of spec §4.2.2, exposed as
// configuration per the Open Questions in §9.
type EligibilityWeights struct {
	Performance float64
	Headroom    float64
	Stake       float64
	Freshness   float64
}

// DefaultEligibilityWeights is the 0.4/0.3/0.2/0.1 split asserted by spec
// §4.2.2.
var DefaultEligibilityWeights = EligibilityWeights{
	Performance: 0.4,
	Headroom:    0.3,
	Stake:       0.2,
	Freshness:   0.1,
}

// EffectiveLoad is max(counter, liveCount) per spec §9's Open Question
// resolution: the authoritative load used everywhere in the core.
func EffectiveLoad(counter, liveCount int) int {
	if liveCount > counter {
		return liveCount
	}
	return counter
}

// Eligible reports whether w may be assigned a job of kind k, per spec
// §4.2.2. exclude is the job's current assigned_workers set. now and
// workerTimeout parameterize the liveness check.
func Eligible(w Worker, k Kind, liveCount int, exclude map[string]bool, now time.Time, workerTimeout time.Duration) bool {
	if !w.IsServing {
		return false
	}
	if now.Sub(w.LastSeen) >= workerTimeout {
		return false
	}
	if exclude[w.WorkerID] {
		return false
	}
	effLoad := EffectiveLoad(w.Load, liveCount)
	if effLoad >= w.MaxCapacity {
		return false
	}
	if len(w.Specialization) > 0 {
		found := false
		for _, spec := range w.Specialization {
			if spec == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AvailabilityScore computes the ranking scalar of spec §4.2.2.
func AvailabilityScore(w Worker, liveCount int, now time.Time, workerTimeout time.Duration, weights EligibilityWeights) float64 {
	effLoad := EffectiveLoad(w.Load, liveCount)
	headroom := 0.0
	if w.MaxCapacity > 0 {
		headroom = 1 - float64(effLoad)/float64(w.MaxCapacity)
	}
	stakeTerm := w.Stake / 1000
	if stakeTerm > 1 {
		stakeTerm = 1
	}
	freshness := 1 - now.Sub(w.LastSeen).Seconds()/workerTimeout.Seconds()
	if freshness < 0 {
		freshness = 0
	}
	return weights.Performance*w.PerformanceScore +
		weights.Headroom*headroom +
		weights.Stake*stakeTerm +
		weights.Freshness*freshness
}
