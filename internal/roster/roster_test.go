// Copyright 2025 James Ross
package roster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/store/redisstore"
)

func newTestRoster(t *testing.T) *Roster {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := redisstore.New(rdb)
	return New(s, config.Roster{
		WorkerTimeoutS:     900,
		EligibilityWeights: config.EligibilityWeights{Performance: 0.4, Headroom: 0.3, Stake: 0.2, Freshness: 0.1},
	})
}

func TestUpsertWorkerReportSeedsNewRow(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()

	err := r.UpsertWorkerReport(ctx, "validator-1", WorkerSnapshot{
		WorkerID: "w1", IsServing: true, Stake: 500, PerformanceScore: 0.8, MaxCapacity: 5,
	}, time.Now())
	require.NoError(t, err)

	workers, err := r.GetEligibleWorkers(ctx, domain.KindTranscription, 10, nil)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, 0.8, workers[0].PerformanceScore)
}

func TestUpsertWorkerReportWeightedMean(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.UpsertWorkerReport(ctx, "v1", WorkerSnapshot{
		WorkerID: "w1", IsServing: true, PerformanceScore: 1.0, MaxCapacity: 5,
	}, now))
	require.NoError(t, r.UpsertWorkerReport(ctx, "v2", WorkerSnapshot{
		WorkerID: "w1", IsServing: true, PerformanceScore: 0.0, MaxCapacity: 5,
	}, now))

	workers, err := r.GetEligibleWorkers(ctx, "", 10, nil)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.InDelta(t, 0.5, workers[0].PerformanceScore, 1e-9)
}

func TestGetEligibleWorkersFiltersAndRanks(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.UpsertWorkerReport(ctx, "v1", WorkerSnapshot{
		WorkerID: "serving-high-perf", IsServing: true, PerformanceScore: 0.9, MaxCapacity: 5,
	}, now))
	require.NoError(t, r.UpsertWorkerReport(ctx, "v1", WorkerSnapshot{
		WorkerID: "serving-low-perf", IsServing: true, PerformanceScore: 0.1, MaxCapacity: 5,
	}, now))
	require.NoError(t, r.UpsertWorkerReport(ctx, "v1", WorkerSnapshot{
		WorkerID: "not-serving", IsServing: false, PerformanceScore: 1.0, MaxCapacity: 5,
	}, now))

	workers, err := r.GetEligibleWorkers(ctx, domain.KindTranscription, 10, nil)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	require.Equal(t, "serving-high-perf", workers[0].WorkerID)
}

func TestUpsertWorkerReportResetsHistoryOnIdentityMismatch(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.UpsertWorkerReport(ctx, "v1", WorkerSnapshot{
		WorkerID: "w1", IdentityKey: "key-a", IsServing: true, Stake: 1000, PerformanceScore: 0.9, MaxCapacity: 5,
	}, now))

	// Same worker_id, different identity_key: a new logical entity, not
	// the same miner reconnecting under a fresh report.
	require.NoError(t, r.UpsertWorkerReport(ctx, "v2", WorkerSnapshot{
		WorkerID: "w1", IdentityKey: "key-b", IsServing: true, Stake: 10, PerformanceScore: 0.1, MaxCapacity: 5,
	}, now))

	workers, err := r.GetEligibleWorkers(ctx, "", 10, nil)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "key-b", workers[0].IdentityKey)
	require.Equal(t, 0.1, workers[0].PerformanceScore)
	require.Equal(t, float64(10), workers[0].Stake)
}

func TestReapInactiveUsesWorkerTimeout(t *testing.T) {
	r := newTestRoster(t)
	ctx := context.Background()

	require.NoError(t, r.UpsertWorkerReport(ctx, "v1", WorkerSnapshot{
		WorkerID: "stale", IsServing: true, MaxCapacity: 5,
	}, time.Now().Add(-2*time.Hour)))

	n, err := r.ReapInactive(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
