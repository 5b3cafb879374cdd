// Copyright 2025 James Ross
package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/store/redisstore"
)

func newTestAggregator(t *testing.T, cfg config.Aggregator) (*Aggregator, *redisstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := redisstore.New(rdb)
	return New(s, cfg, zap.NewNop()), s
}

func setupAssignedJob(t *testing.T, s *redisstore.Store, minWorkers, maxWorkers int, workerIDs ...string) domain.Job {
	t.Helper()
	ctx := context.Background()
	job := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, minWorkers, maxWorkers, nil)
	require.NoError(t, s.CreateJob(ctx, job))
	for _, w := range workerIDs {
		require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: w, MaxCapacity: 5, LastSeen: time.Now()}))
	}
	_, err := s.AssignWorkers(ctx, job.ID, workerIDs, minWorkers, maxWorkers)
	require.NoError(t, err)
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return got
}

func TestFlushRecordsAndCompletesOnReplication(t *testing.T) {
	ctx := context.Background()
	a, s := newTestAggregator(t, config.Aggregator{FlushSize: 10, FlushTimeoutS: 60, ScanIntervalS: 30, ScoreWeightAccuracy: 0.7, ScoreWeightSpeed: 0.3})

	job := setupAssignedJob(t, s, 1, 1, "w1")

	acc := 0.9
	resp := domain.NewResponse("w1", 1.0, &acc, nil, "result", "", "")
	require.NoError(t, a.Buffer(ctx, job.ID, resp))

	time.Sleep(20 * time.Millisecond) // Buffer's replication-triggered flush runs in a goroutine
	a.Flush(ctx, job.ID)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, got.State)
	require.Len(t, got.Responses, 1)
	require.NotNil(t, got.BestResponse)
}

func TestBufferDropsDuplicateFromSameWorker(t *testing.T) {
	ctx := context.Background()
	a, s := newTestAggregator(t, config.Aggregator{FlushSize: 10, FlushTimeoutS: 60, ScanIntervalS: 30})

	job := setupAssignedJob(t, s, 2, 2, "w1", "w2")

	require.NoError(t, a.Buffer(ctx, job.ID, domain.NewResponse("w1", 1.0, nil, nil, "a", "", "")))
	require.NoError(t, a.Buffer(ctx, job.ID, domain.NewResponse("w1", 2.0, nil, nil, "b", "", "")))

	a.mu.Lock()
	n := len(a.buffers[job.ID])
	a.mu.Unlock()
	require.Equal(t, 1, n)
}

func TestScanOnceFlushesTimedOutBuffers(t *testing.T) {
	ctx := context.Background()
	a, s := newTestAggregator(t, config.Aggregator{FlushSize: 100, FlushTimeoutS: 0, ScanIntervalS: 30})

	job := setupAssignedJob(t, s, 2, 2, "w1", "w2")
	require.NoError(t, a.Buffer(ctx, job.ID, domain.NewResponse("w1", 1.0, nil, nil, "a", "", "")))

	a.scanOnce(ctx)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Responses, 1)
}
