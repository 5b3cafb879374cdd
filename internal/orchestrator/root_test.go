// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/aggregator"
	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/reaper"
	"github.com/taskmesh/dispatch/internal/roster"
	"github.com/taskmesh/dispatch/internal/scheduler"
	"github.com/taskmesh/dispatch/internal/stats"
	"github.com/taskmesh/dispatch/internal/store"
	"github.com/taskmesh/dispatch/internal/store/redisstore"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := redisstore.New(rdb)
	log := zap.NewNop()

	ros := roster.New(s, config.Roster{
		WorkerTimeoutS:     900,
		EligibilityWeights: config.EligibilityWeights{Performance: 0.4, Headroom: 0.3, Stake: 0.2, Freshness: 0.1},
	})
	sched := scheduler.New(s, ros, config.Scheduler{IntervalS: 180, BatchSize: 10, EligibleFetchRateQPS: 1000}, log, nil)
	agg := aggregator.New(s, config.Aggregator{FlushSize: 3, FlushTimeoutS: 60, ScanIntervalS: 30, ScoreWeightAccuracy: 0.7, ScoreWeightSpeed: 0.3}, log)
	rpr := reaper.New(s, ros, nil, config.Reaper{StaleJobGraceS: 3600, InactiveWorkerSweepS: 300, OldJobRetentionDays: 7}, log)
	str := stats.New(s, config.Stats{IntervalS: 60}, log)

	return New(Dependencies{
		Store:      s,
		Roster:     ros,
		Scheduler:  sched,
		Aggregator: agg,
		Reaper:     rpr,
		Stats:      str,
	}, &config.Config{}, log)
}

func TestSubmitJobRejectsUnknownKind(t *testing.T) {
	r := newTestRoot(t)
	_, err := r.SubmitJob(context.Background(), "not-a-kind", domain.PriorityNormal, 1, 3, nil, nil)
	require.Error(t, err)
}

func TestSubmitJobRejectsBadWorkerBounds(t *testing.T) {
	r := newTestRoot(t)
	_, err := r.SubmitJob(context.Background(), domain.KindTranscription, domain.PriorityNormal, 0, 3, nil, nil)
	require.Error(t, err)

	_, err = r.SubmitJob(context.Background(), domain.KindTranscription, domain.PriorityNormal, 3, 1, nil, nil)
	require.Error(t, err)
}

func TestSubmitAndCancelJob(t *testing.T) {
	ctx := context.Background()
	r := newTestRoot(t)

	jobID, err := r.SubmitJob(ctx, domain.KindTranscription, domain.PriorityNormal, 1, 3, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.CancelJob(ctx, jobID, "operator requested"))

	job, err := r.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCancelled, job.State)
	require.Equal(t, "operator requested", job.Metadata["cancellation_reason"])

	require.Error(t, r.CancelJob(ctx, jobID, ""))
}

func TestReportWorkersAndLeaderboard(t *testing.T) {
	ctx := context.Background()
	r := newTestRoot(t)

	err := r.ReportWorkers(ctx, "validator-1", []roster.WorkerSnapshot{
		{WorkerID: "w1", IsServing: true, PerformanceScore: 0.9, MaxCapacity: 5},
		{WorkerID: "w2", IsServing: true, PerformanceScore: 0.1, MaxCapacity: 5},
	})
	require.NoError(t, err)

	rows, err := r.GetLeaderboard(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "w1", rows[0].WorkerID)
}

func TestListMyJobsFiltersTerminalStates(t *testing.T) {
	ctx := context.Background()
	r := newTestRoot(t)

	jobID, err := r.SubmitJob(ctx, domain.KindTranscription, domain.PriorityNormal, 1, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.store.PutWorker(ctx, domain.Worker{WorkerID: "w1", MaxCapacity: 5, LastSeen: time.Now()}))
	_, err = r.store.AssignWorkers(ctx, jobID, []string{"w1"}, 1, 1)
	require.NoError(t, err)

	jobs, err := r.ListMyJobs(ctx, "w1", []domain.State{domain.StateAssigned, domain.StateCompleted})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, jobID, jobs[0].ID)
}

func TestMarkJobDoneTracksEvaluators(t *testing.T) {
	ctx := context.Background()
	r := newTestRoot(t)

	jobID, err := r.SubmitJob(ctx, domain.KindTranscription, domain.PriorityNormal, 1, 1, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.store.PutWorker(ctx, domain.Worker{WorkerID: "w1", MaxCapacity: 5, LastSeen: time.Now()}))
	_, err = r.store.AssignWorkers(ctx, jobID, []string{"w1"}, 1, 1)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, r.store.UpdateState(ctx, jobID, domain.StateCompleted, store.StatePatch{AllResponsesAt: &now}))

	require.NoError(t, r.MarkJobDone(ctx, jobID, "validator-1", domain.StateDone, "looks good"))

	ready, err := r.ListJobsReadyForEvaluation(ctx, "validator-2")
	require.NoError(t, err)
	// job already moved past completed, so it no longer appears for anyone
	require.Empty(t, ready)

	job, err := r.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDone, job.State)
	require.Equal(t, "validator-1", job.Metadata["evaluated_by"])
	require.Equal(t, "looks good", job.Metadata["evaluation"])
}
