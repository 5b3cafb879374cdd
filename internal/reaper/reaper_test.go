// Copyright 2025 James Ross
package reaper

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
	"github.com/taskmesh/dispatch/internal/store"
	"github.com/taskmesh/dispatch/internal/store/redisstore"
)

type fakeRoster struct {
	reaped int
}

func (f *fakeRoster) ReapInactive(ctx context.Context) (int, error) {
	return f.reaped, nil
}

type fakeArchive struct {
	archived []domain.Job
}

func (f *fakeArchive) Archive(ctx context.Context, jobs []domain.Job) error {
	f.archived = append(f.archived, jobs...)
	return nil
}

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisstore.New(rdb)
}

func TestStaleResponseSweepFailsNeverAssignedPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := New(s, &fakeRoster{}, nil, config.Reaper{StaleJobGraceS: 3600}, zap.NewNop())

	job := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 1, 1, nil)
	job.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.CreateJob(ctx, job))

	r.staleResponseSweep(ctx)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateFailed, got.State)
	require.Equal(t, "task never assigned to miners after 1+ hour", got.Metadata["failure_reason"])
}

func TestStaleResponseSweepCompletesPartialAssigned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := New(s, &fakeRoster{}, nil, config.Reaper{StaleJobGraceS: 3600}, zap.NewNop())

	job := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 2, 2, nil)
	job.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w1", MaxCapacity: 5, LastSeen: time.Now()}))
	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w2", MaxCapacity: 5, LastSeen: time.Now()}))
	_, err := s.AssignWorkers(ctx, job.ID, []string{"w1", "w2"}, 2, 2)
	require.NoError(t, err)

	resp := domain.NewResponse("w1", 1.0, nil, nil, "out", "", "")
	_, err = s.RecordResponse(ctx, job.ID, "w1", resp)
	require.NoError(t, err)

	r.staleResponseSweep(ctx)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, got.State)
	require.Equal(t, "1", got.Metadata["actual_response_count"])
	require.Equal(t, "2", got.Metadata["expected_response_count"])
}

func TestInactiveWorkerSweepDelegatesToRoster(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fr := &fakeRoster{reaped: 3}
	r := New(s, fr, nil, config.Reaper{InactiveWorkerSweepS: 300}, zap.NewNop())
	r.inactiveWorkerSweep(ctx)
}

func TestOldJobSweepArchivesAndDeletes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fa := &fakeArchive{}
	r := New(s, &fakeRoster{}, fa, config.Reaper{OldJobRetentionDays: 7}, zap.NewNop())

	job := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 1, 1, nil)
	job.CreatedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w1", MaxCapacity: 5, LastSeen: time.Now()}))
	_, err := s.AssignWorkers(ctx, job.ID, []string{"w1"}, 1, 1)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.UpdateState(ctx, job.ID, domain.StateCompleted, store.StatePatch{AllResponsesAt: &now}))

	r.oldJobSweep(ctx)

	require.Len(t, fa.archived, 1)
	require.Equal(t, job.ID, fa.archived[0].ID)

	_, err = s.GetJob(ctx, job.ID)
	require.Error(t, err)
}

func TestOldJobSweepSkipsRecentJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fa := &fakeArchive{}
	r := New(s, &fakeRoster{}, fa, config.Reaper{OldJobRetentionDays: 7}, zap.NewNop())

	job := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 1, 1, nil)
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateState(ctx, job.ID, domain.StateFailed, store.StatePatch{}))

	r.oldJobSweep(ctx)

	require.Empty(t, fa.archived)
	_, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
}
