// Copyright 2025 James Ross
package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/store"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb), rdb
}

func TestCreateAndGetJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 1, 3, nil)
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePending, got.State)

	err = s.CreateJob(ctx, job)
	require.Error(t, err)
	de, ok := err.(*domain.Error)
	require.True(t, ok)
	require.Equal(t, domain.KindDuplicate, de.Kind)
}

func TestAssignWorkersCommitsAndTransitions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job := domain.NewJob(domain.KindSummarization, domain.PriorityNormal, nil, 2, 3, nil)
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w1", MaxCapacity: 5, Load: 0, LastSeen: time.Now()}))
	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w2", MaxCapacity: 5, Load: 5, LastSeen: time.Now()})) // at capacity

	out, err := s.AssignWorkers(ctx, job.ID, []string{"w1", "w2"}, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"w1"}, out.Committed)
	require.False(t, out.TransitionedToAssigned) // only 1 committed, min_workers=2

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatePending, got.State)
	require.Equal(t, []string{"w1"}, got.AssignedWorkers)

	load, err := s.LoadOf(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, load)

	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w3", MaxCapacity: 5, Load: 0, LastSeen: time.Now()}))
	out2, err := s.AssignWorkers(ctx, job.ID, []string{"w3"}, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"w3"}, out2.Committed)
	require.True(t, out2.TransitionedToAssigned)

	got, err = s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateAssigned, got.State)
	require.ElementsMatch(t, []string{"w1", "w3"}, got.AssignedWorkers)
}

func TestRecordResponseIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job := domain.NewJob(domain.KindTTS, domain.PriorityNormal, nil, 1, 1, nil)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w1", MaxCapacity: 5, LastSeen: time.Now()}))

	_, err := s.AssignWorkers(ctx, job.ID, []string{"w1"}, 1, 1)
	require.NoError(t, err)

	resp := domain.NewResponse("w1", 1.2, nil, nil, "out", "", "")
	outcome, err := s.RecordResponse(ctx, job.ID, "w1", resp)
	require.NoError(t, err)
	require.Equal(t, store.RecordAccepted, outcome)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateInProgress, got.State)
	require.Len(t, got.Responses, 1)

	outcome, err = s.RecordResponse(ctx, job.ID, "w1", resp)
	require.NoError(t, err)
	require.Equal(t, store.RecordDuplicate, outcome)

	_, err = s.RecordResponse(ctx, job.ID, "unassigned-worker", resp)
	require.NoError(t, err)
}

func TestUpdateStateTerminalDecrementsLoadOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	job := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 1, 1, nil)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w1", MaxCapacity: 5, LastSeen: time.Now()}))
	_, err := s.AssignWorkers(ctx, job.ID, []string{"w1"}, 1, 1)
	require.NoError(t, err)

	load, _ := s.LoadOf(ctx, "w1")
	require.Equal(t, 1, load)

	require.NoError(t, s.UpdateState(ctx, job.ID, domain.StateInProgress, store.StatePatch{}))
	require.NoError(t, s.UpdateState(ctx, job.ID, domain.StateCompleted, store.StatePatch{}))

	load, _ = s.LoadOf(ctx, "w1")
	require.Equal(t, 0, load)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, got.LoadDecremented)

	err = s.UpdateState(ctx, job.ID, domain.StateCancelled, store.StatePatch{})
	require.Error(t, err)
}

func TestListJobsByStateAndAssignedTo(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	j1 := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 1, 1, nil)
	j2 := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 1, 1, nil)
	require.NoError(t, s.CreateJob(ctx, j1))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.CreateJob(ctx, j2))

	jobs, err := s.ListJobsByState(ctx, domain.StatePending, 0, store.OrderAsc)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "w1", MaxCapacity: 5, LastSeen: time.Now()}))
	_, err = s.AssignWorkers(ctx, j1.ID, []string{"w1"}, 1, 1)
	require.NoError(t, err)

	mine, err := s.ListJobsAssignedTo(ctx, "w1", nil)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, j1.ID, mine[0].ID)
}

func TestReapInactiveWorkers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "stale", MaxCapacity: 5, LastSeen: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, s.PutWorker(ctx, domain.Worker{WorkerID: "fresh", MaxCapacity: 5, LastSeen: time.Now()}))

	n, err := s.ReapInactive(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := s.GetWorker(ctx, "stale")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.GetWorker(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
}
