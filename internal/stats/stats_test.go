// Copyright 2025 James Ross
package stats

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/store/redisstore"
)

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redisstore.New(rdb)
}

func TestReportRollsMissingStatesToZero(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := New(s, config.Stats{IntervalS: 60}, zap.NewNop())

	job := domain.NewJob(domain.KindTranscription, domain.PriorityNormal, nil, 1, 1, nil)
	require.NoError(t, s.CreateJob(ctx, job))

	r.report(ctx)

	snap := r.Snapshot()
	require.Equal(t, int64(1), snap[domain.StatePending])
	require.Equal(t, int64(0), snap[domain.StateCompleted])
	require.Equal(t, int64(0), snap[domain.StateCancelled])
	require.Len(t, snap, len(allStates))
}
