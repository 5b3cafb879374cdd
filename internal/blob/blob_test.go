// Copyright 2025 James Ross
package blob

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/store/redisstore"
)

type fakeResolver struct {
	desc domain.BlobDescriptor
	err  error
	hits int
}

func (f *fakeResolver) Head(ctx context.Context, blobID string) (domain.BlobDescriptor, error) {
	f.hits++
	return f.desc, f.err
}

func newTestAdapter(t *testing.T, resolver Resolver, cfg config.Blob) (*Adapter, *redisstore.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := redisstore.New(rdb)
	return New(s, resolver, cfg), s
}

func TestResolveCachesAfterFirstLookup(t *testing.T) {
	resolver := &fakeResolver{desc: domain.BlobDescriptor{BlobID: "b1", ContentType: "audio/mpeg"}}
	a, _ := newTestAdapter(t, resolver, config.Blob{AllowedContentTypes: []string{"audio/*"}})
	ctx := context.Background()

	desc, err := a.Resolve(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "audio/mpeg", desc.ContentType)
	require.Equal(t, 1, resolver.hits)

	_, err = a.Resolve(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, 1, resolver.hits) // second call hit the cache, not the resolver
}

func TestResolveRejectsDisallowedContentType(t *testing.T) {
	resolver := &fakeResolver{desc: domain.BlobDescriptor{BlobID: "b2", ContentType: "application/x-executable"}}
	a, _ := newTestAdapter(t, resolver, config.Blob{AllowedContentTypes: []string{"audio/*", "text/*"}})
	ctx := context.Background()

	_, err := a.Resolve(ctx, "b2")
	require.Error(t, err)
	de, ok := err.(*domain.Error)
	require.True(t, ok)
	require.Equal(t, domain.KindInvariantViolation, de.Kind)
}
