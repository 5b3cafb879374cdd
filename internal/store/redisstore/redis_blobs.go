// Copyright 2025 James Ross
package redisstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/dispatch/internal/domain"
)

func (s *Store) GetBlobMetadata(ctx context.Context, blobID string) (domain.BlobDescriptor, bool, error) {
	blob, err := s.rdb.Get(ctx, blobKey(blobID)).Bytes()
	if err == redis.Nil {
		return domain.BlobDescriptor{}, false, nil
	}
	if err != nil {
		return domain.BlobDescriptor{}, false, domain.NewError(domain.KindTransient, "GetBlobMetadata", "redis get", err)
	}
	var desc domain.BlobDescriptor
	if err := json.Unmarshal(blob, &desc); err != nil {
		return domain.BlobDescriptor{}, false, domain.NewError(domain.KindFatal, "GetBlobMetadata", "unmarshal blob descriptor", err)
	}
	return desc, true, nil
}

func (s *Store) PutBlobMetadata(ctx context.Context, desc domain.BlobDescriptor) error {
	blob, err := json.Marshal(desc)
	if err != nil {
		return domain.NewError(domain.KindFatal, "PutBlobMetadata", "marshal blob descriptor", err)
	}
	if err := s.rdb.Set(ctx, blobKey(desc.BlobID), blob, 0).Err(); err != nil {
		return domain.NewError(domain.KindTransient, "PutBlobMetadata", "redis set", err)
	}
	return nil
}
