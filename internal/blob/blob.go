// Package blob is C2: resolution of input_blob_id / output_blob_id
// references to their S3-backed descriptors. The dispatch core never reads
// or writes blob bytes itself (spec §1 Non-goals); it only needs enough
// metadata — bucket, key, content type, size — to hand a worker a durable
// pointer and to validate that pointer's content type against an
// allow-list before it is ever accepted.
package blob

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
	"github.com/taskmesh/dispatch/internal/store"
)

// Resolver looks up a blob's live descriptor from whatever object store
// backs it. S3Resolver is the production implementation.
type Resolver interface {
	Head(ctx context.Context, blobID string) (domain.BlobDescriptor, error)
}

// Adapter is C2's cache-then-resolve facade: it consults the store's
// cached descriptor first, and only calls out to the live resolver (S3
// HeadObject) on a cache miss, the same cache-or-fetch shape the teacher
// uses for its archive exporters (internal/long-term-archives).
type Adapter struct {
	store    store.BlobStore
	resolver Resolver
	allowed  []string
}

func New(s store.BlobStore, resolver Resolver, cfg config.Blob) *Adapter {
	return &Adapter{store: s, resolver: resolver, allowed: cfg.AllowedContentTypes}
}

// Resolve returns the descriptor for blobID, validating its content type
// against the allow-list. A blob already cached in the store is trusted
// without a re-fetch; this keeps ingress's one-time write authoritative
// (spec §1: "core never rewrites blob bytes; only inserts a row when
// ingress supplies a new blob").
func (a *Adapter) Resolve(ctx context.Context, blobID string) (domain.BlobDescriptor, error) {
	if cached, ok, err := a.store.GetBlobMetadata(ctx, blobID); err != nil {
		return domain.BlobDescriptor{}, err
	} else if ok {
		return cached, nil
	}

	if a.resolver == nil {
		return domain.BlobDescriptor{}, domain.NewError(domain.KindNotFound, "Resolve", "blob not cached and no resolver configured", nil)
	}
	desc, err := a.resolver.Head(ctx, blobID)
	if err != nil {
		return domain.BlobDescriptor{}, domain.NewError(domain.KindTransient, "Resolve", "resolver head", err)
	}
	if err := a.validateContentType(desc.ContentType); err != nil {
		return domain.BlobDescriptor{}, err
	}
	if err := a.store.PutBlobMetadata(ctx, desc); err != nil {
		return domain.BlobDescriptor{}, err
	}
	return desc, nil
}

func (a *Adapter) validateContentType(contentType string) error {
	if len(a.allowed) == 0 {
		return nil
	}
	for _, pattern := range a.allowed {
		if ok, _ := doublestar.Match(pattern, contentType); ok {
			return nil
		}
	}
	return domain.NewError(domain.KindInvariantViolation, "validateContentType",
		fmt.Sprintf("content type %q not in allow-list", contentType), nil)
}
