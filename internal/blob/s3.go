// Copyright 2025 James Ross
package blob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/taskmesh/dispatch/internal/config"
	"github.com/taskmesh/dispatch/internal/domain"
)

// S3Resolver resolves blob_id -> bucket/key via a HeadObject call,
// grounded on the teacher's own AWS session bootstrap in
// internal/long-term-archives/s3_exporter.go. blob_id is expected in the
// form "bucket/key" or a bare key against the configured default bucket.
type S3Resolver struct {
	client      *s3.S3
	cfg         config.Blob
	urlTemplate string
}

func NewS3Resolver(cfg config.Blob) (*S3Resolver, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(cfg.ForcePathStyle)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("new aws session: %w", err)
	}
	return &S3Resolver{client: s3.New(sess), cfg: cfg, urlTemplate: cfg.PublicURLTemplate}, nil
}

func (r *S3Resolver) Head(ctx context.Context, blobID string) (domain.BlobDescriptor, error) {
	bucket, key := r.splitBlobID(blobID)
	out, err := r.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return domain.BlobDescriptor{}, fmt.Errorf("head object %s/%s: %w", bucket, key, err)
	}
	desc := domain.BlobDescriptor{
		BlobID:      blobID,
		Bucket:      bucket,
		Key:         key,
		SizeBytes:   aws.Int64Value(out.ContentLength),
		PublicURL:   fmt.Sprintf(r.urlTemplate, bucket, key),
		CreatedAt:   time.Now().UTC(),
	}
	if out.ContentType != nil {
		desc.ContentType = *out.ContentType
	}
	if out.ETag != nil {
		desc.Hash = strings.Trim(*out.ETag, `"`)
	}
	return desc, nil
}

func (r *S3Resolver) splitBlobID(blobID string) (bucket, key string) {
	if i := strings.IndexByte(blobID, '/'); i >= 0 {
		return blobID[:i], blobID[i+1:]
	}
	return r.cfg.DefaultBucket, blobID
}
