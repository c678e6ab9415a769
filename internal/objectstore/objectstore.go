// Package objectstore abstracts the S3-compatible buckets the pipeline reads
// and writes: listing, object bodies and bucket policies.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned by Get for missing objects.
var ErrNotFound = errors.New("object not found")

// Object is one listed object.
type Object struct {
	Bucket       string
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
}

// Store is implemented by the s3, minio and fake backends.
type Store interface {
	List(ctx context.Context, bucket, prefix string) ([]Object, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
	// GetBucketPolicy returns "" when the bucket has no policy.
	GetBucketPolicy(ctx context.Context, bucket string) (string, error)
	PutBucketPolicy(ctx context.Context, bucket, policy string) error
	DeleteBucketPolicy(ctx context.Context, bucket string) error
}

// ReadAll fetches an object body.
func ReadAll(ctx context.Context, s Store, bucket, key string) ([]byte, error) {
	rc, err := s.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	return b, nil
}

// NormalizeETag strips the quotes S3 wraps around ETags.
func NormalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}

// URI renders s3://bucket/key.
func URI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}
