package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the bucket/key blob store runs exchange data through.
// Get returns models.ErrNotFound (possibly wrapped) for a missing key.
type ObjectStore interface {
	// EnsureBucket creates the bucket when missing; calling it again is a no-op
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	// DeleteBucket removes every object and then the bucket
	DeleteBucket(ctx context.Context, bucket string) error
}

// URI formats a bucket/key location
func URI(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}
