// Package objectstore abstracts the S3-compatible bucket used as an
// optional off-host mirror of the report archive.
package objectstore

import (
	"context"
	"io"
	"time"
)

// Store is the subset of object storage the mirror needs.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}
