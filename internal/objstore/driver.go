// Package objstore holds the durable storage drivers snapshot chunks are
// written to. Chunks are write-once; completed snapshots never change.
package objstore

import (
	"context"
	"io"
)

// Driver is the common interface all chunk storage backends implement
type Driver interface {
	Name() string
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, data io.Reader) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
}
