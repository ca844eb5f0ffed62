// Package blob abstracts object storage. The daemon reads landed blobs
// from landing containers and writes raw documents to raw containers
// through the same interface, backed by MinIO/S3 in production and by a
// local directory in tests and single-node deployments.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound reports a missing object or container.
var ErrNotFound = errors.New("blob: object not found")

// ObjectStore is the minimal object-storage surface the pipeline needs.
type ObjectStore interface {
	// Ping verifies connectivity. Used by readiness checks.
	Ping(ctx context.Context) error
	// EnsureContainer creates the container if it does not exist.
	EnsureContainer(ctx context.Context, container string) error
	// Put writes data under container/key, overwriting any existing object.
	Put(ctx context.Context, container, key string, data []byte) error
	// Get reads the object at container/key. Returns ErrNotFound when the
	// object or container is absent.
	Get(ctx context.Context, container, key string) ([]byte, error)
	// ListPrefix returns the keys under prefix in sorted order.
	ListPrefix(ctx context.Context, container, prefix string) ([]string, error)
}
