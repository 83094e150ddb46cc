// Package objectstore is the bulk side of the two-store design: immutable
// chunk objects addressed by key. The metadata index references into it; the
// reconciler repairs the unavoidable drift between the two.
package objectstore

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object without reading its contents.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStore stores immutable binary objects. Put is write-once: overwriting
// an existing key fails with *griderrors.ErrAlreadyExists. Delete is only
// ever driven by the reconciler and the tombstone purge.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Head returns size and modification time without reading the object.
	// Returns *griderrors.ErrNotFound for unknown keys.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	// List enumerates all object keys.
	List(ctx context.Context) ([]string, error)
}
