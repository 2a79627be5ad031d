package storage

import (
	"context"
	"io"
)

// Backend abstracts blob storage for raw bundles. Implemented by local FS
// and S3. Keys are entry ids in the unified layout, or
// owner/repo/branch/commit/timestamp/filename paths in the legacy layout.
type Backend interface {
	// Read returns a reader for the object at the given key.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Write stores data under the given key. Metadata tags the object for
	// auditability; backends without metadata support may drop it.
	Write(ctx context.Context, key string, data []byte, metadata map[string]string) error

	// Has returns true if the key exists.
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes the object at the given key.
	Delete(ctx context.Context, key string) error

	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
