// Package blob defines the interface of object stores that hold message
// bodies delivered without a store server.
package blob

import (
	"context"
	"errors"
	"io"
)

var ErrNoSuchBlob = errors.New("blob: no such blob")

// UnknownBlobSize can be passed to Store.Create when the size of the
// object is not known in advance.
const UnknownBlobSize int64 = -1

// Blob is an object being written.
//
// Sync must be called once after all data is written. Close without a
// prior successful Sync discards the object where the backend allows it.
type Blob interface {
	io.Writer
	Sync() error
	io.Closer
}

type Store interface {
	Create(ctx context.Context, key string, blobSize int64) (Blob, error)

	// Open returns ErrNoSuchBlob if the object does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the objects. Missing objects are not an error.
	Delete(ctx context.Context, keys []string) error
}
