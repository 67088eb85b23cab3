// Package objectstore abstracts the intermediate store that staged
// objects pass through between the source's bulk export and the engine's
// restream. Each sync worker writes under its own table-and-run prefix,
// so implementations never see write contention on a key.
package objectstore

import (
	"context"
	"io"
)

// Ref identifies one stored object
type Ref struct {
	Key  string
	Size int64
}

// Object is an open, random-access handle on a stored object. Parquet
// decoding needs io.ReaderAt; implementations spool to disk rather than
// buffering the whole object when the backing store is remote.
type Object interface {
	io.ReaderAt
	io.Closer
	// Size returns the object length in bytes
	Size() int64
}

// Store is the object-store interface consumed by the stager, the object
// reader and cleanup.
type Store interface {
	// Put writes an object under the given key
	Put(ctx context.Context, key string, r io.Reader) error
	// List returns all objects under the prefix in key order
	List(ctx context.Context, prefix string) ([]Ref, error)
	// Open returns a random-access handle on one object
	Open(ctx context.Context, ref Ref) (Object, error)
	// Delete removes every object under the prefix
	Delete(ctx context.Context, prefix string) error
	// URI renders the absolute location of a key, for logging and for
	// source-side export statements
	URI(key string) string
}
