// Package storage implements carrotd's ObjectStore — the object-storage
// collaborator backing both WDL storage (content-addressed, spec.md §4.4)
// and report artifact uploads (spec.md §4.6), behind one interface so both
// callers are indifferent to which backend is configured.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when location has no object.
var ErrNotFound = errors.New("storage: object not found")

// ObjectInfo describes an object without its content.
type ObjectInfo struct {
	Location string
	Size     int64
}

// ObjectStore persists opaque byte blobs addressed by caller-supplied keys
// and returns a location string the caller threads back through Get.
// WDL storage keys are content hashes (wdl_hash.location); report storage
// keys are the six CSV/notebook artifact paths under report_storage_prefix.
type ObjectStore interface {
	// Put writes content under key, returning the location to record.
	// Writing the same key twice overwrites; callers that want
	// content-addressed dedup (the WDL cache) call Exists first.
	Put(ctx context.Context, key string, content []byte) (location string, err error)

	// Get reads the object at a location previously returned by Put.
	// Returns ErrNotFound if no object exists there.
	Get(ctx context.Context, location string) ([]byte, error)

	// Exists reports whether an object is already stored at the location
	// Put(key, ...) would produce, without reading its content — the WDL
	// cache's skip-if-already-stored check (spec.md §4.4).
	Exists(ctx context.Context, key string) (bool, error)

	// LocationFor returns the location Put(key, ...) would produce, without
	// performing any I/O — used by the WDL cache to get the location of an
	// object that already exists without writing it again.
	LocationFor(key string) string
}
