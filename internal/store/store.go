// Package store defines the persistence contract the coordinator depends
// on and ships one reference adapter (BoltStore). Schema design, indexing,
// ranking and any search surface belong to a real persistence layer and
// are deliberately out of scope here — this package only has to satisfy
// Store.
package store

import "github.com/dhtcrawler/crawld/internal/krpc"

// Store is the only thing the coordinator knows about persistence.
type Store interface {
	// IsNew reports whether ih has never been recorded as completed.
	IsNew(ih krpc.ID) (bool, error)
	// Add records metadata for ih. It returns false (with a nil error)
	// when metadata failed structural validation (e.g. an `info` dict
	// with a `/` in its name, or neither a `length` nor a `files` list)
	// — the caller should still treat ih as completed (corrupt) and not
	// retry it, without that being reported as an error.
	Add(ih krpc.ID, metadata []byte) (bool, error)
	// CompletedInfoHashes seeds the in-memory completed set at startup.
	CompletedInfoHashes() ([]krpc.ID, error)
	Close() error
}
