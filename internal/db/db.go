// Package db is the pluggable key-value layer under the temporal view store
// and the trigger checkpoints. Backends are selected by configuration, not
// compile-time wiring.
package db

import (
	"errors"
	"fmt"

	"github.com/tarungka/prism/internal/db/badgerdb"
	"github.com/tarungka/prism/internal/db/boltdb"
)

var ErrUnsupportedBackend = errors.New("unsupported database backend")

// Store is the narrow contract the rest of the core depends on. PrefixScan
// visits keys in lexicographic order; both backends guarantee that, and the
// temporal store's key encoding relies on it.
type Store interface {
	Set(key, val []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// PrefixScan calls fn for every key with the given prefix, in key order.
	// Returning false from fn stops the scan early.
	PrefixScan(prefix []byte, fn func(key, val []byte) bool) error
	// Batch applies all sets and deletes atomically.
	Batch(sets map[string][]byte, deletes [][]byte) error
	Close() error
}

// Open creates and opens a backend. Dir is ignored by in-memory backends.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "badger":
		return badgerdb.Open(dir, false)
	case "badger-memory":
		return badgerdb.Open("", true)
	case "bolt":
		return boltdb.Open(dir)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}
}
