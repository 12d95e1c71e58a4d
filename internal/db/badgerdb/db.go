package badgerdb

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/logger"
)

var ErrDBNotOpen = errors.New("database not open")

// DB wraps a badger database, file-backed or in-memory. In-memory mode is
// what the tests and the badger-memory backend use.
type DB struct {
	db     *badger.DB
	logger zerolog.Logger
}

// Open opens a badger database at path, or an in-memory one when inMemory
// is set.
func Open(path string, inMemory bool) (*DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	l := logger.GetLogger("badgerdb")
	l.Debug().Str("path", path).Bool("in_memory", inMemory).Msg("opened badger database")
	return &DB{db: bdb, logger: l}, nil
}

func (d *DB) Set(key, val []byte) error {
	if d.db == nil {
		return ErrDBNotOpen
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// Get returns the value for key, or nil if the key does not exist.
func (d *DB) Get(key []byte) ([]byte, error) {
	if d.db == nil {
		return nil, ErrDBNotOpen
	}
	var val []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (d *DB) Delete(key []byte) error {
	if d.db == nil {
		return ErrDBNotOpen
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// PrefixScan iterates keys with prefix in lexicographic order. fn returning
// false stops the scan.
func (d *DB) PrefixScan(prefix []byte, fn func(key, val []byte) bool) error {
	if d.db == nil {
		return ErrDBNotOpen
	}
	return d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), val) {
				return nil
			}
		}
		return nil
	})
}

// Batch applies sets and deletes in one transaction.
func (d *DB) Batch(sets map[string][]byte, deletes [][]byte) error {
	if d.db == nil {
		return ErrDBNotOpen
	}
	return d.db.Update(func(txn *badger.Txn) error {
		for k, v := range sets {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		for _, k := range deletes {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	d.logger.Trace().Msg("closing badger database")
	err := d.db.Close()
	d.db = nil
	return err
}
