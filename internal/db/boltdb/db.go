package boltdb

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/tarungka/prism/internal/logger"
)

var ErrDBNotOpen = errors.New("database not open")

// bucket holds every key; prefixes do the namespacing, same layout as the
// badger backend so the two are interchangeable.
var bucketName = []byte("prism")

// DB is the bbolt-backed implementation of the db.Store contract.
type DB struct {
	db     *bolt.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) a bbolt database under dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	bdb, err := bolt.Open(filepath.Join(dir, "prism.db"), 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	l := logger.GetLogger("boltdb")
	l.Debug().Str("dir", dir).Msg("opened bolt database")
	return &DB{db: bdb, logger: l}, nil
}

func (d *DB) Set(key, val []byte) error {
	if d.db == nil {
		return ErrDBNotOpen
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, val)
	})
}

// Get returns the value for key, or nil if the key does not exist.
func (d *DB) Get(key []byte) ([]byte, error) {
	if d.db == nil {
		return nil, ErrDBNotOpen
	}
	var val []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get(key); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
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
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

// PrefixScan iterates keys with prefix in lexicographic order. fn returning
// false stops the scan.
func (d *DB) PrefixScan(prefix []byte, fn func(key, val []byte) bool) error {
	if d.db == nil {
		return ErrDBNotOpen
	}
	return d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			key := append([]byte(nil), k...)
			val := append([]byte(nil), v...)
			if !fn(key, val) {
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
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for k, v := range sets {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		for _, k := range deletes {
			if err := b.Delete(k); err != nil {
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
	d.logger.Trace().Msg("closing bolt database")
	err := d.db.Close()
	d.db = nil
	return err
}
