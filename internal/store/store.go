// Package store implements the temporal materialized view store: versioned
// rows with validity intervals, point-in-time reads and retention-policy GC.
package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/db"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
)

var (
	// ErrStoreNotOpen is returned when the store has been closed.
	ErrStoreNotOpen = errors.New("store not open")

	// ErrConsistency is returned when the row invariant is broken (zero or
	// two open rows where exactly one is expected, or a timestamp
	// regression). Never retried: retrying cannot fix a logic bug.
	ErrConsistency = errors.New("internal consistency error")
)

const lockShards = 64

// Store is the temporal view store. Rows are kept in the underlying kv
// store under v/<view>/<key>/<validFrom>, so a prefix scan yields a key's
// versions oldest first.
type Store struct {
	kv     db.Store
	nowFn  func() time.Time
	logger zerolog.Logger

	// Sharded per-key locks make the close-open transition on upsert and
	// delete a read-modify-write critical section. This is the only
	// explicit mutual exclusion in the core.
	locks [lockShards]sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// New creates a Store on top of kv. The caller keeps ownership of kv's
// lifecycle unless Close is used.
func New(kv db.Store, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		nowFn:  time.Now,
		logger: logger.GetLogger("viewstore"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func rowKey(viewID, key string, validFrom time.Time) []byte {
	return []byte(fmt.Sprintf("v/%s/%s/%020d", viewID, key, validFrom.UnixNano()))
}

func keyPrefix(viewID, key string) []byte {
	return []byte(fmt.Sprintf("v/%s/%s/", viewID, key))
}

func viewPrefix(viewID string) []byte {
	return []byte(fmt.Sprintf("v/%s/", viewID))
}

func (s *Store) lockFor(viewID, key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(viewID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockShards]
}

func (s *Store) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreNotOpen
	}
	return nil
}

// versions returns every stored version of key, oldest first.
func (s *Store) versions(viewID, key string) ([]models.ViewRow, error) {
	var rows []models.ViewRow
	var scanErr error
	err := s.kv.PrefixScan(keyPrefix(viewID, key), func(_, val []byte) bool {
		var row models.ViewRow
		if err := row.UnmarshalBinary(val); err != nil {
			scanErr = err
			return false
		}
		rows = append(rows, row)
		return true
	})
	if err != nil {
		return nil, err
	}
	return rows, scanErr
}

// currentOpen finds the open version of key, enforcing the at-most-one-open
// invariant.
func currentOpen(rows []models.ViewRow) (*models.ViewRow, error) {
	var open *models.ViewRow
	for i := range rows {
		if rows[i].Open() {
			if open != nil {
				return nil, fmt.Errorf("%w: two open rows for key %q", ErrConsistency, rows[i].Key)
			}
			open = &rows[i]
		}
	}
	return open, nil
}

// Upsert closes the current open row for key (validTo = at) and opens a new
// one (validFrom = at). A reader never observes zero or two open rows for
// the key: both writes land in one batch.
func (s *Store) Upsert(viewID, key string, data []byte, at time.Time) error {
	if err := s.open(); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.nowFn()
	}
	l := s.lockFor(viewID, key)
	l.Lock()
	defer l.Unlock()

	rows, err := s.versions(viewID, key)
	if err != nil {
		return err
	}
	open, err := currentOpen(rows)
	if err != nil {
		return err
	}

	sets := map[string][]byte{}
	if open != nil {
		if at.Before(open.ValidFrom) {
			return fmt.Errorf("%w: upsert at %v precedes open row from %v for key %q",
				ErrConsistency, at, open.ValidFrom, key)
		}
		if at.Equal(open.ValidFrom) {
			// Redelivered write for the same instant: overwrite the open
			// row in place rather than close a zero-width interval.
			next := models.ViewRow{Key: key, Data: data, ValidFrom: at}
			nv, err := next.MarshalBinary()
			if err != nil {
				return err
			}
			return s.kv.Set(rowKey(viewID, key, at), nv)
		}
		closed := *open
		closed.ValidTo = at
		cv, err := closed.MarshalBinary()
		if err != nil {
			return err
		}
		sets[string(rowKey(viewID, key, closed.ValidFrom))] = cv
	}
	next := models.ViewRow{Key: key, Data: data, ValidFrom: at}
	nv, err := next.MarshalBinary()
	if err != nil {
		return err
	}
	sets[string(rowKey(viewID, key, at))] = nv

	return s.kv.Batch(sets, nil)
}

// Delete closes the current open row for key without opening a successor.
// Deleting a key with no open row is a no-op; at-least-once delivery means
// the same diff can come around twice.
func (s *Store) Delete(viewID, key string, at time.Time) error {
	if err := s.open(); err != nil {
		return err
	}
	if at.IsZero() {
		at = s.nowFn()
	}
	l := s.lockFor(viewID, key)
	l.Lock()
	defer l.Unlock()

	rows, err := s.versions(viewID, key)
	if err != nil {
		return err
	}
	open, err := currentOpen(rows)
	if err != nil {
		return err
	}
	if open == nil {
		s.logger.Warn().Str("view", viewID).Str("key", key).Msg("delete of key with no open row")
		return nil
	}
	if !at.After(open.ValidFrom) {
		return fmt.Errorf("%w: delete at %v does not follow open row from %v for key %q",
			ErrConsistency, at, open.ValidFrom, key)
	}
	closed := *open
	closed.ValidTo = at
	cv, err := closed.MarshalBinary()
	if err != nil {
		return err
	}
	return s.kv.Set(rowKey(viewID, key, closed.ValidFrom), cv)
}

// Read returns the version of key valid at asOf, or nil when the key had no
// valid version then. A zero asOf means now.
func (s *Store) Read(viewID, key string, asOf time.Time) (*models.ViewRow, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = s.nowFn()
	}
	rows, err := s.versions(viewID, key)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].ValidAt(asOf) {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// ReadAll returns every row in the view valid at asOf. A zero asOf means
// now.
func (s *Store) ReadAll(viewID string, asOf time.Time) ([]models.ViewRow, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		asOf = s.nowFn()
	}
	var out []models.ViewRow
	var scanErr error
	err := s.kv.PrefixScan(viewPrefix(viewID), func(_, val []byte) bool {
		var row models.ViewRow
		if err := row.UnmarshalBinary(val); err != nil {
			scanErr = err
			return false
		}
		if row.ValidAt(asOf) {
			out = append(out, row)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, scanErr
}

// GCSweep applies policy to the view's closed rows. It never touches open
// rows and never runs on the write path; deletions go out in slices of
// batchSize so one sweep cannot monopolize the store.
func (s *Store) GCSweep(ctx context.Context, viewID string, policy models.RetentionPolicy, batchSize int) (int, error) {
	if err := s.open(); err != nil {
		return 0, err
	}
	if policy.Kind == models.RetainAll {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	now := s.nowFn()

	var doomed [][]byte
	var scanErr error
	err := s.kv.PrefixScan(viewPrefix(viewID), func(key, val []byte) bool {
		var row models.ViewRow
		if err := row.UnmarshalBinary(val); err != nil {
			scanErr = err
			return false
		}
		if row.Open() {
			return true
		}
		switch policy.Kind {
		case models.RetainLatest:
			doomed = append(doomed, key)
		case models.RetainExpire:
			if now.Sub(row.ValidTo) > policy.TTL {
				doomed = append(doomed, key)
			}
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if scanErr != nil {
		return 0, scanErr
	}

	removed := 0
	for len(doomed) > 0 {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		n := min(batchSize, len(doomed))
		if err := s.kv.Batch(nil, doomed[:n]); err != nil {
			return removed, err
		}
		removed += n
		doomed = doomed[n:]
	}
	if removed > 0 {
		s.logger.Debug().Str("view", viewID).Int("removed", removed).Msg("gc sweep finished")
	}
	return removed, nil
}

// Close marks the store closed. The underlying kv store is not closed; the
// process owns that.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
