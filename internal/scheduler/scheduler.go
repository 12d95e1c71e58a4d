// Package scheduler holds pending future re-evaluation triggers and feeds
// them back into the query engine at their due time. Triggers are persisted
// on enqueue and removed after a successful fire, so they survive a worker
// restart without a re-bootstrap.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/db"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
)

// FireFunc receives a due trigger. A nil return deletes the persisted
// trigger; an error leaves it queued for a later retry (at-least-once fire).
type FireFunc func(ctx context.Context, t models.FutureTrigger) error

const (
	// maxIdleWait bounds the sleep so a stopped scheduler notices
	// cancellation even with an empty queue.
	maxIdleWait = 5 * time.Second

	retryDelay = 2 * time.Second
)

type triggerHeap []models.FutureTrigger

func (h triggerHeap) Len() int           { return len(h) }
func (h triggerHeap) Less(i, j int) bool { return h[i].DueAt.Before(h[j].DueAt) }
func (h triggerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *triggerHeap) Push(x any)        { *h = append(*h, x.(models.FutureTrigger)) }
func (h *triggerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Scheduler is a due-time-ordered queue for one query's future triggers.
type Scheduler struct {
	queryID string
	kv      db.Store
	fire    FireFunc
	nowFn   func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	pending triggerHeap

	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFn = now }
}

func New(queryID string, kv db.Store, fire FireFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		queryID: queryID,
		kv:      kv,
		fire:    fire,
		nowFn:   time.Now,
		logger:  logger.GetLogger("scheduler").With().Str("query", queryID).Logger(),
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// key identifies a persisted trigger by token, not due time: a retry shifts
// DueAt, and the post-fire delete must still hit the record written at
// enqueue time.
func (s *Scheduler) key(t models.FutureTrigger) []byte {
	return []byte(fmt.Sprintf("t/%s/%s", s.queryID, t.Token))
}

func (s *Scheduler) prefix() []byte {
	return []byte(fmt.Sprintf("t/%s/", s.queryID))
}

// Enqueue persists the trigger and queues it. Persist happens before the
// heap push: a crash between the two re-queues on restart rather than
// losing the trigger.
func (s *Scheduler) Enqueue(t models.FutureTrigger) error {
	val, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.kv.Set(s.key(t), val); err != nil {
		s.mu.Unlock()
		return err
	}
	heap.Push(&s.pending, t)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.logger.Trace().Time("due_at", t.DueAt).Str("token", t.Token).Msg("trigger enqueued")
	return nil
}

// Pending reports the number of queued triggers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Start reloads persisted triggers and launches the fire loop. The queue is
// rebuilt from the persisted set: Enqueue writes before it pushes, so the
// store is the full picture and triggers enqueued before Start are not
// queued twice.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	var recovered triggerHeap
	var scanErr error
	err := s.kv.PrefixScan(s.prefix(), func(_, val []byte) bool {
		var t models.FutureTrigger
		if err := t.UnmarshalBinary(val); err != nil {
			scanErr = err
			return false
		}
		recovered = append(recovered, t)
		return true
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	heap.Init(&recovered)
	s.pending = recovered
	s.mu.Unlock()
	if n := len(recovered); n > 0 {
		s.logger.Info().Int("recovered", n).Msg("recovered pending triggers")
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.fireDue(ctx)
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return maxIdleWait
	}
	d := s.pending[0].DueAt.Sub(s.nowFn())
	if d < 0 {
		return 0
	}
	if d > maxIdleWait {
		return maxIdleWait
	}
	return d
}

// fireDue pops and fires every trigger whose due time has elapsed.
func (s *Scheduler) fireDue(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.pending[0].DueAt.After(s.nowFn()) {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.pending).(models.FutureTrigger)
		s.mu.Unlock()

		if err := s.fire(ctx, t); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Err(err).Str("token", t.Token).Msg("trigger fire failed, requeueing")
			retry := t
			retry.DueAt = s.nowFn().Add(retryDelay)
			s.mu.Lock()
			heap.Push(&s.pending, retry)
			s.mu.Unlock()
			continue
		}
		if err := s.kv.Delete(s.key(t)); err != nil {
			// The trigger already fired; a leftover record means a
			// duplicate fire after restart, which the engine tolerates.
			s.logger.Err(err).Str("token", t.Token).Msg("failed to delete fired trigger")
		}
		s.logger.Trace().Str("token", t.Token).Msg("trigger fired")
	}
}

// Stop halts the fire loop. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}
