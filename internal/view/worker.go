// Package view materializes a query's results: a worker subscribes to the
// result topic and applies diffs to the temporal view store, supervised by
// a view actor that owns the retention policy.
package view

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
	"github.com/tarungka/prism/internal/store"
)

// Subscriber delivers a query's result events. The transport gives
// at-least-once delivery and per-partition order; no ack contract beyond
// that. Next returns ErrNoEvent on an empty poll.
type Subscriber interface {
	Next(ctx context.Context) (*models.ResultEvent, error)
	Close() error
}

// ErrNoEvent mirrors the changestream sentinel for the result topic.
var ErrNoEvent = errors.New("no result available")

// Worker applies one query's result stream to one view. Events must be
// applied in sequence order: stale sequences (at-least-once redelivery or
// reordering) are dropped before application, never applied out of order.
type Worker struct {
	viewID string
	sub    Subscriber
	st     *store.Store
	logger zerolog.Logger

	lastApplied atomic.Int64
	dropped     atomic.Uint64
	applied     atomic.Uint64
}

func NewWorker(viewID string, sub Subscriber, st *store.Store) *Worker {
	w := &Worker{
		viewID: viewID,
		sub:    sub,
		st:     st,
		logger: logger.GetLogger("viewworker").With().Str("view", viewID).Logger(),
	}
	w.lastApplied.Store(-1)
	return w
}

// Run blocks until the worker fails or ctx is cancelled; cancellation is a
// clean drain of the in-flight event.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.sub.Close(); err != nil {
			w.logger.Err(err).Msg("subscriber close failed")
		}
	}()

	w.logger.Info().Msg("applying result stream")
	for {
		if ctx.Err() != nil {
			return nil
		}
		ev, err := w.sub.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoEvent):
			continue
		case errors.Is(err, models.ErrMalformedEvent):
			w.dropped.Add(1)
			w.logger.Error().Err(err).Msg("malformed result event, dropping")
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return err
		}
		if err := w.Apply(ev); err != nil {
			return err
		}
	}
}

// Apply writes one result event's diffs into the store. Sequence zero is
// the bootstrap baseline and always applies; otherwise the sequence must
// not move backwards.
func (w *Worker) Apply(ev *models.ResultEvent) error {
	last := w.lastApplied.Load()
	if ev.Sequence != 0 && ev.Sequence < last {
		w.dropped.Add(1)
		w.logger.Warn().Int64("seq", ev.Sequence).Int64("last", last).Msg("dropping stale result event")
		return nil
	}

	at := ev.EmittedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	for _, d := range ev.Diffs {
		var err error
		switch d.Op {
		case models.DiffAdded, models.DiffUpdated:
			err = w.st.Upsert(w.viewID, d.Key, d.Data, at)
		case models.DiffDeleted:
			err = w.st.Delete(w.viewID, d.Key, at)
		default:
			w.dropped.Add(1)
			w.logger.Error().Str("op", string(d.Op)).Str("key", d.Key).Msg("unknown diff op, dropping")
			continue
		}
		if err != nil {
			// Store invariant violations are not retryable; surface to
			// the actor.
			return fmt.Errorf("apply seq %d key %q: %w", ev.Sequence, d.Key, err)
		}
	}
	if ev.Sequence > last {
		w.lastApplied.Store(ev.Sequence)
	}
	w.applied.Add(1)
	return nil
}

// Applied and Dropped expose the worker's counters for status reporting.
func (w *Worker) Applied() uint64 { return w.applied.Load() }
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

// WorkerStats feeds the counters into actor status.
func (w *Worker) WorkerStats() map[string]uint64 {
	return map[string]uint64{
		"applied": w.applied.Load(),
		"dropped": w.dropped.Load(),
	}
}
