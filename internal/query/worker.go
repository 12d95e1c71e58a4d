// Package query runs one continuous query: an actor supervising a worker
// that bootstraps from a snapshot and then drives the
// read -> apply -> schedule -> publish -> ack loop.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/changestream"
	"github.com/tarungka/prism/internal/engine"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
	"github.com/tarungka/prism/internal/publisher"
	"github.com/tarungka/prism/internal/scheduler"
)

// drainGrace bounds how long a stopping worker may spend finishing the
// event it already read from the stream.
const drainGrace = 10 * time.Second

// Worker owns the steady-state loop for one query. Exactly one worker per
// query is live at a time; the consumer group enforces that.
type Worker struct {
	queryID  string
	consumer changestream.Consumer
	eng      engine.Engine
	boot     engine.Bootstrapper
	pub      publisher.Publisher
	sched    *scheduler.Scheduler
	logger   zerolog.Logger

	// lastSeq is the sequence of the last applied live change; trigger
	// re-evaluations publish under it so result sequences stay monotonic.
	lastSeq atomic.Int64
}

func NewWorker(queryID string, consumer changestream.Consumer, eng engine.Engine,
	boot engine.Bootstrapper, pub publisher.Publisher, sched *scheduler.Scheduler) *Worker {
	return &Worker{
		queryID:  queryID,
		consumer: consumer,
		eng:      eng,
		boot:     boot,
		pub:      pub,
		sched:    sched,
		logger:   logger.GetLogger("queryworker").With().Str("query", queryID).Logger(),
	}
}

// Run blocks until the worker fails or ctx is cancelled. A cancelled ctx is
// a clean drain: the in-flight event finishes (apply, publish, ack) before
// Run returns nil.
func (w *Worker) Run(ctx context.Context) error {
	// The worker owns its transport handles for this incarnation; closing
	// the consumer releases the group membership for the successor.
	defer func() {
		if err := w.consumer.Close(); err != nil {
			w.logger.Err(err).Msg("consumer close failed")
		}
		if err := w.pub.Close(); err != nil {
			w.logger.Err(err).Msg("publisher close failed")
		}
	}()

	if err := w.bootstrap(ctx); err != nil {
		// Starting from an empty baseline would silently produce wrong
		// results, so a failed bootstrap is fatal to the worker.
		return fmt.Errorf("bootstrap: %w", err)
	}

	if w.sched != nil {
		if err := w.sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler start: %w", err)
		}
		defer w.sched.Stop()
	}

	w.logger.Info().Msg("entering steady-state loop")
	for {
		if ctx.Err() != nil {
			w.logger.Info().Msg("drained, stopping")
			return nil
		}
		ev, err := w.consumer.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, changestream.ErrNoEvent):
			continue
		case errors.Is(err, models.ErrMalformedEvent):
			// Skip-ack so one bad payload cannot stall the partition.
			w.logger.Error().Err(err).Msg("malformed change event, skipping")
			if ev != nil {
				if aerr := w.consumer.SkipAck(ctx, ev.Sequence); aerr != nil {
					return aerr
				}
			}
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			// Transport retries are already exhausted below Next.
			return err
		}

		// The event was read; processing finishes even if a stop lands
		// mid-flight, so the ack always follows the publish.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainGrace)
		err = w.process(pctx, *ev)
		cancel()
		if err != nil {
			return err
		}
	}
}

// process applies one event end to end. The ack is last: a crash between
// apply and ack replays the event, a crash after publish loses nothing.
func (w *Worker) process(ctx context.Context, ev models.ChangeEvent) error {
	result, futures, err := w.eng.Apply(ctx, ev)
	if err != nil {
		if errors.Is(err, models.ErrMalformedEvent) {
			w.logger.Error().Err(err).Int64("seq", ev.Sequence).Msg("engine rejected payload, skipping")
			return w.consumer.SkipAck(ctx, ev.Sequence)
		}
		// Evaluation errors are fatal; the actor owns the restart.
		return fmt.Errorf("engine apply seq %d: %w", ev.Sequence, err)
	}

	if result != nil && len(result.Diffs) > 0 {
		if err := w.pub.Publish(ctx, result); err != nil {
			return fmt.Errorf("publish seq %d: %w", ev.Sequence, err)
		}
	}
	for _, t := range futures {
		if w.sched == nil {
			w.logger.Warn().Str("token", t.Token).Msg("dropping future trigger, no scheduler")
			continue
		}
		if err := w.sched.Enqueue(t); err != nil {
			return fmt.Errorf("enqueue trigger %q: %w", t.Token, err)
		}
	}
	if err := w.consumer.Ack(ctx, ev.Sequence); err != nil {
		return err
	}
	w.lastSeq.Store(ev.Sequence)
	return nil
}

// bootstrap feeds the initial snapshot to the engine as synthetic adds.
// The live stream is not read until this completes.
func (w *Worker) bootstrap(ctx context.Context) error {
	if w.boot == nil {
		return nil
	}
	start := time.Now()
	rows := 0
	err := w.boot.Bootstrap(ctx, w.queryID, func(row engine.BootstrapRow) error {
		payload, err := json.Marshal(map[string]any{
			"op":    "insert",
			"key":   row.Key,
			"value": json.RawMessage(row.Data),
		})
		if err != nil {
			return err
		}
		ev := models.ChangeEvent{
			QueryID:   w.queryID,
			Sequence:  0,
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}
		result, _, err := w.eng.Apply(ctx, ev)
		if err != nil {
			return err
		}
		if result != nil && len(result.Diffs) > 0 {
			result.Sequence = 0
			if err := w.pub.Publish(ctx, result); err != nil {
				return err
			}
		}
		rows++
		return nil
	})
	if err != nil {
		return err
	}
	w.logger.Info().Int("rows", rows).Dur("took", time.Since(start)).Msg("bootstrap complete")
	return nil
}

// WorkerStats exposes the consumer counters for actor status reporting.
func (w *Worker) WorkerStats() map[string]uint64 {
	s := w.consumer.Stats()
	out := map[string]uint64{
		"delivered":        s.Delivered,
		"acked":            s.Acked,
		"skipped":          s.Skipped,
		"transport_errors": s.TransportErrors,
		"data_errors":      s.DataErrors,
	}
	if seq := w.lastSeq.Load(); seq > 0 {
		out["last_sequence"] = uint64(seq)
	}
	return out
}

// FireTrigger is the scheduler's path back into the engine: the trigger
// becomes a synthetic change flowing through the same apply and publish
// pipe as live events.
func (w *Worker) FireTrigger(ctx context.Context, t models.FutureTrigger) error {
	payload, err := json.Marshal(map[string]any{
		"op":    "trigger",
		"token": t.Token,
	})
	if err != nil {
		return err
	}
	ev := models.ChangeEvent{
		QueryID:   w.queryID,
		Sequence:  w.lastSeq.Load(),
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	result, futures, err := w.eng.Apply(ctx, ev)
	if err != nil {
		return err
	}
	if result != nil && len(result.Diffs) > 0 {
		if err := w.pub.Publish(ctx, result); err != nil {
			return err
		}
	}
	for _, next := range futures {
		if err := w.sched.Enqueue(next); err != nil {
			return err
		}
	}
	return nil
}
