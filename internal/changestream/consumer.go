// Package changestream reads a query's ordered change stream off the log
// transport. One consumer-group member per query gives the exclusive
// ordered reader; acks are gated so they can never happen out of order.
package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tarungka/prism/internal/backoff"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
)

var (
	// ErrNoEvent means the bounded poll elapsed with nothing new. The
	// caller loops; it is not a failure.
	ErrNoEvent = errors.New("no event available")

	// ErrOutOfOrderAck means the caller tried to ack a sequence that is
	// not the oldest pending one.
	ErrOutOfOrderAck = errors.New("out of order ack")

	ErrClosed = errors.New("consumer closed")
)

// Consumer is the ordered, ack-gated reader the query worker consumes.
type Consumer interface {
	// Next blocks up to the poll timeout for the next event in sequence
	// order. Returns ErrNoEvent on timeout and a models.ErrMalformedEvent
	// wrap (with the event, for its sequence) on undecodable payloads.
	Next(ctx context.Context) (*models.ChangeEvent, error)
	// Ack marks seq processed. seq must be the oldest unacked sequence.
	Ack(ctx context.Context, seq int64) error
	// SkipAck acks a malformed event so it cannot stall the partition,
	// counting it as a data-quality error.
	SkipAck(ctx context.Context, seq int64) error
	Stats() Stats
	Close() error
}

// Stats separates data-quality errors from transport errors, per the error
// taxonomy.
type Stats struct {
	Delivered       uint64
	Acked           uint64
	Skipped         uint64
	TransportErrors uint64
	DataErrors      uint64
}

// Config for a kafka-backed consumer.
type Config struct {
	Brokers     []string
	Topic       string
	Group       string
	QueryID     string
	PollTimeout time.Duration
}

// KafkaConsumer implements Consumer over a kgo consumer group. Commits are
// marks: the group offset advances only past acked records, so a crashed
// worker's unacked events are redelivered to its successor, oldest first.
type KafkaConsumer struct {
	cfg    Config
	client *kgo.Client
	gate   ackGate
	buf    []*kgo.Record
	logger zerolog.Logger
	retry  backoff.Policy

	delivered       atomic.Uint64
	acked           atomic.Uint64
	skipped         atomic.Uint64
	transportErrors atomic.Uint64
	dataErrors      atomic.Uint64

	closed atomic.Bool
}

// Open joins the consumer group and positions at the last committed offset.
func Open(cfg Config) (*KafkaConsumer, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	return &KafkaConsumer{
		cfg:    cfg,
		client: client,
		logger: logger.GetLogger("changestream").With().Str("query", cfg.QueryID).Logger(),
		retry:  backoff.Default,
	}, nil
}

func (c *KafkaConsumer) Next(ctx context.Context) (*models.ChangeEvent, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if len(c.buf) == 0 {
		if err := c.fill(ctx); err != nil {
			return nil, err
		}
	}
	rec := c.buf[0]
	c.buf = c.buf[1:]

	seq := rec.Offset
	c.gate.deliver(seq, rec)
	c.delivered.Add(1)

	ev := &models.ChangeEvent{
		QueryID:   c.cfg.QueryID,
		Sequence:  seq,
		Timestamp: rec.Timestamp,
	}
	var body struct {
		Payload     json.RawMessage `json:"payload"`
		TraceParent string          `json:"traceparent"`
	}
	if err := json.Unmarshal(rec.Value, &body); err != nil || len(body.Payload) == 0 {
		c.dataErrors.Add(1)
		return ev, fmt.Errorf("%w: seq %d: undecodable change payload", models.ErrMalformedEvent, seq)
	}
	ev.Payload = body.Payload
	ev.TraceParent = body.TraceParent
	return ev, nil
}

// fill polls the transport once, with bounded retries on transport errors,
// and buffers whatever arrived.
func (c *KafkaConsumer) fill(ctx context.Context) error {
	err := c.retry.Retry(ctx, func() error {
		pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		defer cancel()
		fetches := c.client.PollFetches(pollCtx)
		if fetches.IsClientClosed() {
			return ErrClosed
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
					continue
				}
				c.transportErrors.Add(1)
				c.logger.Err(fe.Err).Str("topic", fe.Topic).Int32("partition", fe.Partition).Msg("fetch error")
				return fmt.Errorf("%w: %v", models.ErrTransport, fe.Err)
			}
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			c.buf = append(c.buf, rec)
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if len(c.buf) == 0 {
		return ErrNoEvent
	}
	return nil
}

func (c *KafkaConsumer) Ack(ctx context.Context, seq int64) error {
	rec, err := c.gate.ack(seq)
	if err != nil {
		return err
	}
	c.client.MarkCommitRecords(rec)
	c.client.AllowRebalance()
	c.acked.Add(1)
	return nil
}

func (c *KafkaConsumer) SkipAck(ctx context.Context, seq int64) error {
	rec, err := c.gate.ack(seq)
	if err != nil {
		return err
	}
	c.client.MarkCommitRecords(rec)
	c.client.AllowRebalance()
	c.skipped.Add(1)
	c.logger.Warn().Int64("seq", seq).Msg("skip-acked malformed event")
	return nil
}

func (c *KafkaConsumer) Stats() Stats {
	return Stats{
		Delivered:       c.delivered.Load(),
		Acked:           c.acked.Load(),
		Skipped:         c.skipped.Load(),
		TransportErrors: c.transportErrors.Load(),
		DataErrors:      c.dataErrors.Load(),
	}
}

// Close commits the marked offsets and leaves the group, releasing the
// partition to the next consumer instance.
func (c *KafkaConsumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Err(err).Msg("final offset commit failed")
	}
	c.client.Close()
	return nil
}
