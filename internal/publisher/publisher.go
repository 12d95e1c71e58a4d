// Package publisher emits result diffs to a query's result topic. Events
// are keyed by query id so they land on one partition and keep their order.
package publisher

import (
	"context"
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

var ErrClosed = errors.New("publisher closed")

// Publisher is what the query worker publishes through; the kafka
// implementation is swapped for a fake in worker tests.
type Publisher interface {
	Publish(ctx context.Context, ev *models.ResultEvent) error
	Close() error
}

// KafkaPublisher produces JSON-encoded result events synchronously: Publish
// does not return until the transport acked the write, because the change
// event's ack strictly follows a successful publish.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	retry  backoff.Policy
	logger zerolog.Logger
	closed atomic.Bool
}

func Open(brokers []string, topic string) (*KafkaPublisher, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	return &KafkaPublisher{
		client: client,
		topic:  topic,
		retry:  backoff.Default,
		logger: logger.GetLogger("publisher").With().Str("topic", topic).Logger(),
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev *models.ResultEvent) error {
	if p.closed.Load() {
		return ErrClosed
	}
	val, err := ev.MarshalBinary()
	if err != nil {
		return err
	}
	rec := &kgo.Record{Key: []byte(ev.QueryID), Value: val}
	return p.retry.Retry(ctx, func() error {
		if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
			p.logger.Err(err).Int64("seq", ev.Sequence).Msg("produce failed")
			return fmt.Errorf("%w: %v", models.ErrTransport, err)
		}
		return nil
	})
}

func (p *KafkaPublisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Err(err).Msg("flush on close failed")
	}
	p.client.Close()
	return nil
}
