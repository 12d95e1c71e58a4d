package view

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tarungka/prism/internal/backoff"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
)

// KafkaSubscriber consumes a query's result topic with transport-default
// delivery: auto-committed consumer group offsets, at-least-once.
type KafkaSubscriber struct {
	client      *kgo.Client
	pollTimeout time.Duration
	buf         []*kgo.Record
	retry       backoff.Policy
	logger      zerolog.Logger
}

func Subscribe(brokers []string, topic, group string, pollTimeout time.Duration) (*KafkaSubscriber, error) {
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransport, err)
	}
	return &KafkaSubscriber{
		client:      client,
		pollTimeout: pollTimeout,
		retry:       backoff.Default,
		logger:      logger.GetLogger("viewsub").With().Str("topic", topic).Logger(),
	}, nil
}

func (s *KafkaSubscriber) Next(ctx context.Context) (*models.ResultEvent, error) {
	if len(s.buf) == 0 {
		err := s.retry.Retry(ctx, func() error {
			pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
			defer cancel()
			fetches := s.client.PollFetches(pollCtx)
			if fetches.IsClientClosed() {
				return context.Canceled
			}
			for _, fe := range fetches.Errors() {
				if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
					continue
				}
				s.logger.Err(fe.Err).Msg("fetch error")
				return fmt.Errorf("%w: %v", models.ErrTransport, fe.Err)
			}
			fetches.EachRecord(func(rec *kgo.Record) {
				s.buf = append(s.buf, rec)
			})
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(s.buf) == 0 {
			return nil, ErrNoEvent
		}
	}
	rec := s.buf[0]
	s.buf = s.buf[1:]

	var ev models.ResultEvent
	if err := ev.UnmarshalBinary(rec.Value); err != nil {
		return nil, fmt.Errorf("%w: offset %d: %v", models.ErrMalformedEvent, rec.Offset, err)
	}
	return &ev, nil
}

func (s *KafkaSubscriber) Close() error {
	s.client.Close()
	return nil
}
