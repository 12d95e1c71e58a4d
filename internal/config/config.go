// Package config builds the immutable per-process configuration. It is
// constructed once at startup and handed to every component that needs it;
// nothing reads ambient global state afterwards.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"
)

var (
	// ErrMissingNodeID is fatal at startup: a process without an identity
	// cannot derive its topics or consumer group.
	ErrMissingNodeID = errors.New("missing node id")

	ErrBadBackend = errors.New("unknown store backend")
)

// Backend names accepted for store.backend.
const (
	BackendBadger       = "badger"
	BackendBadgerMemory = "badger-memory"
	BackendBolt         = "bolt"
)

// Config is the full process configuration.
type Config struct {
	// NodeID identifies this query/view host process.
	NodeID string

	// Brokers is the seed broker list for the change and result transports.
	Brokers []string

	// Port the HTTP surface listens on.
	Port string

	// QueryAPI is the base URL of the external query snapshot API used for
	// bootstrap.
	QueryAPI string

	// StoreBackend selects the db implementation: badger, badger-memory
	// or bolt.
	StoreBackend string
	// StoreDir is the data directory for file-backed backends.
	StoreDir string

	// PollTimeout bounds a single change-stream poll so workers can observe
	// cancellation promptly.
	PollTimeout time.Duration

	// GCInterval is how often retention sweeps run; GCBatchSize bounds one
	// sweep slice.
	GCInterval  time.Duration
	GCBatchSize int

	// MaxRestarts is the supervisor's retry ceiling before an actor parks
	// in Stopped with a sticky error.
	MaxRestarts int
}

// New reads the process configuration out of ko. Absent values fall back to
// defaults; an absent node id is an error.
func New(ko *koanf.Koanf) (*Config, error) {
	c := &Config{
		NodeID:       ko.String("node.id"),
		Brokers:      ko.Strings("transport.brokers"),
		Port:         ko.String("port"),
		QueryAPI:     ko.String("query.api"),
		StoreBackend: ko.String("store.backend"),
		StoreDir:     ko.String("store.dir"),
		PollTimeout:  ko.Duration("transport.poll_timeout"),
		GCInterval:   ko.Duration("store.gc_interval"),
		GCBatchSize:  ko.Int("store.gc_batch_size"),
		MaxRestarts:  ko.Int("actor.max_restarts"),
	}
	if c.NodeID == "" {
		return nil, ErrMissingNodeID
	}
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.StoreBackend == "" {
		c.StoreBackend = BackendBadger
	}
	switch c.StoreBackend {
	case BackendBadger, BackendBadgerMemory, BackendBolt:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadBackend, c.StoreBackend)
	}
	if c.StoreDir == "" {
		c.StoreDir = "data"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	if c.GCBatchSize <= 0 {
		c.GCBatchSize = 256
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	return c, nil
}

// ChangeTopicForQuery derives the change-stream topic for a query.
func (c *Config) ChangeTopicForQuery(queryID string) string {
	return "prism.changes." + queryID
}

// ResultTopicForQuery derives the result topic for a query.
func (c *Config) ResultTopicForQuery(queryID string) string {
	return "prism.results." + queryID
}

// ConsumerGroupForQuery derives the consumer group that gives a query its
// exclusive ordered reader.
func (c *Config) ConsumerGroupForQuery(queryID string) string {
	return "prism-query-" + queryID
}
