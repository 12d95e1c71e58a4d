package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
)

// Sweeper runs retention GC for registered views on an interval. View
// actors register their view on configure and unregister on deprovision.
type Sweeper struct {
	store     *Store
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger

	mu    sync.Mutex
	views map[string]models.RetentionPolicy

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func NewSweeper(store *Store, interval time.Duration, batchSize int) *Sweeper {
	return &Sweeper{
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.GetLogger("sweeper"),
		views:     make(map[string]models.RetentionPolicy),
	}
}

// Register adds (or replaces) a view's retention policy.
func (sw *Sweeper) Register(viewID string, policy models.RetentionPolicy) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.views[viewID] = policy
}

// Unregister removes a view from the sweep schedule.
func (sw *Sweeper) Unregister(viewID string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.views, viewID)
}

// Start launches the background sweep loop.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.done = make(chan struct{})
	go sw.run(ctx)
}

func (sw *Sweeper) run(ctx context.Context) {
	defer close(sw.done)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one pass over every registered view. Exposed so tests and
// lifecycle operations can force a sweep.
func (sw *Sweeper) SweepOnce(ctx context.Context) {
	sw.mu.Lock()
	snapshot := make(map[string]models.RetentionPolicy, len(sw.views))
	for id, p := range sw.views {
		snapshot[id] = p
	}
	sw.mu.Unlock()

	for id, policy := range snapshot {
		if _, err := sw.store.GCSweep(ctx, id, policy, sw.batchSize); err != nil {
			if ctx.Err() != nil {
				return
			}
			sw.logger.Err(err).Str("view", id).Msg("gc sweep failed")
		}
	}
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() {
		if sw.cancel != nil {
			sw.cancel()
			<-sw.done
		}
	})
}
