// Package runtime is the query-host registry: it tracks the live query and
// view actors for this process, wires their transport handles and recovers
// persisted actors after a crash.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/actor"
	"github.com/tarungka/prism/internal/changestream"
	"github.com/tarungka/prism/internal/config"
	"github.com/tarungka/prism/internal/db"
	"github.com/tarungka/prism/internal/engine"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
	"github.com/tarungka/prism/internal/publisher"
	"github.com/tarungka/prism/internal/query"
	"github.com/tarungka/prism/internal/scheduler"
	"github.com/tarungka/prism/internal/store"
	"github.com/tarungka/prism/internal/view"
)

var (
	ErrNotFound = errors.New("no such actor")
	ErrExists   = errors.New("actor already configured")
)

// Manager owns the actor registries. All lifecycle calls from the control
// plane land here.
type Manager struct {
	cfg     *config.Config
	kv      db.Store
	store   *store.Store
	sweeper *store.Sweeper
	eng     engine.Engine
	boot    engine.Bootstrapper
	logger  zerolog.Logger

	// base is the context every worker runs under; cancelling it drains
	// the whole host.
	base context.Context

	mu      sync.Mutex
	queries map[string]*query.Actor
	views   map[string]*view.Actor
}

func NewManager(base context.Context, cfg *config.Config, kv db.Store, st *store.Store,
	sweeper *store.Sweeper, eng engine.Engine, boot engine.Bootstrapper) *Manager {
	return &Manager{
		cfg:     cfg,
		kv:      kv,
		store:   st,
		sweeper: sweeper,
		eng:     eng,
		boot:    boot,
		logger:  logger.GetLogger("runtime"),
		base:    base,
		queries: make(map[string]*query.Actor),
		views:   make(map[string]*view.Actor),
	}
}

// queryWorkerFactory opens fresh transport handles for each worker
// incarnation; restarts resume from the consumer group's committed offset.
func (m *Manager) queryWorkerFactory(qc models.QueryConfig) (actor.Runner, error) {
	consumer, err := changestream.Open(changestream.Config{
		Brokers:     m.cfg.Brokers,
		Topic:       m.cfg.ChangeTopicForQuery(qc.QueryID),
		Group:       m.cfg.ConsumerGroupForQuery(qc.QueryID),
		QueryID:     qc.QueryID,
		PollTimeout: m.cfg.PollTimeout,
	})
	if err != nil {
		return nil, err
	}
	pub, err := publisher.Open(m.cfg.Brokers, m.cfg.ResultTopicForQuery(qc.QueryID))
	if err != nil {
		consumer.Close()
		return nil, err
	}
	var w *query.Worker
	sched := scheduler.New(qc.QueryID, m.kv, func(ctx context.Context, t models.FutureTrigger) error {
		return w.FireTrigger(ctx, t)
	})
	w = query.NewWorker(qc.QueryID, consumer, m.eng, m.boot, pub, sched)
	return w, nil
}

func (m *Manager) viewWorkerFactory(vc models.ViewConfig) (actor.Runner, error) {
	sub, err := view.Subscribe(
		m.cfg.Brokers,
		m.cfg.ResultTopicForQuery(vc.QueryID),
		"prism-view-"+vc.ViewID,
		m.cfg.PollTimeout,
	)
	if err != nil {
		return nil, err
	}
	return view.NewWorker(vc.ViewID, sub, m.store), nil
}

// ConfigureQuery creates and configures a query actor. A live actor under
// the same id is rejected; a Stopped one is replaced.
func (m *Manager) ConfigureQuery(cfg models.QueryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.queries[cfg.QueryID]; ok && a.Status().State != actor.Stopped {
		return fmt.Errorf("%w: query %q", ErrExists, cfg.QueryID)
	}
	a := query.NewActor(cfg.QueryID, m.kv, m.queryWorkerFactory, m.cfg.MaxRestarts)
	if err := a.Configure(m.base, cfg); err != nil {
		return err
	}
	m.queries[cfg.QueryID] = a
	return nil
}

func (m *Manager) ReconfigureQuery(cfg models.QueryConfig) error {
	m.mu.Lock()
	a, ok := m.queries[cfg.QueryID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: query %q", ErrNotFound, cfg.QueryID)
	}
	return a.Reconfigure(m.base, cfg)
}

func (m *Manager) DeprovisionQuery(queryID string) error {
	m.mu.Lock()
	a, ok := m.queries[queryID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: query %q", ErrNotFound, queryID)
	}
	return a.Deprovision()
}

func (m *Manager) QueryStatus(queryID string) (actor.Status, error) {
	m.mu.Lock()
	a, ok := m.queries[queryID]
	m.mu.Unlock()
	if !ok {
		return actor.Status{}, fmt.Errorf("%w: query %q", ErrNotFound, queryID)
	}
	return a.Status(), nil
}

// ConfigureView mirrors ConfigureQuery for view actors.
func (m *Manager) ConfigureView(cfg models.ViewConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.views[cfg.ViewID]; ok && a.Status().State != actor.Stopped {
		return fmt.Errorf("%w: view %q", ErrExists, cfg.ViewID)
	}
	a := view.NewActor(cfg.ViewID, m.kv, m.viewWorkerFactory, m.sweeper, m.cfg.MaxRestarts)
	if err := a.Configure(m.base, cfg); err != nil {
		return err
	}
	m.views[cfg.ViewID] = a
	return nil
}

func (m *Manager) ReconfigureView(cfg models.ViewConfig) error {
	m.mu.Lock()
	a, ok := m.views[cfg.ViewID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: view %q", ErrNotFound, cfg.ViewID)
	}
	return a.Reconfigure(m.base, cfg)
}

func (m *Manager) DeprovisionView(viewID string) error {
	m.mu.Lock()
	a, ok := m.views[viewID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: view %q", ErrNotFound, viewID)
	}
	return a.Deprovision()
}

func (m *Manager) ViewStatus(viewID string) (actor.Status, error) {
	m.mu.Lock()
	a, ok := m.views[viewID]
	m.mu.Unlock()
	if !ok {
		return actor.Status{}, fmt.Errorf("%w: view %q", ErrNotFound, viewID)
	}
	return a.Status(), nil
}

// Statuses returns the control-plane view of every actor in the host.
func (m *Manager) Statuses() map[string]actor.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]actor.Status, len(m.queries)+len(m.views))
	for id, a := range m.queries {
		out["query/"+id] = a.Status()
	}
	for id, a := range m.views {
		out["view/"+id] = a.Status()
	}
	return out
}

// Recover reactivates every actor with a persisted config. Called once at
// startup; workers resume their streams from committed checkpoints, so
// recovery needs no further coordination.
func (m *Manager) Recover() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.kv.PrefixScan([]byte("actor/query/"), func(key, _ []byte) bool {
		id := strings.TrimPrefix(string(key), "actor/query/")
		a := query.NewActor(id, m.kv, m.queryWorkerFactory, m.cfg.MaxRestarts)
		if rerr := a.Reactivate(m.base); rerr != nil {
			m.logger.Err(rerr).Str("query", id).Msg("query reactivation failed")
			return true
		}
		m.queries[id] = a
		return true
	})
	if err != nil {
		return err
	}
	return m.kv.PrefixScan([]byte("actor/view/"), func(key, _ []byte) bool {
		id := strings.TrimPrefix(string(key), "actor/view/")
		a := view.NewActor(id, m.kv, m.viewWorkerFactory, m.sweeper, m.cfg.MaxRestarts)
		if rerr := a.Reactivate(m.base); rerr != nil {
			m.logger.Err(rerr).Str("view", id).Msg("view reactivation failed")
			return true
		}
		m.views[id] = a
		return true
	})
}

// Close drains every worker without deprovisioning: persisted configs stay
// in place for the next incarnation of the host.
func (m *Manager) Close() {
	m.mu.Lock()
	queries := make([]*query.Actor, 0, len(m.queries))
	for _, a := range m.queries {
		queries = append(queries, a)
	}
	views := make([]*view.Actor, 0, len(m.views))
	for _, a := range m.views {
		views = append(views, a)
	}
	m.mu.Unlock()

	for _, a := range queries {
		a.Halt()
	}
	for _, a := range views {
		a.Halt()
	}
	m.logger.Info().Msg("runtime drained")
}
