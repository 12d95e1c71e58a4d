package view

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/actor"
	"github.com/tarungka/prism/internal/db"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
	"github.com/tarungka/prism/internal/store"
)

// WorkerFactory builds a fresh view worker for a config.
type WorkerFactory func(cfg models.ViewConfig) (actor.Runner, error)

// Actor supervises one materialized view. It owns the persisted ViewConfig
// (retention policy included) and registers the view with the GC sweeper
// while running.
type Actor struct {
	sup     *actor.Supervisor
	kv      db.Store
	factory WorkerFactory
	sweeper *store.Sweeper
	logger  zerolog.Logger

	viewID string
}

func NewActor(viewID string, kv db.Store, factory WorkerFactory, sweeper *store.Sweeper, maxRestarts int) *Actor {
	return &Actor{
		sup:     actor.NewSupervisor("view/"+viewID, maxRestarts),
		kv:      kv,
		factory: factory,
		sweeper: sweeper,
		logger:  logger.GetLogger("viewactor").With().Str("view", viewID).Logger(),
		viewID:  viewID,
	}
}

func configKey(viewID string) []byte {
	return []byte("actor/view/" + viewID)
}

// Configure validates retention and source query, persists the config,
// registers retention with the sweeper and spawns the worker. Validation
// failure leaves the actor Uninitialized.
func (a *Actor) Configure(ctx context.Context, cfg models.ViewConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ViewID != a.viewID {
		return fmt.Errorf("%w: config is for view %q", models.ErrInvalidConfig, cfg.ViewID)
	}
	if err := a.sup.Transition(actor.Configuring, actor.Uninitialized); err != nil {
		return err
	}
	if err := a.persist(cfg); err != nil {
		_ = a.sup.Transition(actor.Uninitialized, actor.Configuring)
		return err
	}
	if a.sweeper != nil {
		a.sweeper.Register(cfg.ViewID, cfg.Retention)
	}
	a.spawn(ctx, cfg)
	return nil
}

// Reconfigure replaces the retention policy and source wholesale.
func (a *Actor) Reconfigure(ctx context.Context, cfg models.ViewConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ViewID != a.viewID {
		return fmt.Errorf("%w: config is for view %q", models.ErrInvalidConfig, cfg.ViewID)
	}
	if err := a.sup.Transition(actor.Reconciling, actor.Running, actor.Configuring); err != nil {
		return err
	}
	a.sup.Halt()
	if err := a.persist(cfg); err != nil {
		// The store still holds the previous config; respawn under it so
		// a failed persist does not strand the actor without a worker.
		a.respawnPrevious(ctx)
		return err
	}
	if a.sweeper != nil {
		a.sweeper.Register(cfg.ViewID, cfg.Retention)
	}
	if err := a.sup.Transition(actor.Configuring, actor.Reconciling); err != nil {
		return err
	}
	a.spawn(ctx, cfg)
	return nil
}

func (a *Actor) respawnPrevious(ctx context.Context) {
	prev, err := a.LoadConfig()
	if err == nil && prev == nil {
		err = fmt.Errorf("no persisted config for view %q", a.viewID)
	}
	if err == nil {
		err = a.sup.Transition(actor.Configuring, actor.Reconciling)
	}
	if err != nil {
		a.logger.Err(err).Msg("cannot respawn previous config after failed reconfigure")
		return
	}
	a.spawn(ctx, *prev)
}

// Reactivate restores the actor from its persisted config after a host
// crash.
func (a *Actor) Reactivate(ctx context.Context) error {
	cfg, err := a.LoadConfig()
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("%w: no persisted config for view %q", models.ErrInvalidConfig, a.viewID)
	}
	if err := a.sup.Transition(actor.Configuring, actor.Uninitialized); err != nil {
		return err
	}
	if a.sweeper != nil {
		a.sweeper.Register(cfg.ViewID, cfg.Retention)
	}
	a.logger.Info().Msg("reactivating from persisted config")
	a.spawn(ctx, *cfg)
	return nil
}

// Deprovision drains the worker, unregisters from the sweeper and removes
// the persisted config. Idempotent.
func (a *Actor) Deprovision() error {
	already := a.sup.State() == actor.Stopped
	if err := a.sup.Deprovision(); err != nil {
		return err
	}
	if !already {
		if a.sweeper != nil {
			a.sweeper.Unregister(a.viewID)
		}
		if err := a.kv.Delete(configKey(a.viewID)); err != nil {
			a.logger.Err(err).Msg("failed to remove persisted config")
		}
	}
	return nil
}

func (a *Actor) Status() actor.Status {
	return a.sup.Status()
}

// Halt drains the worker without a terminal state change or config
// removal; process shutdown uses it so reactivation finds the config.
func (a *Actor) Halt() {
	a.sup.Halt()
}

// LoadConfig returns the persisted config, or nil if none exists.
func (a *Actor) LoadConfig() (*models.ViewConfig, error) {
	val, err := a.kv.Get(configKey(a.viewID))
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	var cfg models.ViewConfig
	if err := json.Unmarshal(val, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (a *Actor) persist(cfg models.ViewConfig) error {
	val, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return a.kv.Set(configKey(a.viewID), val)
}

func (a *Actor) spawn(ctx context.Context, cfg models.ViewConfig) {
	a.sup.Spawn(ctx, func() (actor.Runner, error) {
		return a.factory(cfg)
	})
}
