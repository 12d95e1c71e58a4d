package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/actor"
	"github.com/tarungka/prism/internal/db"
	"github.com/tarungka/prism/internal/logger"
	"github.com/tarungka/prism/internal/models"
)

// WorkerFactory builds a fresh worker incarnation for a config. The real
// factory opens transport handles; tests substitute fakes.
type WorkerFactory func(cfg models.QueryConfig) (actor.Runner, error)

// Actor supervises one continuous query. It owns the persisted QueryConfig
// and the lifecycle state; the worker only reports errors back through the
// supervisor.
type Actor struct {
	sup     *actor.Supervisor
	kv      db.Store
	factory WorkerFactory
	logger  zerolog.Logger

	queryID string
}

func NewActor(queryID string, kv db.Store, factory WorkerFactory, maxRestarts int) *Actor {
	return &Actor{
		sup:     actor.NewSupervisor("query/"+queryID, maxRestarts),
		kv:      kv,
		factory: factory,
		logger:  logger.GetLogger("queryactor").With().Str("query", queryID).Logger(),
		queryID: queryID,
	}
}

func configKey(queryID string) []byte {
	return []byte("actor/query/" + queryID)
}

// Configure validates the config, persists it as actor state and spawns the
// worker. Validation failure leaves the actor Uninitialized.
func (a *Actor) Configure(ctx context.Context, cfg models.QueryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.QueryID != a.queryID {
		return fmt.Errorf("%w: config is for query %q", models.ErrInvalidConfig, cfg.QueryID)
	}
	if err := a.sup.Transition(actor.Configuring, actor.Uninitialized); err != nil {
		return err
	}
	if err := a.persist(cfg); err != nil {
		// Roll back so a corrected configure can be retried.
		_ = a.sup.Transition(actor.Uninitialized, actor.Configuring)
		return err
	}
	a.spawn(ctx, cfg)
	return nil
}

// Reconfigure replaces the config wholesale: the running worker drains, the
// new config is persisted, a fresh worker spawns.
func (a *Actor) Reconfigure(ctx context.Context, cfg models.QueryConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.QueryID != a.queryID {
		return fmt.Errorf("%w: config is for query %q", models.ErrInvalidConfig, cfg.QueryID)
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
	if err := a.sup.Transition(actor.Configuring, actor.Reconciling); err != nil {
		return err
	}
	a.spawn(ctx, cfg)
	return nil
}

func (a *Actor) respawnPrevious(ctx context.Context) {
	prev, err := a.LoadConfig()
	if err == nil && prev == nil {
		err = fmt.Errorf("no persisted config for query %q", a.queryID)
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

// Reactivate restores the actor after a host crash: the persisted config is
// re-read and the worker respawned. The stream resumes from its committed
// checkpoint, so no external reconciliation is needed.
func (a *Actor) Reactivate(ctx context.Context) error {
	cfg, err := a.LoadConfig()
	if err != nil {
		return err
	}
	if cfg == nil {
		return fmt.Errorf("%w: no persisted config for query %q", models.ErrInvalidConfig, a.queryID)
	}
	if err := a.sup.Transition(actor.Configuring, actor.Uninitialized); err != nil {
		return err
	}
	a.logger.Info().Msg("reactivating from persisted config")
	a.spawn(ctx, *cfg)
	return nil
}

// Deprovision drains the worker, removes the persisted config and parks the
// actor in Stopped. Idempotent.
func (a *Actor) Deprovision() error {
	already := a.sup.State() == actor.Stopped
	if err := a.sup.Deprovision(); err != nil {
		return err
	}
	if !already {
		if err := a.kv.Delete(configKey(a.queryID)); err != nil {
			a.logger.Err(err).Msg("failed to remove persisted config")
		}
	}
	return nil
}

// Status is the control-plane view of this actor.
func (a *Actor) Status() actor.Status {
	return a.sup.Status()
}

// Halt drains the worker without a terminal state change or config
// removal; process shutdown uses it so reactivation finds the config.
func (a *Actor) Halt() {
	a.sup.Halt()
}

// LoadConfig returns the persisted config, or nil if none exists.
func (a *Actor) LoadConfig() (*models.QueryConfig, error) {
	val, err := a.kv.Get(configKey(a.queryID))
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	var cfg models.QueryConfig
	if err := json.Unmarshal(val, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (a *Actor) persist(cfg models.QueryConfig) error {
	val, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return a.kv.Set(configKey(a.queryID), val)
}

func (a *Actor) spawn(ctx context.Context, cfg models.QueryConfig) {
	a.sup.Spawn(ctx, func() (actor.Runner, error) {
		return a.factory(cfg)
	})
}
