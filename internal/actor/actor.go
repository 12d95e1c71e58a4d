// Package actor is the supervision layer: a per-entity lifecycle state
// machine plus a supervisor that owns the restart policy. There is no actor
// runtime underneath; the pattern is an explicit state machine, restartable
// worker and cooperative cancellation.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarungka/prism/internal/logger"
)

// State is the actor lifecycle state.
type State string

const (
	Uninitialized  State = "uninitialized"
	Configuring    State = "configuring"
	Running        State = "running"
	Reconciling    State = "reconciling"
	Deprovisioning State = "deprovisioning"
	Stopped        State = "stopped"
)

var (
	// ErrBadState is returned for a lifecycle operation that is not legal
	// in the actor's current state.
	ErrBadState = errors.New("operation not valid in current state")

	// ErrRetriesExhausted is the sticky error once the restart ceiling is
	// hit; the actor parks in Stopped and surfaces it through Status.
	ErrRetriesExhausted = errors.New("worker restart retries exhausted")
)

// Runner is one incarnation of an actor's worker. Run blocks until the
// worker fails or ctx is cancelled; a nil return is a clean drain.
type Runner interface {
	Run(ctx context.Context) error
}

// StatsReporter is optionally implemented by runners that carry counters
// worth surfacing to the control plane.
type StatsReporter interface {
	WorkerStats() map[string]uint64
}

// Status is the externally observable view of an actor, what the control
// plane sees. Steady-state failures appear here, never on the triggering
// call.
type Status struct {
	State    State             `json:"state"`
	Restarts int               `json:"restarts"`
	LastErr  string            `json:"lastError,omitempty"`
	Stats    map[string]uint64 `json:"stats,omitempty"`
}

// Supervisor owns an actor's state and its worker goroutine. Workers are
// restarted with backoff on failure up to maxRestarts, after which the
// supervisor parks in Stopped with the last error.
type Supervisor struct {
	name        string
	maxRestarts int
	baseDelay   time.Duration
	logger      zerolog.Logger

	mu       sync.Mutex
	state    State
	restarts int
	lastErr  error
	runner   Runner
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSupervisor(name string, maxRestarts int) *Supervisor {
	return &Supervisor{
		name:        name,
		maxRestarts: maxRestarts,
		baseDelay:   500 * time.Millisecond,
		logger:      logger.GetLogger("actor").With().Str("actor", name).Logger(),
		state:       Uninitialized,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the control-plane view.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Restarts: s.restarts}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	if r, ok := s.runner.(StatsReporter); ok && s.state == Running {
		st.Stats = r.WorkerStats()
	}
	return st
}

// Transition moves the actor from one of the allowed states to next,
// failing with ErrBadState otherwise. Workers never call this; only the
// actor's own lifecycle operations mutate state.
func (s *Supervisor) Transition(next State, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range allowed {
		if s.state == a {
			s.logger.Debug().Str("from", string(s.state)).Str("to", string(next)).Msg("state transition")
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadState, s.state, next)
}

// Spawn starts the supervised run loop. factory builds a fresh worker for
// each incarnation so restarts begin from a clean slate (the worker then
// resumes from its stream's committed checkpoint).
func (s *Supervisor) Spawn(ctx context.Context, factory func() (Runner, error)) {
	s.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(runCtx, factory, done)
}

func (s *Supervisor) loop(ctx context.Context, factory func() (Runner, error), done chan struct{}) {
	defer close(done)
	delay := s.baseDelay
	for {
		runner, err := factory()
		if err == nil {
			if terr := s.Transition(Running, Configuring, Reconciling); terr != nil {
				// Deprovision raced the spawn; nothing to run.
				return
			}
			s.mu.Lock()
			s.runner = runner
			s.mu.Unlock()
			err = runner.Run(ctx)
		}
		if ctx.Err() != nil {
			// Cooperative stop; Deprovision owns the terminal transition.
			return
		}
		if err == nil {
			s.logger.Info().Msg("worker finished cleanly")
			return
		}

		s.mu.Lock()
		s.restarts++
		s.lastErr = err
		exhausted := s.restarts > s.maxRestarts
		if exhausted {
			s.lastErr = fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
			s.state = Stopped
		} else {
			s.state = Configuring
		}
		s.mu.Unlock()

		if exhausted {
			s.logger.Error().Err(err).Int("restarts", s.restarts).Msg("retry ceiling hit, parking actor")
			return
		}
		s.logger.Warn().Err(err).Int("restart", s.restarts).Msg("worker failed, restarting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

// Halt cancels the current worker incarnation and waits for it to drain,
// without a terminal state change. Reconfigure uses it between stopping the
// old worker and spawning the new one.
func (s *Supervisor) Halt() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Deprovision stops the worker and waits for its drain. Idempotent: the
// second call observes Stopped and returns nil.
func (s *Supervisor) Deprovision() error {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return nil
	}
	if s.state == Deprovisioning {
		done := s.done
		s.mu.Unlock()
		if done != nil {
			<-done
		}
		return nil
	}
	s.state = Deprovisioning
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
	s.logger.Info().Msg("actor deprovisioned")
	return nil
}
