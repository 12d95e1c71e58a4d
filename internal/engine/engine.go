// Package engine defines the continuous-query evaluation capability the
// core consumes. The evaluation algorithm itself lives outside this
// repository; everything here is the seam it plugs into, plus a passthrough
// implementation for wiring and tests.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tarungka/prism/internal/models"
)

// Engine applies one change and returns the resulting diffs plus any future
// re-evaluation requests. Implementations are swappable behind this
// interface and must be safe for a single caller (the query worker is the
// only writer for its query).
type Engine interface {
	Apply(ctx context.Context, ev models.ChangeEvent) (*models.ResultEvent, []models.FutureTrigger, error)
}

// changePayload is the CDC shape the passthrough engine understands.
type changePayload struct {
	Op      string          `json:"op"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Futures []struct {
		DueAt time.Time `json:"dueAt"`
		Token string    `json:"token"`
	} `json:"futures,omitempty"`
}

// Passthrough maps insert/update/delete changes one-to-one onto result
// diffs. It carries no query state, which makes replays trivially
// idempotent; the real engine replaces it in production deployments.
type Passthrough struct{}

func NewPassthrough() *Passthrough { return &Passthrough{} }

func (p *Passthrough) Apply(_ context.Context, ev models.ChangeEvent) (*models.ResultEvent, []models.FutureTrigger, error) {
	var ch changePayload
	if err := json.Unmarshal(ev.Payload, &ch); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
	}
	var op models.DiffOp
	switch ch.Op {
	case "insert":
		op = models.DiffAdded
	case "update":
		op = models.DiffUpdated
	case "delete":
		op = models.DiffDeleted
	case "trigger":
		// Stateless passthrough has nothing to re-evaluate; the real
		// engine recomputes the affected rows here.
		return &models.ResultEvent{QueryID: ev.QueryID, Sequence: ev.Sequence, EmittedAt: time.Now().UTC()}, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown op %q", models.ErrMalformedEvent, ch.Op)
	}
	if ch.Key == "" {
		return nil, nil, fmt.Errorf("%w: change with empty key", models.ErrMalformedEvent)
	}

	result := &models.ResultEvent{
		QueryID:   ev.QueryID,
		Sequence:  ev.Sequence,
		Diffs:     []models.Diff{{Op: op, Key: ch.Key, Data: ch.Value}},
		EmittedAt: time.Now().UTC(),
	}
	var triggers []models.FutureTrigger
	for _, f := range ch.Futures {
		token := f.Token
		if token == "" {
			// Tokens key the persisted trigger record, so they must be
			// unique per query.
			token = uuid.Must(uuid.NewV7()).String()
		}
		triggers = append(triggers, models.FutureTrigger{
			QueryID: ev.QueryID,
			DueAt:   f.DueAt,
			Token:   token,
		})
	}
	return result, triggers, nil
}
