package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DiffOp is the kind of change a result diff carries for one row.
type DiffOp string

const (
	DiffAdded   DiffOp = "added"
	DiffUpdated DiffOp = "updated"
	DiffDeleted DiffOp = "deleted"
)

// ChangeEvent is one entry read off a query's change stream. Sequence is
// monotonic per partition; the payload is an opaque graph delta that only
// the engine understands.
type ChangeEvent struct {
	QueryID     string          `json:"queryId"`
	Sequence    int64           `json:"seq"`
	Payload     json.RawMessage `json:"payload"`
	TraceParent string          `json:"traceparent,omitempty"`
	Timestamp   time.Time       `json:"ts"`
}

// Diff is a single row-level change in a query's result set.
type Diff struct {
	Op   DiffOp          `json:"op"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResultEvent is the batch of diffs produced by applying one change (or one
// future trigger) to the engine. Ordering per query id is preserved end to
// end via Sequence.
type ResultEvent struct {
	QueryID   string    `json:"queryId"`
	Sequence  int64     `json:"seq"`
	Diffs     []Diff    `json:"diffs"`
	EmittedAt time.Time `json:"emittedAt"`
}

// FutureTrigger asks for a re-evaluation of the query at DueAt, used by
// time-based predicates. Token is opaque to everything but the engine.
type FutureTrigger struct {
	QueryID string    `json:"queryId"`
	DueAt   time.Time `json:"dueAt"`
	Token   string    `json:"token"`
}

// QueryConfig is the full configuration of one continuous query. It is
// replaced wholesale on reconfigure, never patched.
type QueryConfig struct {
	QueryID      string   `json:"queryId"`
	Query        string   `json:"query"`
	SourceLabels []string `json:"sourceLabels"`
	Container    string   `json:"container,omitempty"`
}

func (c *QueryConfig) Validate() error {
	if c.QueryID == "" {
		return fmt.Errorf("%w: missing query id", ErrInvalidConfig)
	}
	if c.Query == "" {
		return fmt.Errorf("%w: query %q has empty query text", ErrInvalidConfig, c.QueryID)
	}
	if len(c.SourceLabels) == 0 {
		return fmt.Errorf("%w: query %q has no source labels", ErrInvalidConfig, c.QueryID)
	}
	return nil
}

// RetentionKind selects how long closed row versions are kept.
type RetentionKind string

const (
	// RetainLatest keeps only the open version; history is dropped on the
	// next sweep.
	RetainLatest RetentionKind = "latest"
	// RetainExpire keeps closed versions until now - validTo > TTL.
	RetainExpire RetentionKind = "expire"
	// RetainAll never garbage-collects.
	RetainAll RetentionKind = "all"
)

// RetentionPolicy governs GC of historical view rows. TTL is meaningful only
// for RetainExpire.
type RetentionPolicy struct {
	Kind RetentionKind `json:"kind"`
	TTL  time.Duration `json:"ttl,omitempty"`
}

func (p *RetentionPolicy) Validate() error {
	switch p.Kind {
	case RetainLatest, RetainAll:
		if p.TTL != 0 {
			return fmt.Errorf("%w: ttl is only valid for %q retention", ErrInvalidConfig, RetainExpire)
		}
		return nil
	case RetainExpire:
		if p.TTL <= 0 {
			return fmt.Errorf("%w: %q retention needs a positive ttl", ErrInvalidConfig, RetainExpire)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown retention kind %q", ErrInvalidConfig, p.Kind)
	}
}

// ViewConfig configures one materialized view: which query feeds it and how
// long history is retained.
type ViewConfig struct {
	ViewID    string          `json:"viewId"`
	QueryID   string          `json:"queryId"`
	Retention RetentionPolicy `json:"retention"`
}

func (c *ViewConfig) Validate() error {
	if c.ViewID == "" {
		return fmt.Errorf("%w: missing view id", ErrInvalidConfig)
	}
	if c.QueryID == "" {
		return fmt.Errorf("%w: view %q has no source query", ErrInvalidConfig, c.ViewID)
	}
	return c.Retention.Validate()
}

// ViewRow is one version of a logical entity in a materialized view. A zero
// ValidTo means the version is still open (current).
type ViewRow struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	ValidFrom time.Time       `json:"validFrom"`
	ValidTo   time.Time       `json:"validTo"`
}

// Open reports whether this row is the current version of its key.
func (r *ViewRow) Open() bool {
	return r.ValidTo.IsZero()
}

// ValidAt reports whether the row's validity interval covers asOf.
func (r *ViewRow) ValidAt(asOf time.Time) bool {
	if asOf.Before(r.ValidFrom) {
		return false
	}
	return r.Open() || asOf.Before(r.ValidTo)
}
