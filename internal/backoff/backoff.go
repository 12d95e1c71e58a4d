// Package backoff is the bounded-retry helper used for transient transport
// errors on the stream, the publisher and the store.
package backoff

import (
	"context"
	"time"
)

// Policy is a bounded exponential backoff.
type Policy struct {
	// MaxAttempts caps the number of tries, including the first.
	MaxAttempts int
	// Base is the first delay; each retry doubles it up to Cap.
	Base time.Duration
	Cap  time.Duration
}

// Default matches the transport retry posture: five tries, 100ms..2s.
var Default = Policy{MaxAttempts: 5, Base: 100 * time.Millisecond, Cap: 2 * time.Second}

// Retry runs fn until it succeeds, the attempts are exhausted, or ctx is
// done. The last error is returned.
func (p Policy) Retry(ctx context.Context, fn func() error) error {
	delay := p.Base
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > p.Cap {
			delay = p.Cap
		}
	}
	return err
}
