package models

import "errors"

var (
	// ErrInvalidConfig is returned when a query or view configuration fails
	// shape validation. The caller's state must not change.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrMalformedEvent is returned when a change or result payload cannot
	// be decoded. Counted as a data-quality error, not a transport error.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrTransport is returned (wrapped) for network-level failures that are
	// safe to retry with backoff.
	ErrTransport = errors.New("transport error")
)
