package domain

import "errors"

// Sentinel errors used throughout the application.
// HTTP handlers translate these to status codes via a single mapError function.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidType  = errors.New("item type must not be empty")
	ErrDataTooLarge = errors.New("item payload exceeds maximum size")
	ErrNotRetryable = errors.New("only failed items can be retried")

	// ErrPermanent marks a handler failure as non-retryable. Handlers wrap it
	// (fmt.Errorf("%w: ...", domain.ErrPermanent)) to send an item straight to
	// failed without burning through the retry budget.
	ErrPermanent = errors.New("permanent upload failure")
)
