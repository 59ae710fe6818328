package domain

import "errors"

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
)

// Provider-facing failure taxonomy. The provider client classifies every
// upstream failure into exactly one of these; the orchestrator and handlers
// discriminate with errors.Is and never inspect transport details.
var (
	// ErrProviderUnavailable covers network faults, timeouts, and 5xx-class
	// upstream responses after the retry budget is exhausted.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderUnauthorized means the provider rejected our credentials.
	// Never retried; disables dependent functionality until revalidation.
	ErrProviderUnauthorized = errors.New("provider unauthorized")

	// ErrInsufficientBalance and ErrNoInventory are business denials from the
	// provider. Not retryable, surfaced to the user as-is.
	ErrInsufficientBalance = errors.New("insufficient provider balance")
	ErrNoInventory         = errors.New("no numbers available")

	// ErrActivationNotFound means the provider no longer knows the activation.
	// Treated as permanent during polling and forces a Failed transition.
	ErrActivationNotFound = errors.New("activation not found")
)
