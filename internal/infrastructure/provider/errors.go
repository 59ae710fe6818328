package provider

import (
	"errors"
	"fmt"

	"github.com/go-verify-broker/internal/domain"
)

// Provider error codes returned in upstream JSON bodies.
const (
	codeNoBalance    = "NO_BALANCE"
	codeNoNumbers    = "NO_NUMBERS"
	codeNoActivation = "NO_ACTIVATION"
)

// apiError is a classified upstream failure. Unwrap yields the matching
// domain sentinel so callers discriminate with errors.Is only.
type apiError struct {
	Status  int    // HTTP status; 0 for network-level failures
	Code    string // provider error code, if the body carried one
	Message string
	cause   error
}

func (e *apiError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provider transport error: %v", e.cause)
	}
	return fmt.Sprintf("provider returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *apiError) Unwrap() error {
	return e.sentinel()
}

// sentinel maps the upstream failure to the domain taxonomy.
func (e *apiError) sentinel() error {
	switch {
	case e.Status == 0 || e.Status >= 500:
		return domain.ErrProviderUnavailable
	case e.Status == 401 || e.Status == 403:
		return domain.ErrProviderUnauthorized
	case e.Code == codeNoBalance:
		return domain.ErrInsufficientBalance
	case e.Code == codeNoNumbers:
		return domain.ErrNoInventory
	case e.Code == codeNoActivation || e.Status == 404:
		return domain.ErrActivationNotFound
	default:
		return domain.ErrBadRequest
	}
}

// retryable reports whether a call may be re-attempted: transient network
// faults and 5xx only. Auth failures and business denials never retry.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrProviderUnavailable)
}
