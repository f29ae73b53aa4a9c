package domain

import "errors"

// Business-rule errors. These are terminal for the operation that raised
// them: callers translate them for the user and never retry.
var (
	ErrNotFound            = errors.New("not found")
	ErrGameNotOpen         = errors.New("game not open")
	ErrGameAlreadyStarted  = errors.New("game already started")
	ErrAlreadyRegistered   = errors.New("already registered")
	ErrNotRegistered       = errors.New("not registered")
	ErrNotConfirmed        = errors.New("registration not confirmed")
	ErrPaymentWindowClosed = errors.New("payment window not open")
	ErrVenueOccupied       = errors.New("venue occupied")
	ErrInviteNotFound      = errors.New("invite not found")
	ErrGameNotCancelable   = errors.New("game cannot be canceled")
)

// ErrValidation marks malformed input (missing ids, non-positive capacity).
// Like business errors it is never retried.
var ErrValidation = errors.New("validation")

// IsBusinessError reports whether err is one of the non-retryable
// domain rule violations (as opposed to a store/gateway system error).
func IsBusinessError(err error) bool {
	for _, e := range []error{
		ErrNotFound, ErrGameNotOpen, ErrGameAlreadyStarted, ErrAlreadyRegistered,
		ErrNotRegistered, ErrNotConfirmed, ErrPaymentWindowClosed, ErrVenueOccupied,
		ErrInviteNotFound, ErrGameNotCancelable, ErrValidation,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
