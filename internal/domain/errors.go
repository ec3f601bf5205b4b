package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrAccountNotFound      = errors.New("account not found")
	ErrTransferNotFound     = errors.New("transfer not found")
	ErrChallengeNotFound    = errors.New("challenge not found")
	ErrIncidentNotFound     = errors.New("incident not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrConcurrencyTimeout   = errors.New("lock wait exceeded, retry the request")
	ErrIdempotencyMismatch  = errors.New("key reuse with mismatched payload")
	ErrDuplicateIdempotency = errors.New("idempotency key already used")
	ErrConfirmationRequired = errors.New("transfer requires a verified confirmation")
	ErrTransferNotAwaiting  = errors.New("transfer is not awaiting confirmation")
	ErrChallengeExpired     = errors.New("challenge expired")
	ErrChallengeLocked      = errors.New("challenge locked after too many attempts")
	ErrChallengeMismatch    = errors.New("challenge code mismatch")
	ErrChallengeUsed        = errors.New("challenge already used")
	ErrUnsupportedCurrency  = errors.New("unsupported currency")
	ErrForbidden            = errors.New("account does not belong to caller")
)

// ValidationError carries the field that failed a precondition. It matches
// ErrValidation under errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Retryable reports whether the caller may resubmit the same request.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrencyTimeout)
}
