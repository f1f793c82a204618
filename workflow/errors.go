package workflow

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed or unverifiable event. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrLockTimeout is returned when an advisory lock was not granted within the wait bound. Retryable.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrUnverified is the ValidationError for a delivery whose signature cannot be verified.
	ErrUnverified = fmt.Errorf("%w: unverifiable event", ErrValidation)

	ErrResourceNotFound    = errors.New("resource not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrRetryJobNotFound    = errors.New("retry job not found")
	ErrEventNotFound       = errors.New("event not found")

	// ErrReservationCancelled is returned when a key's reservation was cancelled. The key cannot book again.
	ErrReservationCancelled = errors.New("reservation cancelled")
)

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ConflictError is the definitive "no" for a full slot.
type ConflictError struct {
	TenantId   string
	ResourceId string
	SlotKey    string
	Capacity   int
	Confirmed  int
	// Replayed is true when the key was already rejected by an earlier call.
	Replayed   bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot %s/%s is full (%d/%d confirmed)", e.ResourceId, e.SlotKey, e.Confirmed, e.Capacity)
}

// TransientError wraps an infrastructure failure that is expected to go away on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// FatalError is a business-rule violation found mid-operation. It is recorded and
// routed to the operator queue, never retried.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsUnverified(err error) bool {
	return errors.Is(err, ErrUnverified)
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsTransient reports whether err should be retried with backoff. Unclassified errors
// count as transient: they are almost always driver or network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !IsFatal(err) && !IsValidation(err) && !IsConflict(err)
}
