// Package shielderr defines the pipeline's error taxonomy as ordinary
// Go error values, errors.Is/As-compatible, instead of exceptions —
// the idiomatic-Go rendering of a thrown-error category hierarchy.
package shielderr

import (
	"errors"
	"fmt"
)

// Sentinel categories. Use errors.Is against these, or errors.As against
// the richer *BlockedError / *InvokerError wrapper types below.
var (
	// ErrConfig is a static configuration-schema violation, raised at
	// construction time; fatal.
	ErrConfig = errors.New("shield: invalid configuration")

	// ErrBlocked is the base sentinel for every admission rejection;
	// always wrapped in a *BlockedError that carries reason/cost.
	ErrBlocked = errors.New("shield: request blocked")

	// ErrCancelled is a caller-cancellation that reached the pipeline;
	// always wrapped as a *BlockedError with Reason "cancelled".
	ErrCancelled = errors.New("shield: request cancelled")

	// ErrStorageUnavailable marks a persistence-layer failure. The
	// pipeline never returns it: its own degradation paths report such
	// failures as storage:error events instead.
	ErrStorageUnavailable = errors.New("shield: storage unavailable")

	// ErrPricingUnknown marks an unrecognized model id; callers fall
	// back to conservative non-zero rates and continue.
	ErrPricingUnknown = errors.New("shield: pricing unknown for model")
)

// BlockedError is returned by Transform/Wrap whenever admission denies
// a request (guard, breaker, or budget). It satisfies errors.Is(err,
// ErrBlocked) and, for the cancellation path, errors.Is(err, ErrCancelled).
type BlockedError struct {
	Reason        string
	EstimatedCost float64
	cancelled     bool
}

func NewBlocked(reason string, estimatedCost float64) *BlockedError {
	return &BlockedError{Reason: reason, EstimatedCost: estimatedCost}
}

func NewCancelled() *BlockedError {
	return &BlockedError{Reason: "cancelled", cancelled: true}
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("shield: blocked (%s), estimated cost $%.6f", e.Reason, e.EstimatedCost)
}

func (e *BlockedError) Is(target error) bool {
	if target == ErrBlocked {
		return true
	}
	if target == ErrCancelled {
		return e.cancelled
	}
	return false
}

// InvokerError wraps a failure from the caller-supplied model function.
// The pipeline never swallows this: it releases reservations, skips the
// ledger, and rethrows wrapped in InvokerError so callers can still
// errors.Unwrap to the original cause.
type InvokerError struct {
	Cause error
}

func NewInvoker(cause error) *InvokerError {
	return &InvokerError{Cause: cause}
}

func (e *InvokerError) Error() string { return fmt.Sprintf("shield: invoker error: %v", e.Cause) }
func (e *InvokerError) Unwrap() error  { return e.Cause }
