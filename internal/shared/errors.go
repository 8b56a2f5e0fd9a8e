package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates invalid input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrReferenceNotFound indicates a material, layer set or balance key
	// absent when the operation requires it to exist.
	ErrReferenceNotFound = errors.New("reference not found")
	// ErrStockShortfall indicates available quantity below the requested
	// deduction. Only returned when the engine runs with the strict policy.
	ErrStockShortfall = errors.New("stock shortfall")
	// ErrCompensationFailure indicates a rollback step failed after a
	// forward step had already been applied. State is inconsistent and the
	// error must reach an operator.
	ErrCompensationFailure = errors.New("compensation failed")
)

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
