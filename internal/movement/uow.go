package movement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meridian-erp/stockledger/internal/shared"
)

// Inverse undoes one applied step during compensation.
type Inverse func(ctx context.Context) error

// Step is one forward action of a unit of work. Apply performs the write
// and returns the inverse that restores the pre-step state. A nil inverse
// marks a step with nothing to undo.
type Step struct {
	Name  string
	Apply func(ctx context.Context) (Inverse, error)
}

// UnitOfWork executes steps in order and, when one fails, compensates the
// previously applied steps in reverse order. This is not an atomic
// transaction: when a compensating write itself fails the system is left
// inconsistent, and the returned error wraps shared.ErrCompensationFailure
// so the caller can surface it as a fatal, operator-visible condition.
type UnitOfWork struct {
	logger *slog.Logger
	steps  []Step
}

// NewUnitOfWork constructs a UnitOfWork.
func NewUnitOfWork(logger *slog.Logger) *UnitOfWork {
	return &UnitOfWork{logger: logger}
}

// Add appends a forward step.
func (u *UnitOfWork) Add(name string, apply func(ctx context.Context) (Inverse, error)) {
	u.steps = append(u.steps, Step{Name: name, Apply: apply})
}

// Run executes the steps. On failure it returns the step error; when
// compensation also fails the error wraps both causes.
func (u *UnitOfWork) Run(ctx context.Context) error {
	type applied struct {
		name    string
		inverse Inverse
	}
	var done []applied

	for _, step := range u.steps {
		inverse, err := step.Apply(ctx)
		if err == nil {
			if inverse != nil {
				done = append(done, applied{name: step.Name, inverse: inverse})
			}
			continue
		}

		stepErr := fmt.Errorf("step %s: %w", step.Name, err)
		if u.logger != nil {
			u.logger.Warn("unit of work failed, compensating",
				slog.String("step", step.Name),
				slog.Int("applied", len(done)),
				slog.Any("error", err))
		}
		for i := len(done) - 1; i >= 0; i-- {
			if cerr := done[i].inverse(ctx); cerr != nil {
				if u.logger != nil {
					u.logger.Error("compensation step failed, state inconsistent",
						slog.String("step", done[i].name),
						slog.Any("error", cerr))
				}
				return errors.Join(
					fmt.Errorf("%w: undo %s: %v", shared.ErrCompensationFailure, done[i].name, cerr),
					stepErr,
				)
			}
		}
		return stepErr
	}
	return nil
}
