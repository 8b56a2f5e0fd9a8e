package movement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridian-erp/stockledger/internal/rounding"
)

// Repository persists movement rows.
type Repository interface {
	Insert(ctx context.Context, m Movement) (int64, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filter Filter) ([]Movement, error)
}

// Recorder appends movement entries. Existing rows are never mutated;
// Delete exists solely so compensation can remove rows written by a
// failed attempt.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// Record appends one movement row and returns it with its id and the
// total price derived from base quantity and unit price.
func (r *Recorder) Record(ctx context.Context, m Movement) (Movement, error) {
	m.Quantity = rounding.Qty(m.Quantity)
	m.BaseQuantity = rounding.Qty(m.BaseQuantity)
	m.UnitPrice = rounding.Price(m.UnitPrice)
	m.TotalPrice = rounding.Price(m.BaseQuantity.Mul(m.UnitPrice))

	id, err := r.repo.Insert(ctx, m)
	if err != nil {
		return Movement{}, fmt.Errorf("movement: insert: %w", err)
	}
	m.ID = id
	return m, nil
}

// Discard removes a row written by a failed attempt. Compensation only.
func (r *Recorder) Discard(ctx context.Context, id int64) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("movement: delete %d: %w", id, err)
	}
	if r.logger != nil {
		r.logger.Info("movement discarded during rollback", slog.Int64("movement_id", id))
	}
	return nil
}

// Trail returns movement rows matching the filter.
func (r *Recorder) Trail(ctx context.Context, filter Filter) ([]Movement, error) {
	return r.repo.List(ctx, filter)
}
