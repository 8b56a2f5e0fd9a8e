package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/rounding"
)

// WavgRepository persists weighted-average records. GetCurrent must
// resolve legacy duplicates by returning the most recently updated row.
type WavgRepository interface {
	GetCurrent(ctx context.Context, key Key) (WeightedAverage, error)
	// ListMaterial returns the current record of every batch of a
	// material, one row per batch key.
	ListMaterial(ctx context.Context, orgID, plantID, materialID int64) ([]WeightedAverage, error)
	Insert(ctx context.Context, rec WeightedAverage) (int64, error)
	Update(ctx context.Context, id int64, qty, costPrice decimal.Decimal) error
}

// WavgManager maintains the rolling quantity and cost price per key.
type WavgManager struct {
	repo   WavgRepository
	logger *slog.Logger
}

// NewWavgManager constructs a WavgManager.
func NewWavgManager(repo WavgRepository, logger *slog.Logger) *WavgManager {
	return &WavgManager{repo: repo, logger: logger}
}

// Current returns the authoritative record for a key.
func (m *WavgManager) Current(ctx context.Context, key Key) (WeightedAverage, error) {
	return m.repo.GetCurrent(ctx, key)
}

// MaterialRecords returns the current record of every batch of a material.
func (m *WavgManager) MaterialRecords(ctx context.Context, orgID, plantID, materialID int64) ([]WeightedAverage, error) {
	return m.repo.ListMaterial(ctx, orgID, plantID, materialID)
}

// Quote returns the current cost price for a key, zero when no record exists.
func (m *WavgManager) Quote(ctx context.Context, key Key) (decimal.Decimal, error) {
	rec, err := m.repo.GetCurrent(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNoAverageRecord) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("costing: get average: %w", err)
	}
	return rec.CostPrice, nil
}

// AverageChange captures a record's state before and after a mutation so
// compensation can value-restore it. Created is set when the mutation
// inserted the record.
type AverageChange struct {
	ID            int64
	Created       bool
	PriorQuantity decimal.Decimal
	PriorCost     decimal.Decimal
	Quantity      decimal.Decimal
	CostPrice     decimal.Decimal
}

// OnReceipt blends the received quantity and price into the rolling
// average, creating the record on first receipt for a key.
func (m *WavgManager) OnReceipt(ctx context.Context, key Key, receivedQty, unitPrice decimal.Decimal) (AverageChange, error) {
	receivedQty = rounding.Qty(receivedQty)
	unitPrice = rounding.Price(unitPrice)

	rec, err := m.repo.GetCurrent(ctx, key)
	if errors.Is(err, ErrNoAverageRecord) {
		id, err := m.repo.Insert(ctx, WeightedAverage{Key: key, Quantity: receivedQty, CostPrice: unitPrice})
		if err != nil {
			return AverageChange{}, fmt.Errorf("costing: insert average: %w", err)
		}
		return AverageChange{ID: id, Created: true, Quantity: receivedQty, CostPrice: unitPrice}, nil
	}
	if err != nil {
		return AverageChange{}, fmt.Errorf("costing: get average: %w", err)
	}

	newQty := rounding.Qty(rec.Quantity.Add(receivedQty))
	newCost := rec.CostPrice
	if newQty.IsPositive() {
		blended := rec.Quantity.Mul(rec.CostPrice).Add(receivedQty.Mul(unitPrice))
		newCost = rounding.Price(blended.Div(newQty))
	}
	if err := m.repo.Update(ctx, rec.ID, newQty, newCost); err != nil {
		return AverageChange{}, fmt.Errorf("costing: update average: %w", err)
	}
	return AverageChange{
		ID:            rec.ID,
		PriorQuantity: rec.Quantity,
		PriorCost:     rec.CostPrice,
		Quantity:      newQty,
		CostPrice:     newCost,
	}, nil
}

// OnIssue reduces the rolling quantity, clamping at zero. The cost price
// is carried forward unchanged: only receipts move the average. A
// shortfall never blocks the issue; it is logged and reported back through
// the Shortfall field.
func (m *WavgManager) OnIssue(ctx context.Context, key Key, issuedQty decimal.Decimal) (AverageChange, decimal.Decimal, error) {
	issuedQty = rounding.Qty(issuedQty)

	rec, err := m.repo.GetCurrent(ctx, key)
	if errors.Is(err, ErrNoAverageRecord) {
		if m.logger != nil {
			m.logger.Warn("issue against missing average record",
				slog.String("key", key.String()),
				slog.String("issued", issuedQty.String()))
		}
		return AverageChange{}, issuedQty, nil
	}
	if err != nil {
		return AverageChange{}, decimal.Zero, fmt.Errorf("costing: get average: %w", err)
	}

	shortfall := decimal.Zero
	newQty := rounding.Qty(rec.Quantity.Sub(issuedQty))
	if newQty.IsNegative() {
		shortfall = newQty.Neg()
		newQty = decimal.Zero
		if m.logger != nil {
			m.logger.Warn("weighted average shortfall, clamping at zero",
				slog.String("key", key.String()),
				slog.String("shortfall", shortfall.String()))
		}
	}
	if err := m.repo.Update(ctx, rec.ID, newQty, rec.CostPrice); err != nil {
		return AverageChange{}, decimal.Zero, fmt.Errorf("costing: update average: %w", err)
	}
	return AverageChange{
		ID:            rec.ID,
		PriorQuantity: rec.Quantity,
		PriorCost:     rec.CostPrice,
		Quantity:      newQty,
		CostPrice:     rec.CostPrice,
	}, shortfall, nil
}

// Restore value-restores a record after a failed transaction. Records
// created by the failed attempt are zeroed rather than deleted.
func (m *WavgManager) Restore(ctx context.Context, change AverageChange) error {
	if change.ID == 0 {
		return nil
	}
	if change.Created {
		return m.repo.Update(ctx, change.ID, decimal.Zero, decimal.Zero)
	}
	return m.repo.Update(ctx, change.ID, change.PriorQuantity, change.PriorCost)
}
