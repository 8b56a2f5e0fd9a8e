package costing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/rounding"
)

// FifoRepository persists cost layers. ListLayers must return layers in
// ascending sequence order; the ordering is maintained by the storage
// index, not recomputed by callers.
type FifoRepository interface {
	ListLayers(ctx context.Context, key Key) ([]FifoLayer, error)
	// ListMaterialLayers returns layers across all batches of a material.
	ListMaterialLayers(ctx context.Context, orgID, plantID, materialID int64) ([]FifoLayer, error)
	MaxSequence(ctx context.Context, key Key) (int64, error)
	InsertLayer(ctx context.Context, layer FifoLayer) (int64, error)
	UpdateLayerAvailable(ctx context.Context, layerID int64, available decimal.Decimal) error
}

// FifoManager creates, depletes and quotes ordered cost layers.
type FifoManager struct {
	repo   FifoRepository
	logger *slog.Logger
}

// NewFifoManager constructs a FifoManager.
func NewFifoManager(repo FifoRepository, logger *slog.Logger) *FifoManager {
	return &FifoManager{repo: repo, logger: logger}
}

// CreateLayer registers a new cost lot for a receipt. Receipts are never
// merged into an existing layer, even for the same material and batch.
func (m *FifoManager) CreateLayer(ctx context.Context, key Key, qty, costPrice decimal.Decimal) (FifoLayer, error) {
	maxSeq, err := m.repo.MaxSequence(ctx, key)
	if err != nil {
		return FifoLayer{}, fmt.Errorf("costing: max sequence: %w", err)
	}
	layer := FifoLayer{
		Key:               key,
		Sequence:          maxSeq + 1,
		InitialQuantity:   rounding.Qty(qty),
		AvailableQuantity: rounding.Qty(qty),
		CostPrice:         rounding.Price(costPrice),
	}
	id, err := m.repo.InsertLayer(ctx, layer)
	if err != nil {
		return FifoLayer{}, fmt.Errorf("costing: insert layer: %w", err)
	}
	layer.ID = id
	return layer, nil
}

// Layers returns the key's layers ordered by sequence ascending.
func (m *FifoManager) Layers(ctx context.Context, key Key) ([]FifoLayer, error) {
	return m.repo.ListLayers(ctx, key)
}

// MaterialLayers returns layers across all batches of a material.
func (m *FifoManager) MaterialLayers(ctx context.Context, orgID, plantID, materialID int64) ([]FifoLayer, error) {
	return m.repo.ListMaterialLayers(ctx, orgID, plantID, materialID)
}

// Quote computes a unit price from the layers of a key without persisting
// anything. reserved models quantity already spoken for by earlier lines
// of the same transaction: it is simulated as consumed, oldest first,
// before the quote is taken.
//
// With deduct unset the result is the cost price of the oldest layer that
// still has availability, falling back to the newest layer when all are
// empty. With deduct set the result is the quantity-weighted blended cost
// across the layers the deduction would touch; any shortfall is priced at
// the newest layer so that a quote is always produced. No layers at all
// quotes zero.
func (m *FifoManager) Quote(ctx context.Context, key Key, deduct *decimal.Decimal, reserved decimal.Decimal) (decimal.Decimal, error) {
	layers, err := m.repo.ListLayers(ctx, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("costing: list layers: %w", err)
	}
	if len(layers) == 0 {
		return decimal.Zero, nil
	}
	available := adjustedAvailability(layers, reserved)

	if deduct == nil {
		for i, layer := range layers {
			if available[i].IsPositive() {
				return layer.CostPrice, nil
			}
		}
		return layers[len(layers)-1].CostPrice, nil
	}

	price, shortfall := blendedCost(layers, available, *deduct)
	if shortfall.IsPositive() && m.logger != nil {
		m.logger.Warn("fifo quote shortfall priced at newest layer",
			slog.String("key", key.String()),
			slog.String("shortfall", shortfall.String()))
	}
	return price, nil
}

// Deplete persists oldest-first consumption of qty across the key's
// layers. It returns the per-layer consumptions and the residual quantity
// that could not be covered. A positive residual means recorded stock was
// insufficient for the recorded issue; callers must surface it as a data
// integrity warning.
func (m *FifoManager) Deplete(ctx context.Context, key Key, qty decimal.Decimal) ([]Consumption, decimal.Decimal, error) {
	layers, err := m.repo.ListLayers(ctx, key)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("costing: list layers: %w", err)
	}

	remaining := rounding.Qty(qty)
	var consumed []Consumption
	for _, layer := range layers {
		if !remaining.IsPositive() {
			break
		}
		if !layer.AvailableQuantity.IsPositive() {
			continue
		}
		take := decimal.Min(layer.AvailableQuantity, remaining)
		after := rounding.Qty(layer.AvailableQuantity.Sub(take))
		if err := m.repo.UpdateLayerAvailable(ctx, layer.ID, after); err != nil {
			return consumed, remaining, fmt.Errorf("costing: update layer %d: %w", layer.ID, err)
		}
		consumed = append(consumed, Consumption{
			LayerID:        layer.ID,
			Sequence:       layer.Sequence,
			Quantity:       take,
			CostPrice:      layer.CostPrice,
			PriorAvailable: layer.AvailableQuantity,
			AfterAvailable: after,
		})
		remaining = rounding.Qty(remaining.Sub(take))
	}
	if remaining.IsPositive() && m.logger != nil {
		m.logger.Warn("fifo depletion residual, recorded stock insufficient",
			slog.String("key", key.String()),
			slog.String("residual", remaining.String()))
	}
	return consumed, remaining, nil
}

// Restore reverses a prior depletion by putting each consumption's prior
// availability back. Used by compensation only.
func (m *FifoManager) Restore(ctx context.Context, consumed []Consumption) error {
	for i := len(consumed) - 1; i >= 0; i-- {
		c := consumed[i]
		if err := m.repo.UpdateLayerAvailable(ctx, c.LayerID, c.PriorAvailable); err != nil {
			return fmt.Errorf("costing: restore layer %d: %w", c.LayerID, err)
		}
	}
	return nil
}

// Void empties a layer created by a failed transaction. Layers are never
// deleted, so compensation zeroes the availability instead.
func (m *FifoManager) Void(ctx context.Context, layerID int64) error {
	return m.repo.UpdateLayerAvailable(ctx, layerID, decimal.Zero)
}

// adjustedAvailability returns per-layer availability after simulating
// oldest-first consumption of reserved, without persisting anything.
func adjustedAvailability(layers []FifoLayer, reserved decimal.Decimal) []decimal.Decimal {
	available := make([]decimal.Decimal, len(layers))
	for i, layer := range layers {
		available[i] = layer.AvailableQuantity
	}
	remaining := reserved
	for i := range available {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(available[i], remaining)
		if take.IsPositive() {
			available[i] = available[i].Sub(take)
			remaining = remaining.Sub(take)
		}
	}
	return available
}

// blendedCost walks layers oldest-first consuming from available until
// deduct is covered, returning the quantity-weighted unit cost and the
// uncovered shortfall. The shortfall is priced at the newest layer and
// blended in: pricing never fails on over-issued stock.
func blendedCost(layers []FifoLayer, available []decimal.Decimal, deduct decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	remaining := rounding.Qty(deduct)
	if !remaining.IsPositive() {
		for i, layer := range layers {
			if available[i].IsPositive() {
				return layer.CostPrice, decimal.Zero
			}
		}
		return layers[len(layers)-1].CostPrice, decimal.Zero
	}

	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for i, layer := range layers {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(available[i], remaining)
		if !take.IsPositive() {
			continue
		}
		totalQty = totalQty.Add(take)
		totalCost = totalCost.Add(take.Mul(layer.CostPrice))
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		newest := layers[len(layers)-1].CostPrice
		totalQty = totalQty.Add(remaining)
		totalCost = totalCost.Add(remaining.Mul(newest))
	}
	if totalQty.IsZero() {
		return decimal.Zero, remaining
	}
	shortfall := decimal.Zero
	if remaining.IsPositive() {
		shortfall = remaining
	}
	return rounding.Price(totalCost.Div(totalQty)), shortfall
}
