// Package uom normalises transaction quantities to an item's base unit.
package uom

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/item"
	"github.com/meridian-erp/stockledger/internal/rounding"
)

// Converter resolves alternate-unit quantities into base quantities using
// the item's conversion table.
type Converter struct {
	logger *slog.Logger
}

// NewConverter constructs a Converter.
func NewConverter(logger *slog.Logger) *Converter {
	return &Converter{logger: logger}
}

// ToBase converts qty expressed in unit to the item's base unit.
// An empty unit or the base unit itself passes through unchanged. A unit
// with no conversion entry is treated as already being in base units; that
// is a supported state, logged for traceability rather than rejected.
func (c *Converter) ToBase(it item.Item, qty decimal.Decimal, unit string) decimal.Decimal {
	if unit == "" || unit == it.BaseUnit {
		return rounding.Qty(qty)
	}
	conv, ok := it.Conversion(unit)
	if !ok {
		if c.logger != nil {
			c.logger.Info("no conversion entry, assuming base unit",
				slog.Int64("item_id", it.ID),
				slog.String("unit", unit),
				slog.String("base_unit", it.BaseUnit))
		}
		return rounding.Qty(qty)
	}
	return rounding.Qty(qty.Mul(conv.BaseQuantityPerAlt))
}
