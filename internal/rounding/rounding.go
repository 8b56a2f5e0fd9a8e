// Package rounding holds the canonical rounding rules applied to every
// quantity and price before storage or arithmetic combination.
package rounding

import "github.com/shopspring/decimal"

const (
	// QtyPlaces is the number of decimal places kept on quantities.
	QtyPlaces = 3
	// PricePlaces is the number of decimal places kept on prices and costs.
	PricePlaces = 4
)

// Qty rounds a quantity to three decimal places, half away from zero.
func Qty(d decimal.Decimal) decimal.Decimal {
	return d.Round(QtyPlaces)
}

// Price rounds a price or cost to four decimal places, half away from zero.
func Price(d decimal.Decimal) decimal.Decimal {
	return d.Round(PricePlaces)
}
