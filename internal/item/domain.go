package item

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// CostingMethod selects how issues are priced for an item.
type CostingMethod string

const (
	// CostingFIFO prices issues from ordered cost layers, oldest first.
	CostingFIFO CostingMethod = "FIFO"
	// CostingWeightedAverage prices issues from a rolling blended cost.
	CostingWeightedAverage CostingMethod = "WEIGHTED_AVERAGE"
	// CostingFixed prices issues at the item's configured fixed price.
	CostingFixed CostingMethod = "FIXED"
)

// Valid reports whether the costing method is one of the known values.
func (m CostingMethod) Valid() bool {
	switch m {
	case CostingFIFO, CostingWeightedAverage, CostingFixed:
		return true
	default:
		return false
	}
}

// Conversion maps one alternate unit to the base unit.
type Conversion struct {
	AltUnit            string
	BaseQuantityPerAlt decimal.Decimal
}

// Item is the costing configuration of a material. It is reference data:
// loaded once per transaction and treated as immutable afterwards.
type Item struct {
	ID              int64
	OrgID           int64
	Code            string
	BaseUnit        string
	Conversions     []Conversion
	CostingMethod   CostingMethod
	FixedPrice      decimal.Decimal
	BatchTracked    bool
	StockControlled bool
	UpdatedAt       time.Time
}

// Conversion returns the conversion entry for the given alternate unit.
func (i Item) Conversion(altUnit string) (Conversion, bool) {
	for _, c := range i.Conversions {
		if c.AltUnit == altUnit {
			return c, true
		}
	}
	return Conversion{}, false
}

// ErrItemNotFound indicates a missing item row.
var ErrItemNotFound = errors.New("item not found")
