package balance

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Category is one sub-partition of a location's balance.
type Category string

const (
	CategoryUnrestricted      Category = "UNRESTRICTED"
	CategoryReserved          Category = "RESERVED"
	CategoryBlocked           Category = "BLOCKED"
	CategoryQualityInspection Category = "QUALITY_INSPECTION"
	CategoryInTransit         Category = "IN_TRANSIT"
)

// Categories lists all categories in a stable order.
var Categories = []Category{
	CategoryUnrestricted,
	CategoryReserved,
	CategoryBlocked,
	CategoryQualityInspection,
	CategoryInTransit,
}

// Valid reports whether c names a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryUnrestricted, CategoryReserved, CategoryBlocked, CategoryQualityInspection, CategoryInTransit:
		return true
	default:
		return false
	}
}

// Record is the category-split quantity record for one
// (material, location, batch) key. BatchID zero marks the aggregate
// location-level record, which always exists for batch-tracked materials
// and is recomputed from its batch children after every batch mutation.
type Record struct {
	ID         int64
	OrgID      int64
	PlantID    int64
	MaterialID int64
	LocationID int64
	BatchID    int64

	Unrestricted      decimal.Decimal
	Reserved          decimal.Decimal
	Blocked           decimal.Decimal
	QualityInspection decimal.Decimal
	InTransit         decimal.Decimal
	BalanceQuantity   decimal.Decimal

	UpdatedAt time.Time
}

// Category returns the quantity held in one category.
func (r Record) Category(c Category) decimal.Decimal {
	switch c {
	case CategoryUnrestricted:
		return r.Unrestricted
	case CategoryReserved:
		return r.Reserved
	case CategoryBlocked:
		return r.Blocked
	case CategoryQualityInspection:
		return r.QualityInspection
	case CategoryInTransit:
		return r.InTransit
	default:
		return decimal.Zero
	}
}

func (r *Record) setCategory(c Category, qty decimal.Decimal) {
	switch c {
	case CategoryUnrestricted:
		r.Unrestricted = qty
	case CategoryReserved:
		r.Reserved = qty
	case CategoryBlocked:
		r.Blocked = qty
	case CategoryQualityInspection:
		r.QualityInspection = qty
	case CategoryInTransit:
		r.InTransit = qty
	}
}

// CategoryTotal sums the five category quantities.
func (r Record) CategoryTotal() decimal.Decimal {
	return r.Unrestricted.Add(r.Reserved).Add(r.Blocked).Add(r.QualityInspection).Add(r.InTransit)
}

// Consistent reports whether BalanceQuantity equals the category sum.
func (r Record) Consistent() bool {
	return r.BalanceQuantity.Equal(r.CategoryTotal())
}

// ErrRecordNotFound indicates a missing balance row.
var ErrRecordNotFound = errors.New("balance record not found")
