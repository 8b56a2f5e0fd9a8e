package movement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/item"
)

// Direction marks a movement as inbound or outbound.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Movement is one immutable entry of the audit trail. Rows are created
// once per logical quantity change and never updated; balances can in
// principle be reconstructed from them.
type Movement struct {
	ID              int64
	OrgID           int64
	PlantID         int64
	TransactionType string
	TrxNo           string
	ParentTrxNo     string
	Direction       Direction
	Category        balance.Category
	Quantity        decimal.Decimal
	BaseQuantity    decimal.Decimal
	UnitPrice       decimal.Decimal
	TotalPrice      decimal.Decimal
	ItemID          int64
	LocationID      int64
	BatchID         int64
	CostingMethod   item.CostingMethod
	CreatedAt       time.Time
}

// Filter limits movement trail queries.
type Filter struct {
	OrgID      int64
	PlantID    int64
	ItemID     int64
	LocationID int64
	TrxNo      string
	From       time.Time
	To         time.Time
	Limit      int
}
