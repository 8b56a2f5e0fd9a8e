package engine

import (
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/costing"
	"github.com/meridian-erp/stockledger/internal/shared"
)

// ShortfallPolicy decides how an issue exceeding recorded stock is handled.
type ShortfallPolicy string

const (
	// ShortfallBestEffort logs the shortfall, prices the remainder at the
	// newest layer and proceeds. This matches the historical behaviour of
	// the document handlers this engine replaces.
	ShortfallBestEffort ShortfallPolicy = "best-effort"
	// ShortfallStrict rejects the issue before any write.
	ShortfallStrict ShortfallPolicy = "strict"
)

// Valid reports whether p names a known policy.
func (p ShortfallPolicy) Valid() bool {
	return p == ShortfallBestEffort || p == ShortfallStrict
}

// MaterialKey scopes an operation to one material within a plant and
// organisation. BatchID is zero for non batch-tracked materials.
type MaterialKey struct {
	OrgID      int64
	PlantID    int64
	MaterialID int64
	BatchID    int64
}

func (k MaterialKey) costingKey() costing.Key {
	return costing.Key{OrgID: k.OrgID, PlantID: k.PlantID, MaterialID: k.MaterialID, BatchID: k.BatchID}
}

func (k MaterialKey) locationKey(locationID int64) balance.LocationKey {
	return balance.LocationKey{OrgID: k.OrgID, PlantID: k.PlantID, MaterialID: k.MaterialID, LocationID: locationID, BatchID: k.BatchID}
}

func (k MaterialKey) lockKey() string {
	return shared.BalanceLockKey(k.OrgID, k.PlantID, k.MaterialID)
}

// ReceiptInput describes one inbound line.
type ReceiptInput struct {
	Key             MaterialKey
	LocationID      int64
	Category        balance.Category
	Quantity        decimal.Decimal
	Unit            string
	UnitPrice       decimal.Decimal
	TransactionType string
	TrxNo           string
	ParentTrxNo     string
	ActorID         int64
}

// IssueInput describes one outbound line. ReservedQty models quantity
// already consumed by earlier lines of the same transaction that have not
// been persisted yet.
type IssueInput struct {
	Key             MaterialKey
	LocationID      int64
	Category        balance.Category
	Quantity        decimal.Decimal
	Unit            string
	ReservedQty     decimal.Decimal
	TransactionType string
	TrxNo           string
	ParentTrxNo     string
	ActorID         int64
}

// CategoryTransferInput moves quantity between categories at one location.
type CategoryTransferInput struct {
	Key             MaterialKey
	LocationID      int64
	From            balance.Category
	To              balance.Category
	Quantity        decimal.Decimal
	Unit            string
	TransactionType string
	TrxNo           string
	ParentTrxNo     string
	ActorID         int64
}

// LocationTransferInput moves quantity in one category between locations.
type LocationTransferInput struct {
	Key             MaterialKey
	FromLocationID  int64
	ToLocationID    int64
	Category        balance.Category
	Quantity        decimal.Decimal
	Unit            string
	TransactionType string
	TrxNo           string
	ParentTrxNo     string
	ActorID         int64
}

// QuoteInput requests a unit price for a material.
type QuoteInput struct {
	Key          MaterialKey
	DeductionQty *decimal.Decimal
	ReservedQty  decimal.Decimal
}
