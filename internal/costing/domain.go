package costing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies one costing scope. BatchID is zero for non batch-tracked
// materials. All records are scoped to an organisation and never read or
// written across that boundary.
type Key struct {
	OrgID      int64
	PlantID    int64
	MaterialID int64
	BatchID    int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", k.OrgID, k.PlantID, k.MaterialID, k.BatchID)
}

// FifoLayer is one cost lot created at receipt time. Layers are never
// deleted, only depleted; consumption proceeds from the lowest sequence up.
type FifoLayer struct {
	ID                int64
	Key               Key
	Sequence          int64
	InitialQuantity   decimal.Decimal
	AvailableQuantity decimal.Decimal
	CostPrice         decimal.Decimal
	CreatedAt         time.Time
}

// WeightedAverage is the rolling quantity/cost record for a key. Exactly
// one current record per key is meaningful; where legacy duplicates exist
// the most recently updated row wins.
type WeightedAverage struct {
	ID        int64
	Key       Key
	Quantity  decimal.Decimal
	CostPrice decimal.Decimal
	UpdatedAt time.Time
}

// Consumption records how much was taken from one layer, with enough
// detail to restore the layer during compensation.
type Consumption struct {
	LayerID         int64
	Sequence        int64
	Quantity        decimal.Decimal
	CostPrice       decimal.Decimal
	PriorAvailable  decimal.Decimal
	AfterAvailable  decimal.Decimal
}

// ErrNoAverageRecord indicates no weighted-average row exists for a key.
var ErrNoAverageRecord = errors.New("costing: no weighted average record")
