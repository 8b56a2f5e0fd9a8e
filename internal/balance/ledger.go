package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/rounding"
)

// LocationKey identifies one balance record. BatchID zero addresses the
// aggregate location-level record.
type LocationKey struct {
	OrgID      int64
	PlantID    int64
	MaterialID int64
	LocationID int64
	BatchID    int64
}

func (k LocationKey) String() string {
	return fmt.Sprintf("%d/%d/%d/%d/%d", k.OrgID, k.PlantID, k.MaterialID, k.LocationID, k.BatchID)
}

// Repository persists balance records.
type Repository interface {
	Get(ctx context.Context, key LocationKey) (Record, error)
	// ListBatchRecords returns all batch-level records (batch_id > 0)
	// for one material and location.
	ListBatchRecords(ctx context.Context, orgID, plantID, materialID, locationID int64) ([]Record, error)
	Upsert(ctx context.Context, rec Record) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// Ledger maintains category-split balances and the batch-to-location
// aggregation.
type Ledger struct {
	repo   Repository
	logger *slog.Logger
}

// NewLedger constructs a Ledger.
func NewLedger(repo Repository, logger *slog.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger}
}

// Change captures one balance mutation with enough state to undo it.
type Change struct {
	Key      LocationKey
	RecordID int64
	Created  bool
	Prior    Record
	After    Record
}

// ApplyCategoryDelta adds signedDelta to one category of the keyed record,
// creating the record lazily on first touch, and recomputes the balance
// quantity as the sum of all five categories. For batch-level keys the
// location aggregate is then recomputed in full from the batch children;
// an incremental update could drift after a missed write, a recomputation
// cannot.
func (l *Ledger) ApplyCategoryDelta(ctx context.Context, key LocationKey, category Category, signedDelta decimal.Decimal) (Change, error) {
	rec, err := l.repo.Get(ctx, key)
	created := false
	if errors.Is(err, ErrRecordNotFound) {
		rec = Record{
			OrgID:      key.OrgID,
			PlantID:    key.PlantID,
			MaterialID: key.MaterialID,
			LocationID: key.LocationID,
			BatchID:    key.BatchID,
		}
		created = true
	} else if err != nil {
		return Change{}, fmt.Errorf("balance: get record: %w", err)
	}
	prior := rec

	rec.setCategory(category, rounding.Qty(rec.Category(category).Add(signedDelta)))
	rec.BalanceQuantity = rec.CategoryTotal()

	id, err := l.repo.Upsert(ctx, rec)
	if err != nil {
		return Change{}, fmt.Errorf("balance: upsert record: %w", err)
	}
	rec.ID = id

	if key.BatchID != 0 {
		if err := l.recomputeAggregate(ctx, key); err != nil {
			return Change{}, err
		}
	}
	return Change{Key: key, RecordID: id, Created: created, Prior: prior, After: rec}, nil
}

// TransferCategory moves qty between two categories of the same record.
// The total balance quantity is unchanged by a pure category transfer.
func (l *Ledger) TransferCategory(ctx context.Context, key LocationKey, from, to Category, qty decimal.Decimal) (Change, Change, error) {
	out, err := l.ApplyCategoryDelta(ctx, key, from, qty.Neg())
	if err != nil {
		return Change{}, Change{}, err
	}
	in, err := l.ApplyCategoryDelta(ctx, key, to, qty)
	if err != nil {
		return out, Change{}, err
	}
	return out, in, nil
}

// TransferLocation moves qty in one category from one location to another,
// creating the destination record when absent.
func (l *Ledger) TransferLocation(ctx context.Context, key LocationKey, toLocationID int64, category Category, qty decimal.Decimal) (Change, Change, error) {
	out, err := l.ApplyCategoryDelta(ctx, key, category, qty.Neg())
	if err != nil {
		return Change{}, Change{}, err
	}
	destKey := key
	destKey.LocationID = toLocationID
	in, err := l.ApplyCategoryDelta(ctx, destKey, category, qty)
	if err != nil {
		return out, Change{}, err
	}
	return out, in, nil
}

// Revert undoes a change. Records created by the failed attempt are
// deleted; pre-existing records are value-restored. Batch-level reverts
// re-run the aggregate recomputation so the aggregate follows.
func (l *Ledger) Revert(ctx context.Context, change Change) error {
	if change.RecordID == 0 {
		return nil
	}
	if change.Created {
		if err := l.repo.Delete(ctx, change.RecordID); err != nil {
			return fmt.Errorf("balance: delete created record: %w", err)
		}
	} else {
		restored := change.Prior
		restored.ID = change.RecordID
		if _, err := l.repo.Upsert(ctx, restored); err != nil {
			return fmt.Errorf("balance: restore record: %w", err)
		}
	}
	if change.Key.BatchID != 0 {
		if err := l.recomputeAggregate(ctx, change.Key); err != nil {
			return err
		}
	}
	return nil
}

// recomputeAggregate overwrites the non-batch aggregate record with the
// sums of all batch children for the material and location.
func (l *Ledger) recomputeAggregate(ctx context.Context, key LocationKey) error {
	children, err := l.repo.ListBatchRecords(ctx, key.OrgID, key.PlantID, key.MaterialID, key.LocationID)
	if err != nil {
		return fmt.Errorf("balance: list batch records: %w", err)
	}
	agg := Record{
		OrgID:      key.OrgID,
		PlantID:    key.PlantID,
		MaterialID: key.MaterialID,
		LocationID: key.LocationID,
	}
	for _, child := range children {
		agg.Unrestricted = agg.Unrestricted.Add(child.Unrestricted)
		agg.Reserved = agg.Reserved.Add(child.Reserved)
		agg.Blocked = agg.Blocked.Add(child.Blocked)
		agg.QualityInspection = agg.QualityInspection.Add(child.QualityInspection)
		agg.InTransit = agg.InTransit.Add(child.InTransit)
	}
	agg.BalanceQuantity = agg.CategoryTotal()
	if _, err := l.repo.Upsert(ctx, agg); err != nil {
		return fmt.Errorf("balance: upsert aggregate: %w", err)
	}
	return nil
}

// Get returns the record for a key.
func (l *Ledger) Get(ctx context.Context, key LocationKey) (Record, error) {
	return l.repo.Get(ctx, key)
}

// ListBatches returns the batch-level records under a location.
func (l *Ledger) ListBatches(ctx context.Context, orgID, plantID, materialID, locationID int64) ([]Record, error) {
	return l.repo.ListBatchRecords(ctx, orgID, plantID, materialID, locationID)
}
