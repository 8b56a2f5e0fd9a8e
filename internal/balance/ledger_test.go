package balance

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	records map[LocationKey]*Record
	nextID  int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[LocationKey]*Record)}
}

func keyOf(rec Record) LocationKey {
	return LocationKey{OrgID: rec.OrgID, PlantID: rec.PlantID, MaterialID: rec.MaterialID, LocationID: rec.LocationID, BatchID: rec.BatchID}
}

func (r *memoryRepo) Get(ctx context.Context, key LocationKey) (Record, error) {
	if rec, ok := r.records[key]; ok {
		return *rec, nil
	}
	return Record{}, ErrRecordNotFound
}

func (r *memoryRepo) ListBatchRecords(ctx context.Context, orgID, plantID, materialID, locationID int64) ([]Record, error) {
	var out []Record
	for key, rec := range r.records {
		if key.OrgID == orgID && key.PlantID == plantID && key.MaterialID == materialID && key.LocationID == locationID && key.BatchID > 0 {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *memoryRepo) Upsert(ctx context.Context, rec Record) (int64, error) {
	key := keyOf(rec)
	if existing, ok := r.records[key]; ok {
		rec.ID = existing.ID
		*existing = rec
		return rec.ID, nil
	}
	r.nextID++
	rec.ID = r.nextID
	r.records[key] = &rec
	return rec.ID, nil
}

func (r *memoryRepo) Delete(ctx context.Context, id int64) error {
	for key, rec := range r.records {
		if rec.ID == id {
			delete(r.records, key)
			return nil
		}
	}
	return nil
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestApplyCategoryDeltaKeepsSumInvariant(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()
	key := LocationKey{OrgID: 1, PlantID: 1, MaterialID: 5, LocationID: 100}

	change, err := ledger.ApplyCategoryDelta(ctx, key, CategoryUnrestricted, d("12.5"))
	require.NoError(t, err)
	require.True(t, change.Created)
	require.True(t, change.After.Consistent())
	require.True(t, change.After.BalanceQuantity.Equal(d("12.5")))

	change, err = ledger.ApplyCategoryDelta(ctx, key, CategoryBlocked, d("2"))
	require.NoError(t, err)
	require.False(t, change.Created)
	require.True(t, change.After.Consistent())
	require.True(t, change.After.BalanceQuantity.Equal(d("14.5")))
}

func TestTransferCategoryConservesBalance(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()
	key := LocationKey{OrgID: 1, PlantID: 1, MaterialID: 5, LocationID: 100}

	_, err := ledger.ApplyCategoryDelta(ctx, key, CategoryQualityInspection, d("10"))
	require.NoError(t, err)

	_, in, err := ledger.TransferCategory(ctx, key, CategoryQualityInspection, CategoryUnrestricted, d("6"))
	require.NoError(t, err)
	require.True(t, in.After.Consistent())
	require.True(t, in.After.BalanceQuantity.Equal(d("10")))
	require.True(t, in.After.QualityInspection.Equal(d("4")))
	require.True(t, in.After.Unrestricted.Equal(d("6")))
}

func TestTransferLocation(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()
	key := LocationKey{OrgID: 1, PlantID: 1, MaterialID: 5, LocationID: 100}

	_, err := ledger.ApplyCategoryDelta(ctx, key, CategoryInTransit, d("9"))
	require.NoError(t, err)

	out, in, err := ledger.TransferLocation(ctx, key, 200, CategoryInTransit, d("9"))
	require.NoError(t, err)
	require.True(t, out.After.InTransit.IsZero())
	require.EqualValues(t, 200, in.Key.LocationID)
	require.True(t, in.After.InTransit.Equal(d("9")))
	require.True(t, in.Created)
}

func TestBatchMutationRecomputesAggregate(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()
	base := LocationKey{OrgID: 1, PlantID: 1, MaterialID: 5, LocationID: 100}

	batchA := base
	batchA.BatchID = 11
	batchB := base
	batchB.BatchID = 12

	_, err := ledger.ApplyCategoryDelta(ctx, batchA, CategoryUnrestricted, d("4"))
	require.NoError(t, err)
	_, err = ledger.ApplyCategoryDelta(ctx, batchB, CategoryUnrestricted, d("6"))
	require.NoError(t, err)
	_, err = ledger.ApplyCategoryDelta(ctx, batchB, CategoryBlocked, d("1"))
	require.NoError(t, err)

	agg, err := ledger.Get(ctx, base)
	require.NoError(t, err)
	require.True(t, agg.Unrestricted.Equal(d("10")))
	require.True(t, agg.Blocked.Equal(d("1")))
	require.True(t, agg.BalanceQuantity.Equal(d("11")))
	require.True(t, agg.Consistent())
}

func TestRevertRestoresPriorValues(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()
	key := LocationKey{OrgID: 1, PlantID: 1, MaterialID: 5, LocationID: 100, BatchID: 42}

	_, err := ledger.ApplyCategoryDelta(ctx, key, CategoryUnrestricted, d("10"))
	require.NoError(t, err)
	change, err := ledger.ApplyCategoryDelta(ctx, key, CategoryUnrestricted, d("-4"))
	require.NoError(t, err)

	require.NoError(t, ledger.Revert(ctx, change))

	rec, err := ledger.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, rec.Unrestricted.Equal(d("10")))

	agg, err := ledger.Get(ctx, LocationKey{OrgID: 1, PlantID: 1, MaterialID: 5, LocationID: 100})
	require.NoError(t, err)
	require.True(t, agg.Unrestricted.Equal(d("10")))
}

func TestRevertDeletesCreatedRecord(t *testing.T) {
	repo := newMemoryRepo()
	ledger := NewLedger(repo, nil)
	ctx := context.Background()
	key := LocationKey{OrgID: 1, PlantID: 1, MaterialID: 5, LocationID: 100}

	change, err := ledger.ApplyCategoryDelta(ctx, key, CategoryUnrestricted, d("3"))
	require.NoError(t, err)
	require.True(t, change.Created)

	require.NoError(t, ledger.Revert(ctx, change))
	_, err = ledger.Get(ctx, key)
	require.ErrorIs(t, err, ErrRecordNotFound)
}
