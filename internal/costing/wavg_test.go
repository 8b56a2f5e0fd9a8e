package costing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryWavgRepo struct {
	records []WeightedAverage
	nextID  int64
}

func (r *memoryWavgRepo) GetCurrent(ctx context.Context, key Key) (WeightedAverage, error) {
	var current *WeightedAverage
	for i := range r.records {
		rec := &r.records[i]
		if rec.Key != key {
			continue
		}
		if current == nil || rec.UpdatedAt.After(current.UpdatedAt) {
			current = rec
		}
	}
	if current == nil {
		return WeightedAverage{}, ErrNoAverageRecord
	}
	return *current, nil
}

func (r *memoryWavgRepo) ListMaterial(ctx context.Context, orgID, plantID, materialID int64) ([]WeightedAverage, error) {
	current := map[int64]WeightedAverage{}
	for _, rec := range r.records {
		if rec.Key.OrgID != orgID || rec.Key.PlantID != plantID || rec.Key.MaterialID != materialID {
			continue
		}
		prev, ok := current[rec.Key.BatchID]
		if !ok || rec.UpdatedAt.After(prev.UpdatedAt) {
			current[rec.Key.BatchID] = rec
		}
	}
	out := make([]WeightedAverage, 0, len(current))
	for _, rec := range current {
		out = append(out, rec)
	}
	return out, nil
}

func (r *memoryWavgRepo) Insert(ctx context.Context, rec WeightedAverage) (int64, error) {
	r.nextID++
	rec.ID = r.nextID
	rec.UpdatedAt = time.Now()
	r.records = append(r.records, rec)
	return rec.ID, nil
}

func (r *memoryWavgRepo) Update(ctx context.Context, id int64, qty, costPrice decimal.Decimal) error {
	for i := range r.records {
		if r.records[i].ID == id {
			r.records[i].Quantity = qty
			r.records[i].CostPrice = costPrice
			r.records[i].UpdatedAt = time.Now()
		}
	}
	return nil
}

func TestReceiptBlendsAverage(t *testing.T) {
	repo := &memoryWavgRepo{}
	mgr := NewWavgManager(repo, nil)
	key := Key{OrgID: 1, PlantID: 1, MaterialID: 20}
	ctx := context.Background()

	change, err := mgr.OnReceipt(ctx, key, d("10"), d("4.00"))
	require.NoError(t, err)
	require.True(t, change.Created)
	require.Equal(t, "4.0000", change.CostPrice.StringFixed(4))

	change, err = mgr.OnReceipt(ctx, key, d("10"), d("6.00"))
	require.NoError(t, err)
	require.False(t, change.Created)
	require.Equal(t, "20.000", change.Quantity.StringFixed(3))
	// (10*4 + 10*6) / 20 = 5.0000
	require.Equal(t, "5.0000", change.CostPrice.StringFixed(4))
}

func TestIssueCarriesCostForward(t *testing.T) {
	repo := &memoryWavgRepo{}
	mgr := NewWavgManager(repo, nil)
	key := Key{OrgID: 1, PlantID: 1, MaterialID: 20}
	ctx := context.Background()

	_, err := mgr.OnReceipt(ctx, key, d("10"), d("4.00"))
	require.NoError(t, err)

	change, shortfall, err := mgr.OnIssue(ctx, key, d("4"))
	require.NoError(t, err)
	require.True(t, shortfall.IsZero())
	require.Equal(t, "6.000", change.Quantity.StringFixed(3))
	require.Equal(t, "4.0000", change.CostPrice.StringFixed(4))
}

func TestIssueClampsAtZeroOnShortfall(t *testing.T) {
	repo := &memoryWavgRepo{}
	mgr := NewWavgManager(repo, nil)
	key := Key{OrgID: 1, PlantID: 1, MaterialID: 20}
	ctx := context.Background()

	_, err := mgr.OnReceipt(ctx, key, d("10"), d("4.00"))
	require.NoError(t, err)

	change, shortfall, err := mgr.OnIssue(ctx, key, d("14"))
	require.NoError(t, err)
	require.True(t, shortfall.Equal(d("4")))
	require.True(t, change.Quantity.IsZero())
	require.Equal(t, "4.0000", change.CostPrice.StringFixed(4))
}

func TestQuoteZeroWithoutRecord(t *testing.T) {
	mgr := NewWavgManager(&memoryWavgRepo{}, nil)
	price, err := mgr.Quote(context.Background(), Key{OrgID: 1, MaterialID: 99})
	require.NoError(t, err)
	require.True(t, price.IsZero())
}

func TestNewestRecordWinsOnDuplicates(t *testing.T) {
	repo := &memoryWavgRepo{}
	key := Key{OrgID: 1, PlantID: 1, MaterialID: 20}
	repo.records = append(repo.records,
		WeightedAverage{ID: 1, Key: key, Quantity: d("5"), CostPrice: d("2.00"), UpdatedAt: time.Now().Add(-time.Hour)},
		WeightedAverage{ID: 2, Key: key, Quantity: d("8"), CostPrice: d("3.00"), UpdatedAt: time.Now()},
	)
	repo.nextID = 2
	mgr := NewWavgManager(repo, nil)

	price, err := mgr.Quote(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "3.00", price.StringFixed(2))
}

func TestRestoreValueRestores(t *testing.T) {
	repo := &memoryWavgRepo{}
	mgr := NewWavgManager(repo, nil)
	key := Key{OrgID: 1, PlantID: 1, MaterialID: 20}
	ctx := context.Background()

	_, err := mgr.OnReceipt(ctx, key, d("10"), d("4.00"))
	require.NoError(t, err)
	change, err := mgr.OnReceipt(ctx, key, d("10"), d("6.00"))
	require.NoError(t, err)

	require.NoError(t, mgr.Restore(ctx, change))
	rec, err := repo.GetCurrent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "10.000", rec.Quantity.StringFixed(3))
	require.Equal(t, "4.0000", rec.CostPrice.StringFixed(4))
}
