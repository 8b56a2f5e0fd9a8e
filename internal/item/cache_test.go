package item

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	item  Item
	err   error
	calls int
}

func (s *stubSource) Get(ctx context.Context, orgID, itemID int64) (Item, error) {
	s.calls++
	if s.err != nil {
		return Item{}, s.err
	}
	return s.item, nil
}

func TestCacheReadThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := &stubSource{item: Item{
		ID:              7,
		OrgID:           1,
		Code:            "MAT-7",
		BaseUnit:        "PCS",
		CostingMethod:   CostingFIFO,
		FixedPrice:      decimal.Zero,
		StockControlled: true,
		Conversions: []Conversion{
			{AltUnit: "BOX", BaseQuantityPerAlt: decimal.RequireFromString("12")},
		},
	}}
	cache := NewCache(src, client, time.Minute, nil)
	ctx := context.Background()

	first, err := cache.Get(ctx, 1, 7)
	require.NoError(t, err)
	require.Equal(t, "MAT-7", first.Code)
	require.Equal(t, 1, src.calls)

	second, err := cache.Get(ctx, 1, 7)
	require.NoError(t, err)
	require.Equal(t, 1, src.calls, "second read must come from redis")
	require.Len(t, second.Conversions, 1)
	require.True(t, second.Conversions[0].BaseQuantityPerAlt.Equal(decimal.RequireFromString("12")))
}

func TestCacheMissOnNotFound(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := &stubSource{err: ErrItemNotFound}
	cache := NewCache(src, client, time.Minute, nil)

	_, err := cache.Get(context.Background(), 1, 9)
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestCacheInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	src := &stubSource{item: Item{ID: 3, OrgID: 1, Code: "MAT-3", BaseUnit: "KG", CostingMethod: CostingWeightedAverage}}
	cache := NewCache(src, client, time.Minute, nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, 1, 3)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, 1, 3))

	_, err = cache.Get(ctx, 1, 3)
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)
}
