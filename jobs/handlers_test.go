package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/costing"
)

type stubAggregates struct {
	keys      []balance.LocationKey
	records   map[balance.LocationKey]balance.Record
	batchRecs []balance.Record
}

func (s *stubAggregates) ListAggregateKeys(ctx context.Context) ([]balance.LocationKey, error) {
	return s.keys, nil
}

func (s *stubAggregates) GroupSnapshot(ctx context.Context, key balance.LocationKey) (balance.Record, []balance.Record, error) {
	rec, ok := s.records[key]
	if !ok {
		return balance.Record{}, s.batchRecs, balance.ErrRecordNotFound
	}
	return rec, s.batchRecs, nil
}

type stubDuplicates struct {
	keys []costing.Key
}

func (s *stubDuplicates) ListDuplicateKeys(ctx context.Context) ([]costing.Key, error) {
	return s.keys, nil
}

type stubCleaner struct {
	gotRetention time.Duration
	removed      int64
}

func (s *stubCleaner) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.gotRetention = olderThan
	return s.removed, nil
}

type countMetrics struct {
	calls map[string]int
}

func (m *countMetrics) JobProcessed(task, status string) {
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[task+"/"+status]++
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testHandlers(aggregates *stubAggregates, duplicates *stubDuplicates, cleaner *stubCleaner, metrics *countMetrics) *Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(logger, aggregates, duplicates, cleaner, metrics, 0)
}

func TestAggregateScanDetectsDrift(t *testing.T) {
	key := balance.LocationKey{OrgID: 1, PlantID: 10, MaterialID: 7, LocationID: 100}
	aggregates := &stubAggregates{
		keys: []balance.LocationKey{key},
		records: map[balance.LocationKey]balance.Record{
			key: {Unrestricted: d("9"), BalanceQuantity: d("9")},
		},
		batchRecs: []balance.Record{
			{BatchID: 1, Unrestricted: d("4")},
			{BatchID: 2, Unrestricted: d("6")},
		},
	}
	metrics := &countMetrics{}
	h := testHandlers(aggregates, &stubDuplicates{}, &stubCleaner{}, metrics)

	task, err := NewAggregateScanTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, h.HandleAggregateScan(context.Background(), task))
	require.Equal(t, 1, metrics.calls[TaskAggregateScan+"/ok"])
}

func TestAggregateScanCleanRecord(t *testing.T) {
	key := balance.LocationKey{OrgID: 1, PlantID: 10, MaterialID: 7, LocationID: 100}
	aggregates := &stubAggregates{
		keys: []balance.LocationKey{key},
		records: map[balance.LocationKey]balance.Record{
			key: {Unrestricted: d("10"), BalanceQuantity: d("10")},
		},
		batchRecs: []balance.Record{
			{BatchID: 1, Unrestricted: d("4")},
			{BatchID: 2, Unrestricted: d("6")},
		},
	}
	h := testHandlers(aggregates, &stubDuplicates{}, &stubCleaner{}, &countMetrics{})

	ok, err := h.checkAggregate(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAggregateScanMissingAggregateIsDrift(t *testing.T) {
	key := balance.LocationKey{OrgID: 1, PlantID: 10, MaterialID: 7, LocationID: 100}
	aggregates := &stubAggregates{
		keys:      []balance.LocationKey{key},
		records:   map[balance.LocationKey]balance.Record{},
		batchRecs: []balance.Record{{BatchID: 1, Unrestricted: d("4")}},
	}
	h := testHandlers(aggregates, &stubDuplicates{}, &stubCleaner{}, &countMetrics{})

	ok, err := h.checkAggregate(context.Background(), key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWavgSweepReportsDuplicates(t *testing.T) {
	duplicates := &stubDuplicates{keys: []costing.Key{
		{OrgID: 1, PlantID: 10, MaterialID: 7},
		{OrgID: 1, PlantID: 10, MaterialID: 8, BatchID: 2},
	}}
	metrics := &countMetrics{}
	h := testHandlers(&stubAggregates{}, duplicates, &stubCleaner{}, metrics)

	task, err := NewWavgSweepTask(time.Now())
	require.NoError(t, err)
	require.NoError(t, h.HandleWavgSweep(context.Background(), task))
	require.Equal(t, 1, metrics.calls[TaskWavgSweep+"/ok"])
}

func TestIdempotencyCleanupUsesPayloadRetention(t *testing.T) {
	cleaner := &stubCleaner{removed: 3}
	h := testHandlers(&stubAggregates{}, &stubDuplicates{}, cleaner, &countMetrics{})

	task, err := NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, h.HandleIdempotencyCleanup(context.Background(), task))
	require.Equal(t, 48*time.Hour, cleaner.gotRetention)
}

func TestIdempotencyCleanupFallsBackToDefault(t *testing.T) {
	cleaner := &stubCleaner{}
	h := testHandlers(&stubAggregates{}, &stubDuplicates{}, cleaner, &countMetrics{})

	task, err := NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, h.HandleIdempotencyCleanup(context.Background(), task))
	require.Equal(t, 7*24*time.Hour, cleaner.gotRetention)
}

func TestMalformedPayloadSkipsRetry(t *testing.T) {
	h := testHandlers(&stubAggregates{}, &stubDuplicates{}, &stubCleaner{}, &countMetrics{})

	task := asynq.NewTask(TaskAggregateScan, []byte("{broken"))
	require.ErrorIs(t, h.HandleAggregateScan(context.Background(), task), asynq.SkipRetry)
}
