package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/stockledger/internal/balance"
	"github.com/meridian-erp/stockledger/internal/costing"
	"github.com/meridian-erp/stockledger/internal/rounding"
)

// AggregateSource lists and reads balance records for the integrity scan.
// GroupSnapshot must return the aggregate and its batch children from a
// single consistent view, or the scan reports phantom drift under load.
type AggregateSource interface {
	ListAggregateKeys(ctx context.Context) ([]balance.LocationKey, error)
	GroupSnapshot(ctx context.Context, key balance.LocationKey) (balance.Record, []balance.Record, error)
}

// DuplicateFinder lists weighted-average keys holding more than one row.
type DuplicateFinder interface {
	ListDuplicateKeys(ctx context.Context) ([]costing.Key, error)
}

// KeyCleaner purges expired idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// JobMetrics counts job executions.
type JobMetrics interface {
	JobProcessed(task, status string)
}

// Handlers owns the task handler dependencies.
type Handlers struct {
	logger     *slog.Logger
	aggregates AggregateSource
	duplicates DuplicateFinder
	cleaner    KeyCleaner
	metrics    JobMetrics
	retention  time.Duration
}

// NewHandlers constructs Handlers. metrics may be nil.
func NewHandlers(logger *slog.Logger, aggregates AggregateSource, duplicates DuplicateFinder, cleaner KeyCleaner, metrics JobMetrics, retention time.Duration) *Handlers {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Handlers{
		logger:     logger,
		aggregates: aggregates,
		duplicates: duplicates,
		cleaner:    cleaner,
		metrics:    metrics,
		retention:  retention,
	}
}

func (h *Handlers) count(task, status string) {
	if h.metrics != nil {
		h.metrics.JobProcessed(task, status)
	}
}

// HandleAggregateScan recomputes every location aggregate from its batch
// children and logs any drift against the stored aggregate row. The scan
// only reports; the next mutation on a drifted key rewrites the aggregate.
func (h *Handlers) HandleAggregateScan(ctx context.Context, t *asynq.Task) error {
	var payload AggregateScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	keys, err := h.aggregates.ListAggregateKeys(ctx)
	if err != nil {
		h.count(TaskAggregateScan, "error")
		return err
	}
	drifted := 0
	for _, key := range keys {
		ok, err := h.checkAggregate(ctx, key)
		if err != nil {
			h.count(TaskAggregateScan, "error")
			return err
		}
		if !ok {
			drifted++
		}
	}
	h.logger.Info("aggregate scan complete",
		slog.Int("groups", len(keys)),
		slog.Int("drifted", drifted))
	h.count(TaskAggregateScan, "ok")
	return nil
}

func (h *Handlers) checkAggregate(ctx context.Context, key balance.LocationKey) (bool, error) {
	got, children, err := h.aggregates.GroupSnapshot(ctx, key)
	if err != nil {
		if errors.Is(err, balance.ErrRecordNotFound) {
			// a missing aggregate with batch children is itself drift
			h.logger.Warn("aggregate record missing", slog.String("key", key.String()))
			return false, nil
		}
		return false, err
	}
	var want balance.Record
	for _, child := range children {
		want.Unrestricted = want.Unrestricted.Add(child.Unrestricted)
		want.Reserved = want.Reserved.Add(child.Reserved)
		want.Blocked = want.Blocked.Add(child.Blocked)
		want.QualityInspection = want.QualityInspection.Add(child.QualityInspection)
		want.InTransit = want.InTransit.Add(child.InTransit)
	}

	for _, c := range balance.Categories {
		if !rounding.Qty(got.Category(c)).Equal(rounding.Qty(want.Category(c))) {
			h.logger.Warn("aggregate drift detected",
				slog.String("key", key.String()),
				slog.String("category", string(c)),
				slog.String("stored", got.Category(c).String()),
				slog.String("derived", want.Category(c).String()))
			return false, nil
		}
	}
	total := decimal.Sum(want.Unrestricted, want.Reserved, want.Blocked, want.QualityInspection, want.InTransit)
	if !rounding.Qty(got.BalanceQuantity).Equal(rounding.Qty(total)) {
		h.logger.Warn("aggregate total drift detected",
			slog.String("key", key.String()),
			slog.String("stored", got.BalanceQuantity.String()),
			slog.String("derived", total.String()))
		return false, nil
	}
	return true, nil
}

// HandleWavgSweep reports weighted-average keys that still hold legacy
// duplicate rows. Readers already resolve duplicates newest-wins; the
// sweep surfaces them so the data can be repaired at the source.
func (h *Handlers) HandleWavgSweep(ctx context.Context, t *asynq.Task) error {
	var payload WavgSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	keys, err := h.duplicates.ListDuplicateKeys(ctx)
	if err != nil {
		h.count(TaskWavgSweep, "error")
		return err
	}
	for _, key := range keys {
		h.logger.Warn("duplicate weighted-average rows",
			slog.Int64("org_id", key.OrgID),
			slog.Int64("plant_id", key.PlantID),
			slog.Int64("material_id", key.MaterialID),
			slog.Int64("batch_id", key.BatchID))
	}
	h.logger.Info("weighted-average sweep complete", slog.Int("duplicates", len(keys)))
	h.count(TaskWavgSweep, "ok")
	return nil
}

// HandleIdempotencyCleanup purges idempotency keys older than the
// configured retention.
func (h *Handlers) HandleIdempotencyCleanup(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := payload.Retention
	if retention <= 0 {
		retention = h.retention
	}
	removed, err := h.cleaner.Cleanup(ctx, retention)
	if err != nil {
		h.count(TaskIdempotencyCleanup, "error")
		return err
	}
	h.logger.Info("idempotency cleanup complete", slog.Int64("removed", removed))
	h.count(TaskIdempotencyCleanup, "ok")
	return nil
}
