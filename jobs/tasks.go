package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAggregateScan recomputes every batch aggregate and reports drift.
	TaskAggregateScan = "ledger:aggregate_scan"
	// TaskWavgSweep reports legacy duplicate weighted-average rows.
	TaskWavgSweep = "ledger:wavg_sweep"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// AggregateScanPayload carries scheduling metadata.
type AggregateScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewAggregateScanTask constructs the aggregate integrity scan task.
func NewAggregateScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(AggregateScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAggregateScan, body, asynq.Queue(QueueDefault)), nil
}

// WavgSweepPayload carries scheduling metadata.
type WavgSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewWavgSweepTask constructs the duplicate weighted-average sweep task.
func NewWavgSweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(WavgSweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWavgSweep, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload sets the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs the idempotency cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
