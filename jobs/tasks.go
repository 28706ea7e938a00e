package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-cmms/meridian-cmms/internal/jobs"
	"github.com/meridian-cmms/meridian-cmms/internal/parts"
)

// PartLister reports parts under their reorder point.
type PartLister interface {
	ListBelowReorder(ctx context.Context) ([]parts.PartStock, error)
}

// KeyPruner removes idempotency keys older than a retention window.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReorderScan checks stock levels against reorder points.
	TaskReorderScan = "stock:reorder_scan"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ReorderScanPayload carries scheduling metadata for a reorder scan.
type ReorderScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReorderScanTask constructs an Asynq task for a stock reorder scan.
func NewReorderScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReorderScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReorderScan, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the retention window for key pruning.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for idempotency key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// LowStockGauge receives the current count of parts under their reorder point.
type LowStockGauge interface {
	SetLowStockParts(n int)
}

// Tasks bundles the dependencies shared by job handlers.
type Tasks struct {
	Parts       PartLister
	Idempotency KeyPruner
	Gauge       LowStockGauge
	Metrics     *jobmetrics.Metrics
	Logger      *slog.Logger
}

// HandleReorderScan lists parts under their reorder point, logs each
// one, and publishes the count to the low-stock gauge.
func (t *Tasks) HandleReorderScan(ctx context.Context, task *asynq.Task) error {
	var payload ReorderScanPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := t.Metrics.Track(TaskReorderScan)
	low, err := t.Parts.ListBelowReorder(ctx)
	if err != nil {
		return tracker.End(err)
	}
	for _, p := range low {
		t.Logger.Warn("part under reorder point",
			slog.String("part_no", p.PartNo),
			slog.Int64("qty_on_hand", p.QtyOnHand),
			slog.Int64("reorder_point", p.ReorderPoint))
	}
	if t.Gauge != nil {
		t.Gauge.SetLowStockParts(len(low))
	}
	t.Logger.Info("reorder scan complete", slog.Int("low_stock_parts", len(low)))
	return tracker.End(nil)
}

// HandleIdempotencyCleanup removes idempotency keys older than the retention
// window in the payload.
func (t *Tasks) HandleIdempotencyCleanup(ctx context.Context, task *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		return asynq.SkipRetry
	}
	tracker := t.Metrics.Track(TaskIdempotencyCleanup)
	if err := t.Idempotency.Cleanup(ctx, payload.Retention); err != nil {
		return tracker.End(err)
	}
	t.Logger.Info("idempotency cleanup complete", slog.Duration("retention", payload.Retention))
	return tracker.End(nil)
}
