package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// schedulerMetrics mirrors the teacher's doltMetrics package-level
// instrument block, registered once against the global meter provider
// at init time (spec.md §6.2).
var schedulerMetrics struct {
	tasksClaimed     metric.Int64Counter
	tasksCompleted   metric.Int64Counter
	tasksFailed      metric.Int64Counter
	recoveryRequeued metric.Int64Counter
	recoveryFailed   metric.Int64Counter
	tickDuration     metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/example/dts/engine")

	schedulerMetrics.tasksClaimed, _ = m.Int64Counter("dts.tasks.claimed",
		metric.WithDescription("Tasks transitioned QUEUED -> RUNNING"), metric.WithUnit("{task}"))
	schedulerMetrics.tasksCompleted, _ = m.Int64Counter("dts.tasks.completed",
		metric.WithDescription("Tasks transitioned RUNNING -> COMPLETED"), metric.WithUnit("{task}"))
	schedulerMetrics.tasksFailed, _ = m.Int64Counter("dts.tasks.failed",
		metric.WithDescription("Tasks transitioned RUNNING -> FAILED"), metric.WithUnit("{task}"))
	schedulerMetrics.recoveryRequeued, _ = m.Int64Counter("dts.recovery.requeued",
		metric.WithDescription("Stale RUNNING tasks requeued to QUEUED by lease recovery"), metric.WithUnit("{task}"))
	schedulerMetrics.recoveryFailed, _ = m.Int64Counter("dts.recovery.failed",
		metric.WithDescription("Stale RUNNING tasks failed outright by lease recovery"), metric.WithUnit("{task}"))
	schedulerMetrics.tickDuration, _ = m.Float64Histogram("dts.scheduler.tick_ms",
		metric.WithDescription("Wall time spent per scheduler tick"), metric.WithUnit("ms"))
}

func recordClaimed(ctx context.Context, n int64) {
	if n > 0 {
		schedulerMetrics.tasksClaimed.Add(ctx, n)
	}
}

func recordTickDuration(ctx context.Context, ms float64) {
	schedulerMetrics.tickDuration.Record(ctx, ms)
}

func recordRecovery(ctx context.Context, requeued, failed int) {
	if requeued > 0 {
		schedulerMetrics.recoveryRequeued.Add(ctx, int64(requeued))
	}
	if failed > 0 {
		schedulerMetrics.recoveryFailed.Add(ctx, int64(failed))
	}
}

func recordCompleted(ctx context.Context) {
	schedulerMetrics.tasksCompleted.Add(ctx, 1)
}

func recordFailed(ctx context.Context) {
	schedulerMetrics.tasksFailed.Add(ctx, 1)
}
