package sqlite

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// storeMetrics holds OTel metric instruments for the store's retry
// path, mirroring the teacher's doltMetrics/otel.Meter init pattern.
// Instruments are registered against the global provider at init time,
// so they forward to the real provider once observability.Init runs.
var storeMetrics struct {
	retryCount metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/example/dts/storage/sqlite")
	storeMetrics.retryCount, _ = m.Int64Counter("dts.db.retry_count",
		metric.WithDescription("Transactions retried due to SQLITE_BUSY/locked errors"),
		metric.WithUnit("{retry}"),
	)
}

func recordRetry(ctx context.Context) {
	storeMetrics.retryCount.Add(ctx, 1)
}
