// Package engine implements the scheduler loop and task executor from
// spec.md §4.4: claiming runnable work from the Repository, running it
// (simulated via sleep), and recording the terminal transition.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/dts/internal/storage/sqlite"
	"github.com/example/dts/internal/types"
)

// Worker executes a single claimed task. Each call uses the
// Repository's own connection pool rather than holding a dedicated
// connection across the sleep, since a worker never needs
// cross-statement consistency.
type Worker struct {
	repo *sqlite.Repository
	log  *slog.Logger
}

func NewWorker(repo *sqlite.Repository, log *slog.Logger) *Worker {
	return &Worker{repo: repo, log: log}
}

// Run sleeps for job.DurationMS to simulate execution, then marks the
// task COMPLETED, or FAILED if the context is cancelled mid-sleep
// (spec.md §4.4: a task that starts running always reaches a terminal
// state).
func (w *Worker) Run(ctx context.Context, job types.ClaimedTask) {
	start := time.Now()
	w.log.Info("running task", "id", job.ID, "duration_ms", job.DurationMS)

	select {
	case <-time.After(time.Duration(job.DurationMS) * time.Millisecond):
		w.markCompleted(job.ID)
		w.log.Info("completed task", "id", job.ID, "elapsed_ms", time.Since(start).Milliseconds())
	case <-ctx.Done():
		w.markFailed(job.ID, fmt.Sprintf("execution interrupted: %v", ctx.Err()))
		w.log.Warn("task interrupted", "id", job.ID, "error", ctx.Err())
	}
}

func (w *Worker) markCompleted(id string) {
	ctx := context.Background()
	now := time.Now().UnixMilli()
	if err := w.repo.MarkCompleted(ctx, id, now); err != nil {
		w.log.Error("mark completed failed", "id", id, "error", err)
		return
	}
	recordCompleted(ctx)
}

func (w *Worker) markFailed(id, reason string) {
	ctx := context.Background()
	now := time.Now().UnixMilli()
	if err := w.repo.MarkFailed(ctx, id, now, reason); err != nil {
		w.log.Error("mark failed failed", "id", id, "error", err)
		return
	}
	recordFailed(ctx)
}
