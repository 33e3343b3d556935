package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/dts/internal/storage/sqlite"
	"github.com/example/dts/internal/types"
)

func newTestRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine-test.db")

	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.ApplyMigrations(context.Background()))
	return sqlite.NewRepository(store)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerClaimsAndCompletesTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := newTestRepo(t)
	require.NoError(t, repo.CreateTask(ctx, types.TaskCreate{ID: "sched-1", Type: "t", DurationMS: 10}, time.Now().UnixMilli(), 3))

	sched := NewScheduler(repo, Config{
		MaxConcurrentTasks: 2,
		SchedTickMS:        20,
		LeaseMS:            60_000,
		MaxAttempts:        3,
		RecoveryIntervalMS: 500,
	}, discardLogger())
	sched.Start(ctx)
	defer sched.Stop()

	assert.Eventually(t, func() bool {
		task, err := repo.GetTask(ctx, "sched-1")
		return err == nil && task.Status == types.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSchedulerRespectsDependencyOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := newTestRepo(t)
	now := time.Now().UnixMilli()
	require.NoError(t, repo.CreateTask(ctx, types.TaskCreate{ID: "dep-a", Type: "t", DurationMS: 200}, now, 3))
	require.NoError(t, repo.CreateTask(ctx, types.TaskCreate{ID: "dep-b", Type: "t", DurationMS: 10, Dependencies: []string{"dep-a"}}, now, 3))

	sched := NewScheduler(repo, Config{
		MaxConcurrentTasks: 1,
		SchedTickMS:        20,
		LeaseMS:            60_000,
		MaxAttempts:        3,
		RecoveryIntervalMS: 500,
	}, discardLogger())
	sched.Start(ctx)
	defer sched.Stop()

	b, err := repo.GetTask(ctx, "dep-b")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, b.Status)
	assert.Equal(t, 1, b.RemainingDeps)

	assert.Eventually(t, func() bool {
		task, err := repo.GetTask(ctx, "dep-b")
		return err == nil && task.Status == types.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSchedulerRecoversStaleRunningOnStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := newTestRepo(t)
	now := time.Now().UnixMilli()
	require.NoError(t, repo.CreateTask(ctx, types.TaskCreate{ID: "stale", Type: "t", DurationMS: 10}, now-10_000, 3))
	// Claim it with an already-expired lease to simulate a crash mid-run.
	_, err := repo.ClaimRunnableTasks(ctx, now-10_000, 1, 10)
	require.NoError(t, err)

	sched := NewScheduler(repo, Config{
		MaxConcurrentTasks: 1,
		SchedTickMS:        20,
		LeaseMS:            60_000,
		MaxAttempts:        3,
		RecoveryIntervalMS: 500,
	}, discardLogger())
	sched.Start(ctx)
	defer sched.Stop()

	assert.Eventually(t, func() bool {
		task, err := repo.GetTask(ctx, "stale")
		return err == nil && task.Status == types.StatusCompleted && task.Attempts >= 1
	}, 3*time.Second, 20*time.Millisecond)
}
