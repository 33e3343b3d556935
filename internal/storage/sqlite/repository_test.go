package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/dts/internal/dtserrors"
	"github.com/example/dts/internal/types"
)

// setupTestRepo opens a fresh on-disk SQLite database in a temp
// directory (the ncruces driver's in-memory mode doesn't share state
// across connections the way the store's dedicated-Conn pattern
// needs), applies migrations, and returns a ready Repository.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "dts-test.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return NewRepository(store)
}

func mustKind(t *testing.T, err error, want dtserrors.Kind) {
	t.Helper()
	de, ok := dtserrors.As(err)
	if !ok {
		t.Fatalf("expected a domain error, got %v", err)
	}
	if de.Kind != want {
		t.Fatalf("expected kind %s, got %s (%s)", want, de.Kind, de.Message)
	}
}

func TestCreateTaskBasic(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: "build", DurationMS: 100}, 1000, 3)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task, err := repo.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != types.StatusQueued {
		t.Errorf("expected QUEUED, got %s", task.Status)
	}
	if task.RemainingDeps != 0 {
		t.Errorf("expected 0 remaining deps, got %d", task.RemainingDeps)
	}
}

func TestCreateTaskDuplicateID(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	task := types.TaskCreate{ID: "a", Type: "build", DurationMS: 100}
	if err := repo.CreateTask(ctx, task, 1000, 3); err != nil {
		t.Fatalf("first CreateTask: %v", err)
	}
	err := repo.CreateTask(ctx, task, 1000, 3)
	if err == nil {
		t.Fatal("expected conflict on duplicate id")
	}
	mustKind(t, err, dtserrors.KindConflict)
}

func TestCreateTaskMissingDependency(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: "build", DurationMS: 100, Dependencies: []string{"ghost"}}, 1000, 3)
	if err == nil {
		t.Fatal("expected dependency error")
	}
	mustKind(t, err, dtserrors.KindDependencyMissing)
}

func TestCreateTaskRejectsOverlongID(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	overlong := make([]byte, 257)
	for i := range overlong {
		overlong[i] = 'x'
	}
	err := repo.CreateTask(ctx, types.TaskCreate{ID: string(overlong), Type: "build", DurationMS: 100}, 1000, 3)
	if err == nil {
		t.Fatal("expected validation error for over-length id")
	}
	mustKind(t, err, dtserrors.KindValidation)
}

func TestCreateTaskRejectsOverlongType(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	overlong := make([]byte, 257)
	for i := range overlong {
		overlong[i] = 'y'
	}
	err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: string(overlong), DurationMS: 100}, 1000, 3)
	if err == nil {
		t.Fatal("expected validation error for over-length type")
	}
	mustKind(t, err, dtserrors.KindValidation)
}

func TestCreateTaskDiamondDependencyNotFlaggedAsCycle(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: "build", DurationMS: 100}, 1000, 3); err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "b", Type: "build", DurationMS: 100, Dependencies: []string{"a"}}, 1000, 3); err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}
	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "c", Type: "build", DurationMS: 100, Dependencies: []string{"a"}}, 1000, 3); err != nil {
		t.Fatalf("CreateTask c: %v", err)
	}
	// d depends on both b and c, which share the common ancestor a; this
	// is a diamond, not a cycle, and must be accepted.
	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "d", Type: "build", DurationMS: 100, Dependencies: []string{"b", "c"}}, 1000, 3); err != nil {
		t.Fatalf("CreateTask d: %v", err)
	}
}

func TestCreateTasksBatchCycle(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	batch := []types.TaskCreate{
		{ID: "x", Type: "t", DurationMS: 10, Dependencies: []string{"y"}},
		{ID: "y", Type: "t", DurationMS: 10, Dependencies: []string{"x"}},
	}
	_, err := repo.CreateTasksBatch(ctx, batch, 1000, 3)
	if err == nil {
		t.Fatal("expected cycle detection within batch")
	}
	mustKind(t, err, dtserrors.KindCycleDetected)
}

func TestCreateTasksBatchOK(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	batch := []types.TaskCreate{
		{ID: "p", Type: "t", DurationMS: 10},
		{ID: "q", Type: "t", DurationMS: 10, Dependencies: []string{"p"}},
		{ID: "r", Type: "t", DurationMS: 10, Dependencies: []string{"p", "q"}},
	}
	ids, err := repo.CreateTasksBatch(ctx, batch, 1000, 3)
	if err != nil {
		t.Fatalf("CreateTasksBatch: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids, got %d", len(ids))
	}

	r, err := repo.GetTask(ctx, "r")
	if err != nil {
		t.Fatalf("GetTask r: %v", err)
	}
	if r.RemainingDeps != 2 {
		t.Errorf("expected r to have 2 remaining deps, got %d", r.RemainingDeps)
	}
}

func TestClaimRunnableTasksRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: "t", DurationMS: 10}, 1000, 3); err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "b", Type: "t", DurationMS: 10, Dependencies: []string{"a"}}, 1000, 3); err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}

	claimed, err := repo.ClaimRunnableTasks(ctx, 2000, 60000, 10)
	if err != nil {
		t.Fatalf("ClaimRunnableTasks: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "a" {
		t.Fatalf("expected only 'a' claimable, got %+v", claimed)
	}

	if err := repo.MarkCompleted(ctx, "a", 3000); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	claimed, err = repo.ClaimRunnableTasks(ctx, 4000, 60000, 10)
	if err != nil {
		t.Fatalf("ClaimRunnableTasks after completion: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "b" {
		t.Fatalf("expected 'b' claimable after 'a' completes, got %+v", claimed)
	}
}

func TestClaimRunnableTasksRespectsLimit(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := repo.CreateTask(ctx, types.TaskCreate{ID: id, Type: "t", DurationMS: 10}, 1000, 3); err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
	}

	claimed, err := repo.ClaimRunnableTasks(ctx, 2000, 60000, 2)
	if err != nil {
		t.Fatalf("ClaimRunnableTasks: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}

	count, err := repo.CountRunningLeased(ctx, 2000)
	if err != nil {
		t.Fatalf("CountRunningLeased: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 running leased, got %d", count)
	}
}

func TestMarkFailedDoesNotUnblockDependents(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: "t", DurationMS: 10}, 1000, 3); err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "b", Type: "t", DurationMS: 10, Dependencies: []string{"a"}}, 1000, 3); err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}

	if _, err := repo.ClaimRunnableTasks(ctx, 2000, 60000, 10); err != nil {
		t.Fatalf("ClaimRunnableTasks: %v", err)
	}
	if err := repo.MarkFailed(ctx, "a", 3000, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	b, err := repo.GetTask(ctx, "b")
	if err != nil {
		t.Fatalf("GetTask b: %v", err)
	}
	if b.RemainingDeps != 1 {
		t.Errorf("expected b to remain blocked after a fails, got remaining_deps=%d", b.RemainingDeps)
	}
	if b.Status != types.StatusQueued {
		t.Errorf("expected b to remain QUEUED, got %s", b.Status)
	}
}

func TestMarkCompletedRejectsNonRunning(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: "t", DurationMS: 10}, 1000, 3); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	err := repo.MarkCompleted(ctx, "a", 2000)
	if err == nil {
		t.Fatal("expected conflict completing a task that was never claimed")
	}
	mustKind(t, err, dtserrors.KindConflict)
}

func TestMarkCompletedNotFound(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	err := repo.MarkCompleted(ctx, "ghost", 2000)
	if err == nil {
		t.Fatal("expected not-found error")
	}
	mustKind(t, err, dtserrors.KindNotFound)
}

func TestRecoverStaleRunning(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: "t", DurationMS: 10}, 1000, 2); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := repo.ClaimRunnableTasks(ctx, 2000, 1000, 10); err != nil {
		t.Fatalf("ClaimRunnableTasks: %v", err)
	}

	requeued, failed, err := repo.RecoverStaleRunning(ctx, 10000, 2)
	if err != nil {
		t.Fatalf("RecoverStaleRunning: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("expected 1 requeued, 0 failed, got requeued=%d failed=%d", requeued, failed)
	}

	a, err := repo.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if a.Status != types.StatusQueued {
		t.Errorf("expected recovered task requeued, got %s", a.Status)
	}
}

func TestRecoverStaleRunningExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.CreateTask(ctx, types.TaskCreate{ID: "a", Type: "t", DurationMS: 10}, 1000, 1); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := repo.ClaimRunnableTasks(ctx, 2000, 1000, 10); err != nil {
		t.Fatalf("ClaimRunnableTasks: %v", err)
	}

	requeued, failed, err := repo.RecoverStaleRunning(ctx, 10000, 1)
	if err != nil {
		t.Fatalf("RecoverStaleRunning: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("expected 0 requeued, 1 failed, got requeued=%d failed=%d", requeued, failed)
	}

	a, err := repo.GetTask(ctx, "a")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if a.Status != types.StatusFailed {
		t.Errorf("expected task failed after exhausting attempts, got %s", a.Status)
	}
}

func TestListTasksPagination(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	for i, id := range []string{"a", "b", "c"} {
		if err := repo.CreateTask(ctx, types.TaskCreate{ID: id, Type: "t", DurationMS: 10}, int64(1000+i), 3); err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
	}

	page, total, err := repo.ListTasks(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
	if len(page) != 2 || page[0].ID != "a" || page[1].ID != "b" {
		t.Fatalf("unexpected page: %+v", page)
	}
}
