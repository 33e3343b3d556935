package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/example/dts/internal/dtserrors"
	"github.com/example/dts/internal/types"
)

// Repository exposes every transactional task operation from spec.md
// §4.3. Every write path runs inside a single immediate transaction and
// rolls back on any failure.
type Repository struct {
	store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{store: store}
}

// CreateTask inserts a single task and its dependency edges atomically.
func (r *Repository) CreateTask(ctx context.Context, task types.TaskCreate, now int64, defaultMaxAttempts int) error {
	if err := validateTaskCreate(task); err != nil {
		return err
	}

	return r.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var exists int
		err := conn.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, task.ID).Scan(&exists)
		switch {
		case err == nil:
			return dtserrors.Conflict(fmt.Sprintf("task already exists: %s", task.ID), map[string]any{"id": task.ID})
		case err != sql.ErrNoRows:
			return dtserrors.WrapDBError("check task existence", err)
		}

		if len(task.Dependencies) > 0 {
			missing, err := missingDependencyIDs(ctx, conn, task.Dependencies)
			if err != nil {
				return err
			}
			if len(missing) > 0 {
				return dtserrors.DependencyMissing("one or more dependencies do not exist", map[string]any{"missing": missing})
			}

			cyclic, err := wouldCreateCycle(ctx, conn, task.ID, task.Dependencies)
			if err != nil {
				return err
			}
			if cyclic {
				return dtserrors.CycleDetected(
					fmt.Sprintf("adding dependencies would create a cycle for task %s", task.ID),
					map[string]any{"id": task.ID, "dependencies": task.Dependencies},
				)
			}
		}

		remaining, err := countIncompleteDependencies(ctx, conn, task.Dependencies)
		if err != nil {
			return err
		}

		_, err = conn.ExecContext(ctx, `
			INSERT INTO tasks (id, type, duration_ms, status, remaining_deps, attempts, max_attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, task.ID, task.Type, task.DurationMS, string(types.StatusQueued), remaining, defaultMaxAttempts, now, now)
		if err != nil {
			return dtserrors.WrapDBError("insert task", err)
		}

		for _, dep := range task.Dependencies {
			if _, err := conn.ExecContext(ctx, `INSERT INTO deps (task_id, depends_on_id) VALUES (?, ?)`, task.ID, dep); err != nil {
				return dtserrors.WrapDBError("insert dependency edge", err)
			}
		}
		return nil
	})
}

// CreateTasksBatch inserts a set of tasks and their edges atomically,
// with cycle detection restricted to the batch-internal subgraph.
func (r *Repository) CreateTasksBatch(ctx context.Context, tasks []types.TaskCreate, now int64, defaultMaxAttempts int) ([]string, error) {
	if len(tasks) == 0 {
		return nil, dtserrors.Validation("tasks batch must not be empty", nil)
	}

	batchIDs := make([]string, len(tasks))
	batchIDSet := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		batchIDs[i] = t.ID
		if batchIDSet[t.ID] {
			return nil, dtserrors.Validation("batch contains duplicate task ids", map[string]any{"id": t.ID})
		}
		batchIDSet[t.ID] = true
	}
	for _, t := range tasks {
		if err := validateTaskCreate(t); err != nil {
			return nil, err
		}
	}

	allDeps := make(map[string]bool)
	for _, t := range tasks {
		for _, d := range t.Dependencies {
			allDeps[d] = true
		}
	}
	var externalDeps []string
	for d := range allDeps {
		if !batchIDSet[d] {
			externalDeps = append(externalDeps, d)
		}
	}
	sort.Strings(externalDeps)

	err := r.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		existing, err := existingTaskIDs(ctx, conn, batchIDs)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return dtserrors.Conflict("one or more task ids already exist", map[string]any{"existing": existing})
		}

		missingExternal, err := missingDependencyIDs(ctx, conn, externalDeps)
		if err != nil {
			return err
		}
		if len(missingExternal) > 0 {
			return dtserrors.DependencyMissing("one or more dependencies do not exist", map[string]any{"missing": missingExternal})
		}

		if err := assertNoCycleWithinBatch(tasks, batchIDSet); err != nil {
			return err
		}

		externalIncomplete, err := externalIncompleteDeps(ctx, conn, externalDeps)
		if err != nil {
			return err
		}

		for _, t := range tasks {
			remaining := 0
			for _, dep := range t.Dependencies {
				if batchIDSet[dep] {
					remaining++
				} else if externalIncomplete[dep] {
					remaining++
				}
			}
			_, err := conn.ExecContext(ctx, `
				INSERT INTO tasks (id, type, duration_ms, status, remaining_deps, attempts, max_attempts, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
			`, t.ID, t.Type, t.DurationMS, string(types.StatusQueued), remaining, defaultMaxAttempts, now, now)
			if err != nil {
				return dtserrors.WrapDBError("insert batch task", err)
			}
		}

		for _, t := range tasks {
			for _, dep := range t.Dependencies {
				if _, err := conn.ExecContext(ctx, `INSERT INTO deps (task_id, depends_on_id) VALUES (?, ?)`, t.ID, dep); err != nil {
					return dtserrors.WrapDBError("insert batch dependency edge", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batchIDs, nil
}

// ClaimRunnableTasks atomically claims up to limit runnable tasks
// (status=QUEUED AND remaining_deps=0), FIFO by created_at, and marks
// them RUNNING with a fresh lease.
func (r *Repository) ClaimRunnableTasks(ctx context.Context, now int64, leaseMS int64, limit int) ([]types.ClaimedTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []types.ClaimedTask
	err := r.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id, duration_ms FROM tasks
			WHERE status = ? AND remaining_deps = 0
			ORDER BY created_at ASC
			LIMIT ?
		`, string(types.StatusQueued), limit)
		if err != nil {
			return dtserrors.WrapDBError("select claim candidates", err)
		}

		var ids []string
		for rows.Next() {
			var id string
			var dur int64
			if err := rows.Scan(&id, &dur); err != nil {
				rows.Close()
				return dtserrors.WrapDBError("scan claim candidate", err)
			}
			ids = append(ids, id)
			claimed = append(claimed, types.ClaimedTask{ID: id, DurationMS: dur})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return dtserrors.WrapDBError("iterate claim candidates", err)
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}

		placeholders := placeholdersFor(len(ids))
		args := make([]any, 0, len(ids)+5)
		args = append(args, string(types.StatusRunning), now, now, now+leaseMS)
		for _, id := range ids {
			args = append(args, id)
		}
		args = append(args, string(types.StatusQueued))

		// The trailing status/remaining_deps predicate re-asserts the row
		// is still claimable; within this same transaction it can only
		// ever be true, but it documents the invariant being relied on.
		query := fmt.Sprintf(`
			UPDATE tasks
			SET status = ?,
			    started_at = COALESCE(started_at, ?),
			    updated_at = ?,
			    attempts = attempts + 1,
			    lease_expires_at = ?
			WHERE id IN (%s)
			  AND status = ?
			  AND remaining_deps = 0
		`, placeholders)
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return dtserrors.WrapDBError("claim tasks", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted transitions exactly RUNNING -> COMPLETED and decrements
// remaining_deps on QUEUED dependents.
func (r *Repository) MarkCompleted(ctx context.Context, id string, now int64) error {
	return r.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = ?, finished_at = ?, lease_expires_at = NULL, last_error = NULL
			WHERE id = ? AND status = ?
		`, string(types.StatusCompleted), now, now, id, string(types.StatusRunning))
		if err != nil {
			return dtserrors.WrapDBError("mark completed", err)
		}
		if err := requireTerminalTransition(ctx, conn, id, res); err != nil {
			return err
		}

		_, err = conn.ExecContext(ctx, `
			UPDATE tasks
			SET remaining_deps = CASE WHEN remaining_deps > 0 THEN remaining_deps - 1 ELSE 0 END,
			    updated_at = ?
			WHERE id IN (SELECT task_id FROM deps WHERE depends_on_id = ?)
			  AND status = ?
		`, now, id, string(types.StatusQueued))
		if err != nil {
			return dtserrors.WrapDBError("unblock dependents", err)
		}
		return nil
	})
}

// MarkFailed transitions exactly RUNNING -> FAILED. Dependents are not
// touched (intentional non-propagation, spec.md §9).
func (r *Repository) MarkFailed(ctx context.Context, id string, now int64, lastError string) error {
	return r.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = ?, finished_at = ?, lease_expires_at = NULL, last_error = ?
			WHERE id = ? AND status = ?
		`, string(types.StatusFailed), now, now, lastError, id, string(types.StatusRunning))
		if err != nil {
			return dtserrors.WrapDBError("mark failed", err)
		}
		return requireTerminalTransition(ctx, conn, id, res)
	})
}

// requireTerminalTransition raises NotFound/Conflict when a guarded
// UPDATE affected zero rows, distinguishing "doesn't exist" from
// "exists but isn't RUNNING" (spec.md §4.3).
func requireTerminalTransition(ctx context.Context, conn *sql.Conn, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dtserrors.WrapDBError("rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = conn.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return dtserrors.NotFound(fmt.Sprintf("task not found: %s", id), map[string]any{"id": id})
	}
	if err != nil {
		return dtserrors.WrapDBError("check current status", err)
	}
	return dtserrors.Conflict("task is not RUNNING; cannot transition", map[string]any{"id": id, "status": status})
}

// RecoverStaleRunning transitions RUNNING rows whose lease has expired:
// to QUEUED if retries remain, to FAILED if exhausted. Returns the
// count requeued and the count failed outright.
func (r *Repository) RecoverStaleRunning(ctx context.Context, now int64, maxAttempts int) (requeued int, failed int, err error) {
	err = r.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		requeuedRes, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = ?, lease_expires_at = NULL,
			    last_error = 'Recovered: lease expired; re-queued'
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ? AND attempts < ?
		`, string(types.StatusQueued), now, string(types.StatusRunning), now, maxAttempts)
		if err != nil {
			return dtserrors.WrapDBError("requeue stale running", err)
		}
		nRequeued, err := requeuedRes.RowsAffected()
		if err != nil {
			return dtserrors.WrapDBError("rows affected (requeue)", err)
		}

		failedRes, err := conn.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = ?, finished_at = COALESCE(finished_at, ?), lease_expires_at = NULL,
			    last_error = 'Recovered: lease expired; max attempts reached'
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ? AND attempts >= ?
		`, string(types.StatusFailed), now, now, string(types.StatusRunning), now, maxAttempts)
		if err != nil {
			return dtserrors.WrapDBError("fail stale running", err)
		}
		nFailed, err := failedRes.RowsAffected()
		if err != nil {
			return dtserrors.WrapDBError("rows affected (fail)", err)
		}

		requeued = int(nRequeued)
		failed = int(nFailed)
		return nil
	})
	return requeued, failed, err
}

// CountRunningLeased counts rows with status=RUNNING and an
// unexpired lease; used as the ground truth for scheduler capacity.
func (r *Repository) CountRunningLeased(ctx context.Context, now int64) (int, error) {
	var count int
	err := r.store.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at > ?
	`, string(types.StatusRunning), now).Scan(&count)
	if err != nil {
		return 0, dtserrors.WrapDBError("count running leased", err)
	}
	return count, nil
}

// GetTask returns a task by id along with its sorted dependency ids.
func (r *Repository) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task *types.Task
	err := r.store.withDeferredTx(ctx, func(conn *sql.Conn) error {
		t, err := scanTask(ctx, conn.QueryRowContext(ctx, taskSelectSQL+` WHERE id = ?`, id))
		if err != nil {
			return err
		}
		deps, err := dependenciesFor(ctx, conn, id)
		if err != nil {
			return err
		}
		t.Dependencies = deps
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns a page of tasks ordered by created_at ascending
// along with the total row count.
func (r *Repository) ListTasks(ctx context.Context, limit, offset int) ([]*types.Task, int, error) {
	var tasks []*types.Task
	var total int
	err := r.store.withDeferredTx(ctx, func(conn *sql.Conn) error {
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
			return dtserrors.WrapDBError("count tasks", err)
		}

		rows, err := conn.QueryContext(ctx, taskSelectSQL+` ORDER BY created_at ASC LIMIT ? OFFSET ?`, limit, offset)
		if err != nil {
			return dtserrors.WrapDBError("list tasks", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			t, err := scanTaskRow(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
			ids = append(ids, t.ID)
		}
		if err := rows.Err(); err != nil {
			return dtserrors.WrapDBError("iterate tasks", err)
		}

		for _, t := range tasks {
			deps, err := dependenciesFor(ctx, conn, t.ID)
			if err != nil {
				return err
			}
			t.Dependencies = deps
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func placeholdersFor(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ",")
}
