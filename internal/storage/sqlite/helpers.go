package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/example/dts/internal/dtserrors"
	"github.com/example/dts/internal/types"
)

const maxDurationMS = 24 * 60 * 60 * 1000 // 24h, spec.md §3
const maxIDTypeLen = 256                  // spec.md §3/§6: id and type are 1..256 chars

// validateTaskCreate enforces the semantic rules spec.md §3/§4.3 layer
// on top of a schema-valid TaskCreate: non-empty, length-bounded
// identifiers, a positive bounded duration, and a dependency list free
// of self-edges and duplicates.
func validateTaskCreate(t types.TaskCreate) error {
	if t.ID == "" {
		return dtserrors.Validation("task id must not be empty", nil)
	}
	if utf8.RuneCountInString(t.ID) > maxIDTypeLen {
		return dtserrors.Validation("task id must be at most 256 characters", map[string]any{"id": t.ID})
	}
	if t.Type == "" {
		return dtserrors.Validation("task type must not be empty", map[string]any{"id": t.ID})
	}
	if utf8.RuneCountInString(t.Type) > maxIDTypeLen {
		return dtserrors.Validation("task type must be at most 256 characters", map[string]any{"id": t.ID})
	}
	if t.DurationMS <= 0 || t.DurationMS > maxDurationMS {
		return dtserrors.Validation("duration_ms must be positive and at most 24h", map[string]any{"id": t.ID, "duration_ms": t.DurationMS})
	}
	seen := make(map[string]bool, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return dtserrors.Validation("task cannot depend on itself", map[string]any{"id": t.ID})
		}
		if seen[dep] {
			return dtserrors.Validation("duplicate dependency", map[string]any{"id": t.ID, "dependency": dep})
		}
		seen[dep] = true
	}
	return nil
}

// missingDependencyIDs returns which of ids have no corresponding row
// in tasks.
func missingDependencyIDs(ctx context.Context, conn *sql.Conn, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := placeholdersFor(len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM tasks WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, dtserrors.WrapDBError("query existing dependencies", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dtserrors.WrapDBError("scan dependency id", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, dtserrors.WrapDBError("iterate dependency ids", err)
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// existingTaskIDs returns which of ids already have a row in tasks.
func existingTaskIDs(ctx context.Context, conn *sql.Conn, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := placeholdersFor(len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM tasks WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, dtserrors.WrapDBError("query existing task ids", err)
	}
	defer rows.Close()

	var existing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dtserrors.WrapDBError("scan existing task id", err)
		}
		existing = append(existing, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dtserrors.WrapDBError("iterate existing task ids", err)
	}
	sort.Strings(existing)
	return existing, nil
}

// countIncompleteDependencies counts how many of ids currently refer
// to a task that is not yet COMPLETED — the initial remaining_deps
// value for a freshly inserted task (spec.md §3).
func countIncompleteDependencies(ctx context.Context, conn *sql.Conn, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := placeholdersFor(len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(types.StatusCompleted))
	for _, id := range ids {
		args = append(args, id)
	}
	var count int
	err := conn.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM tasks WHERE status != ? AND id IN (%s)`, placeholders,
	), args...).Scan(&count)
	if err != nil {
		return 0, dtserrors.WrapDBError("count incomplete dependencies", err)
	}
	return count, nil
}

// externalIncompleteDeps reports, for each id outside the batch being
// inserted, whether that task is not yet COMPLETED.
func externalIncompleteDeps(ctx context.Context, conn *sql.Conn, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	placeholders := placeholdersFor(len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(types.StatusCompleted))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT id FROM tasks WHERE status != ? AND id IN (%s)`, placeholders,
	), args...)
	if err != nil {
		return nil, dtserrors.WrapDBError("query external incomplete deps", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dtserrors.WrapDBError("scan external incomplete dep", err)
		}
		result[id] = true
	}
	return result, rows.Err()
}

// wouldCreateCycle answers: if newID depended on each of newDeps right
// now, would the dependency graph contain a cycle? It walks backward
// from each proposed dependency via a recursive CTE over the existing
// deps table, checking whether newID is reachable — i.e. whether
// newID is (transitively) a dependency of one of newDeps, which is
// exactly the condition under which adding the edge closes a cycle.
func wouldCreateCycle(ctx context.Context, conn *sql.Conn, newID string, newDeps []string) (bool, error) {
	for _, dep := range newDeps {
		var hit int
		err := conn.QueryRowContext(ctx, `
			WITH RECURSIVE reachable(id) AS (
				SELECT depends_on_id FROM deps WHERE task_id = ?
				UNION
				SELECT d.depends_on_id FROM deps d
				JOIN reachable r ON d.task_id = r.id
			)
			SELECT 1 FROM reachable WHERE id = ? LIMIT 1
		`, dep, newID).Scan(&hit)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, dtserrors.WrapDBError("cycle reachability check", err)
		}
		if hit == 1 {
			return true, nil
		}
	}
	return false, nil
}

// assertNoCycleWithinBatch runs Kahn's algorithm over the subgraph
// restricted to edges whose tail is also a member of the batch. A
// dependency on a task already persisted is, by construction, acyclic
// (it was accepted before this batch existed), so only batch-internal
// edges can introduce a new cycle.
func assertNoCycleWithinBatch(tasks []types.TaskCreate, batchIDSet map[string]bool) error {
	indegree := make(map[string]int, len(tasks))
	adj := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !batchIDSet[dep] {
				continue
			}
			// edge dep -> t.ID: t.ID depends on dep, so dep must come first.
			adj[dep] = append(adj[dep], t.ID)
			indegree[t.ID]++
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		next := adj[id]
		sort.Strings(next)
		for _, n := range next {
			indegree[n]--
			if indegree[n] == 0 {
				queue = append(queue, n)
			}
		}
	}

	if visited != len(indegree) {
		return dtserrors.CycleDetected("batch contains a dependency cycle", nil)
	}
	return nil
}

const taskSelectSQL = `
	SELECT id, type, duration_ms, status, remaining_deps, attempts, max_attempts,
	       created_at, updated_at, started_at, finished_at, lease_expires_at, last_error
	FROM tasks
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(ctx context.Context, row *sql.Row) (*types.Task, error) {
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, dtserrors.NotFound("task not found", nil)
	}
	return t, err
}

func scanTaskRow(row rowScanner) (*types.Task, error) {
	var t types.Task
	var status string
	err := row.Scan(
		&t.ID, &t.Type, &t.DurationMS, &status, &t.RemainingDeps, &t.Attempts, &t.MaxAttempts,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.FinishedAt, &t.LeaseExpiresAt, &t.LastError,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, dtserrors.WrapDBError("scan task row", err)
	}
	t.Status = types.Status(status)
	return &t, nil
}

// dependenciesFor returns the sorted dependency ids of id.
func dependenciesFor(ctx context.Context, conn *sql.Conn, id string) ([]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT depends_on_id FROM deps WHERE task_id = ? ORDER BY depends_on_id`, id)
	if err != nil {
		return nil, dtserrors.WrapDBError("query dependencies", err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, dtserrors.WrapDBError("scan dependency", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}
