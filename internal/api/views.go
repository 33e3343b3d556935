package api

import "github.com/example/dts/internal/types"

// TaskView is the wire shape of a task returned to clients (spec.md §6).
type TaskView struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	DurationMS     int64    `json:"duration_ms"`
	Status         string   `json:"status"`
	RemainingDeps  int      `json:"remaining_deps"`
	Attempts       int      `json:"attempts"`
	MaxAttempts    int      `json:"max_attempts"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
	StartedAt      *int64   `json:"started_at,omitempty"`
	FinishedAt     *int64   `json:"finished_at,omitempty"`
	LeaseExpiresAt *int64   `json:"lease_expires_at,omitempty"`
	LastError      *string  `json:"last_error,omitempty"`
	Dependencies   []string `json:"dependencies"`
}

func newTaskView(t *types.Task) TaskView {
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return TaskView{
		ID:             t.ID,
		Type:           t.Type,
		DurationMS:     t.DurationMS,
		Status:         string(t.Status),
		RemainingDeps:  t.RemainingDeps,
		Attempts:       t.Attempts,
		MaxAttempts:    t.MaxAttempts,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		StartedAt:      t.StartedAt,
		FinishedAt:     t.FinishedAt,
		LeaseExpiresAt: t.LeaseExpiresAt,
		LastError:      t.LastError,
		Dependencies:   deps,
	}
}

// ErrorResponse is the wire shape of every non-2xx response (spec.md §7).
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// batchRequest is the POST /tasks/batch request body.
type batchRequest struct {
	Tasks []types.TaskCreate `json:"tasks"`
}

// batchResponse is the POST /tasks/batch response body.
type batchResponse struct {
	Created []string `json:"created"`
	Count   int      `json:"count"`
}

type listResponse struct {
	Tasks []TaskView `json:"tasks"`
	Total int        `json:"total"`
}
