// Package types defines the task and dependency model shared by the
// storage, engine, and API layers.
package types

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"

	// StatusBlocked is reserved for a future failure-propagation policy.
	// No code path in this package ever assigns it to a task.
	StatusBlocked Status = "BLOCKED"
)

// TaskCreate is the client-supplied shape of a new task.
type TaskCreate struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	DurationMS   int64    `json:"duration_ms"`
	Dependencies []string `json:"dependencies"`
}

// Task is the persisted row shape.
type Task struct {
	ID              string
	Type            string
	DurationMS      int64
	Status          Status
	RemainingDeps   int
	Attempts        int
	MaxAttempts     int
	CreatedAt       int64
	UpdatedAt       int64
	StartedAt       *int64
	FinishedAt      *int64
	LeaseExpiresAt  *int64
	LastError       *string
	Dependencies    []string
}

// ClaimedTask is the descriptor handed from the scheduler to a worker.
type ClaimedTask struct {
	ID         string
	DurationMS int64
}
