// Package v1 defines the public task types shared by the executor service,
// its client library, and the storage layer.
package v1

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle status of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusStopped   TaskStatus = "stopped"
)

// IsTerminal returns true if no further forward transition exists,
// other than the administrative failed -> completed override.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped:
		return true
	}
	return false
}

// validTransitions enumerates every legal status edge. The pending -> failed
// edge covers spawn failures, where the agent process never produced a pid.
// The failed -> completed edge is the "mark fixed" administrative override.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusFailed},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped},
	TaskStatusFailed:  {TaskStatusCompleted},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error describing the rejected edge, or nil.
// Backward and sideways transitions are rejected loudly so bugs in calling
// code are observable rather than silently absorbed.
func ValidateTransition(from, to TaskStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// TaskPriority orders tasks in the worker pool queue
type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityNormal TaskPriority = "NORMAL"
	PriorityHigh   TaskPriority = "HIGH"
)

// Weight returns the numeric scheduling weight; higher runs first.
func (p TaskPriority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// ParsePriority validates and converts a priority string from the wire.
func ParsePriority(s string) (TaskPriority, error) {
	switch TaskPriority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return TaskPriority(s), nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("invalid priority: %q", s)
}

// ActivityEntry is one progress record in a task's append-only activity log
type ActivityEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	Message        string    `json:"message"`
	ElapsedSeconds float64   `json:"elapsed_seconds,omitempty"`
}

// Task represents one unit of routed work and its persisted lifecycle state
type Task struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Description string          `json:"description"`
	Workspace   string          `json:"workspace"`
	Model       string          `json:"model,omitempty"`
	AgentType   string          `json:"agent_type,omitempty"`
	Context     *string         `json:"context,omitempty"`
	Priority    TaskPriority    `json:"priority"`
	Status      TaskStatus      `json:"status"`
	PID         *int            `json:"pid,omitempty"`
	Workflow    *string         `json:"workflow,omitempty"`
	Result      *string         `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	ActivityLog []ActivityEntry `json:"activity_log,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewTask creates a pending task with a generated ID and timestamps.
func NewTask(ownerID, description, workspace string, priority TaskPriority) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Description: description,
		Workspace:   workspace,
		Priority:    priority,
		Status:      TaskStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
