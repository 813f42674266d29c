package repository

import (
	"context"
	"errors"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// ErrTaskNotFound is returned when no task matches the requested ID.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskExists is returned when creating a task whose ID is already taken.
var ErrTaskExists = errors.New("task already exists")

// Fields describes a partial task update. Nil pointers leave the column
// untouched; every update is an independent, idempotent write so no
// multi-step transaction ever spans the IPC boundary.
type Fields struct {
	Status     *v1.TaskStatus
	PID        *int
	ClearPID   bool
	Workflow   *string
	Result     *string
	Error      *string
	ClearError bool
}

// Repository defines the interface for task storage operations
type Repository interface {
	// CreateTask persists a new task.
	CreateTask(ctx context.Context, task *v1.Task) error

	// GetTask retrieves a task by ID, including its activity log.
	GetTask(ctx context.Context, id string) (*v1.Task, error)

	// ListTasks returns all tasks, newest first.
	ListTasks(ctx context.Context) ([]*v1.Task, error)

	// UpdateTask applies a partial field update to a task.
	UpdateTask(ctx context.Context, id string, fields Fields) error

	// AppendActivity appends one progress entry to a task's activity log.
	AppendActivity(ctx context.Context, id string, entry v1.ActivityEntry) error

	// Close closes the repository (for database connections)
	Close() error
}
