package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// MemoryRepository provides in-memory task storage operations
type MemoryRepository struct {
	tasks map[string]*v1.Task
	mu    sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory task repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks: make(map[string]*v1.Task),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateTask creates a new task
func (r *MemoryRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if _, ok := r.tasks[task.ID]; ok {
		return ErrTaskExists
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	stored := cloneTask(task)
	r.tasks[task.ID] = stored
	return nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// ListTasks returns all tasks, newest first
func (r *MemoryRepository) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*v1.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		result = append(result, cloneTask(task))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateTask applies a partial field update to a task
func (r *MemoryRepository) UpdateTask(ctx context.Context, id string, fields Fields) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	if fields.Status != nil {
		task.Status = *fields.Status
	}
	if fields.PID != nil {
		task.PID = fields.PID
	}
	if fields.ClearPID {
		task.PID = nil
	}
	if fields.Workflow != nil {
		task.Workflow = fields.Workflow
	}
	if fields.Result != nil {
		task.Result = fields.Result
	}
	if fields.Error != nil {
		task.Error = fields.Error
	}
	if fields.ClearError {
		task.Error = nil
	}
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendActivity appends one progress entry to a task's activity log
func (r *MemoryRepository) AppendActivity(ctx context.Context, id string, entry v1.ActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.ActivityLog = append(task.ActivityLog, entry)
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// cloneTask returns a deep copy so callers never share mutable state with
// the store.
func cloneTask(task *v1.Task) *v1.Task {
	clone := *task
	if task.PID != nil {
		pid := *task.PID
		clone.PID = &pid
	}
	clone.Context = cloneString(task.Context)
	clone.Workflow = cloneString(task.Workflow)
	clone.Result = cloneString(task.Result)
	clone.Error = cloneString(task.Error)
	if task.ActivityLog != nil {
		clone.ActivityLog = make([]v1.ActivityEntry, len(task.ActivityLog))
		copy(clone.ActivityLog, task.ActivityLog)
	}
	return &clone
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
