// Package service implements task lifecycle operations on top of the
// storage layer, enforcing the status state machine on every write.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/repository"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// CreateParams holds the caller-supplied fields of a new task.
type CreateParams struct {
	TaskID      string // optional; generated when empty
	OwnerID     string
	Description string
	Workspace   string
	Model       string
	AgentType   string
	Context     *string
	Priority    v1.TaskPriority
}

// Service provides transition-checked task operations.
type Service struct {
	repo   repository.Repository
	logger *logger.Logger
}

// NewService creates a new task service.
func NewService(repo repository.Repository, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "task-service")),
	}
}

// Create validates and persists a new pending task.
func (s *Service) Create(ctx context.Context, params CreateParams) (*v1.Task, error) {
	if params.Description == "" {
		return nil, apperrors.Validation("description", "must not be empty")
	}
	if params.Workspace == "" {
		return nil, apperrors.Validation("workspace", "must not be empty")
	}

	task := v1.NewTask(params.OwnerID, params.Description, params.Workspace, params.Priority)
	if params.TaskID != "" {
		task.ID = params.TaskID
	}
	task.Model = params.Model
	task.AgentType = params.AgentType
	task.Context = params.Context

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, apperrors.Wrap(err, "failed to create task")
	}

	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("owner_id", task.OwnerID),
		zap.String("priority", string(task.Priority)))
	return task, nil
}

// Get retrieves a task by ID.
func (s *Service) Get(ctx context.Context, taskID string) (*v1.Task, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err == repository.ErrTaskNotFound {
		return nil, apperrors.NotFound("task", taskID)
	}
	return task, err
}

// List returns all tasks, newest first.
func (s *Service) List(ctx context.Context) ([]*v1.Task, error) {
	return s.repo.ListTasks(ctx)
}

// MarkRunning records the pending -> running transition together with the
// agent process id, so a running task is always recoverable and killable
// even before any output has been read.
func (s *Service) MarkRunning(ctx context.Context, taskID string, pid int) error {
	if err := s.checkTransition(ctx, taskID, v1.TaskStatusRunning); err != nil {
		return err
	}
	running := v1.TaskStatusRunning
	return s.repo.UpdateTask(ctx, taskID, repository.Fields{Status: &running, PID: &pid})
}

// MarkCompleted records a successful terminal transition with the result text.
func (s *Service) MarkCompleted(ctx context.Context, taskID string, result string) error {
	if err := s.checkTransition(ctx, taskID, v1.TaskStatusCompleted); err != nil {
		return err
	}
	completed := v1.TaskStatusCompleted
	return s.repo.UpdateTask(ctx, taskID, repository.Fields{
		Status:   &completed,
		Result:   &result,
		ClearPID: true,
	})
}

// MarkFailed records a failed terminal transition with the error text.
func (s *Service) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	if err := s.checkTransition(ctx, taskID, v1.TaskStatusFailed); err != nil {
		return err
	}
	failed := v1.TaskStatusFailed
	return s.repo.UpdateTask(ctx, taskID, repository.Fields{
		Status:   &failed,
		Error:    &errMsg,
		ClearPID: true,
	})
}

// MarkStopped records an operator-initiated stop, preserving whatever
// partial output had been captured so far.
func (s *Service) MarkStopped(ctx context.Context, taskID string, partialOutput string) error {
	if err := s.checkTransition(ctx, taskID, v1.TaskStatusStopped); err != nil {
		return err
	}
	stopped := v1.TaskStatusStopped
	fields := repository.Fields{Status: &stopped, ClearPID: true}
	if partialOutput != "" {
		fields.Result = &partialOutput
	}
	return s.repo.UpdateTask(ctx, taskID, fields)
}

// MarkFixed is the administrative failed -> completed override: the operator
// asserts the failure was remedied out of band. Rejected from any other state.
func (s *Service) MarkFixed(ctx context.Context, taskID string) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != v1.TaskStatusFailed {
		return apperrors.Validation("status",
			"mark fixed is only legal from 'failed', task is '"+string(task.Status)+"'")
	}
	completed := v1.TaskStatusCompleted
	err = s.repo.UpdateTask(ctx, taskID, repository.Fields{Status: &completed, ClearError: true})
	if err == nil {
		s.logger.Info("task marked fixed", zap.String("task_id", taskID))
	}
	return err
}

// SetWorkflow records the routing classification assigned mid-execution.
func (s *Service) SetWorkflow(ctx context.Context, taskID, workflow string) error {
	return s.repo.UpdateTask(ctx, taskID, repository.Fields{Workflow: &workflow})
}

// RecordProgress appends one entry to the task's activity log.
func (s *Service) RecordProgress(ctx context.Context, taskID, message string, elapsed time.Duration) error {
	return s.repo.AppendActivity(ctx, taskID, v1.ActivityEntry{
		Timestamp:      time.Now().UTC(),
		Message:        message,
		ElapsedSeconds: elapsed.Seconds(),
	})
}

// checkTransition loads the task and validates the requested status edge.
// Illegal edges are rejected with a validation error and the task unchanged.
func (s *Service) checkTransition(ctx context.Context, taskID string, to v1.TaskStatus) error {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := v1.ValidateTransition(task.Status, to); err != nil {
		s.logger.Warn("rejected task transition",
			zap.String("task_id", taskID),
			zap.String("from", string(task.Status)),
			zap.String("to", string(to)))
		return apperrors.Validation("status", err.Error())
	}
	return nil
}
