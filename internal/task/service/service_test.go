package service

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/dispatchd/dispatchd/internal/common/errors"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/task/repository"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewService(repository.NewMemoryRepository(), log)
}

func createTask(t *testing.T, svc *Service) *v1.Task {
	t.Helper()
	task, err := svc.Create(context.Background(), CreateParams{
		OwnerID:     "user-1",
		Description: "fix the flaky test",
		Workspace:   "/tmp/repo",
		Priority:    v1.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return task
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateParams{Workspace: "/tmp"}); !apperrors.IsValidation(err) {
		t.Errorf("expected validation error for empty description, got %v", err)
	}
	if _, err := svc.Create(ctx, CreateParams{Description: "x"}); !apperrors.IsValidation(err) {
		t.Errorf("expected validation error for empty workspace, got %v", err)
	}
}

func TestFullLifecycleToCompleted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc)

	if err := svc.MarkRunning(ctx, task.ID, 1234); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	got, _ := svc.Get(ctx, task.ID)
	if got.Status != v1.TaskStatusRunning || got.PID == nil || *got.PID != 1234 {
		t.Errorf("expected running with pid 1234, got %s pid=%v", got.Status, got.PID)
	}

	if err := svc.MarkCompleted(ctx, task.ID, "done"); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	got, _ = svc.Get(ctx, task.ID)
	if got.Status != v1.TaskStatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "done" {
		t.Errorf("expected result 'done', got %v", got.Result)
	}
	if got.PID != nil {
		t.Error("pid must be nil once the task is no longer running")
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc)

	// pending -> completed skips running
	if err := svc.MarkCompleted(ctx, task.ID, "nope"); !apperrors.IsValidation(err) {
		t.Errorf("expected validation error for pending -> completed, got %v", err)
	}
	// Status must be unchanged after a rejection
	got, _ := svc.Get(ctx, task.ID)
	if got.Status != v1.TaskStatusPending {
		t.Errorf("status changed after rejected transition: %s", got.Status)
	}

	_ = svc.MarkRunning(ctx, task.ID, 1)
	_ = svc.MarkCompleted(ctx, task.ID, "ok")

	// terminal -> running is rejected
	if err := svc.MarkRunning(ctx, task.ID, 2); !apperrors.IsValidation(err) {
		t.Errorf("expected validation error for completed -> running, got %v", err)
	}
}

// A spawn failure fails the task straight from pending; no pid ever existed.
func TestMarkFailedFromPending(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc)

	if err := svc.MarkFailed(ctx, task.ID, "fork/exec /nonexistent/agent: no such file or directory"); err != nil {
		t.Fatalf("MarkFailed from pending failed: %v", err)
	}
	got, _ := svc.Get(ctx, task.ID)
	if got.Status != v1.TaskStatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.Error == nil {
		t.Error("expected the spawn error to be recorded")
	}
	if got.PID != nil {
		t.Error("a task that never spawned must have no pid")
	}
}

func TestMarkStoppedPreservesPartialOutput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc)

	_ = svc.MarkRunning(ctx, task.ID, 99)
	_ = svc.RecordProgress(ctx, task.ID, "halfway there", 30*time.Second)

	if err := svc.MarkStopped(ctx, task.ID, "partial output"); err != nil {
		t.Fatalf("MarkStopped failed: %v", err)
	}

	got, _ := svc.Get(ctx, task.ID)
	if got.Status != v1.TaskStatusStopped {
		t.Errorf("expected stopped, got %s", got.Status)
	}
	if got.Result == nil || *got.Result != "partial output" {
		t.Errorf("expected preserved partial output, got %v", got.Result)
	}
	if len(got.ActivityLog) != 1 || got.ActivityLog[0].Message != "halfway there" {
		t.Error("activity log recorded before the stop must survive it")
	}
}

func TestMarkFixed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	task := createTask(t, svc)

	// Only legal from failed
	if err := svc.MarkFixed(ctx, task.ID); !apperrors.IsValidation(err) {
		t.Errorf("expected validation error for mark fixed on pending task, got %v", err)
	}

	_ = svc.MarkRunning(ctx, task.ID, 7)
	_ = svc.MarkFailed(ctx, task.ID, "exit status 2")

	if err := svc.MarkFixed(ctx, task.ID); err != nil {
		t.Fatalf("MarkFixed failed: %v", err)
	}

	got, _ := svc.Get(ctx, task.ID)
	if got.Status != v1.TaskStatusCompleted {
		t.Errorf("expected completed after mark fixed, got %s", got.Status)
	}
	if got.Error != nil {
		t.Errorf("error must be cleared by mark fixed, got %v", *got.Error)
	}
}

func TestGetNotFound(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Get(context.Background(), "missing"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not found error, got %v", err)
	}
}
