package repository

import (
	"context"
	"testing"
	"time"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func TestMemoryCreateAndGet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := v1.NewTask("user-1", "fix login bug", "/tmp/repo", v1.PriorityNormal)
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := repo.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Description != "fix login bug" {
		t.Errorf("unexpected description: %s", got.Description)
	}
	if got.Status != v1.TaskStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
}

func TestMemoryDuplicateID(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := v1.NewTask("user-1", "fix login bug", "/tmp/repo", v1.PriorityNormal)
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := repo.CreateTask(ctx, task); err != ErrTaskExists {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.GetTask(context.Background(), "missing"); err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestMemoryPartialUpdate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := v1.NewTask("user-1", "add feature", "/tmp/repo", v1.PriorityHigh)
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	running := v1.TaskStatusRunning
	pid := 4242
	if err := repo.UpdateTask(ctx, task.ID, Fields{Status: &running, PID: &pid}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	got, _ := repo.GetTask(ctx, task.ID)
	if got.Status != v1.TaskStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.PID == nil || *got.PID != 4242 {
		t.Errorf("expected pid 4242, got %v", got.PID)
	}
	// Untouched fields survive
	if got.Description != "add feature" {
		t.Errorf("description should be unchanged, got %s", got.Description)
	}

	// Terminal transition clears the pid
	completed := v1.TaskStatusCompleted
	result := "done"
	if err := repo.UpdateTask(ctx, task.ID, Fields{Status: &completed, Result: &result, ClearPID: true}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}
	got, _ = repo.GetTask(ctx, task.ID)
	if got.PID != nil {
		t.Error("pid should be cleared on terminal transition")
	}
	if got.Result == nil || *got.Result != "done" {
		t.Errorf("expected result 'done', got %v", got.Result)
	}
}

func TestMemoryClearError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := v1.NewTask("user-1", "broken", "/tmp/repo", v1.PriorityLow)
	_ = repo.CreateTask(ctx, task)

	failed := v1.TaskStatusFailed
	errMsg := "exit status 1"
	_ = repo.UpdateTask(ctx, task.ID, Fields{Status: &failed, Error: &errMsg})

	completed := v1.TaskStatusCompleted
	if err := repo.UpdateTask(ctx, task.ID, Fields{Status: &completed, ClearError: true}); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	got, _ := repo.GetTask(ctx, task.ID)
	if got.Error != nil {
		t.Errorf("error should be cleared, got %v", *got.Error)
	}
}

func TestMemoryAppendActivityOrdering(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := v1.NewTask("user-1", "long job", "/tmp/repo", v1.PriorityNormal)
	_ = repo.CreateTask(ctx, task)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := repo.AppendActivity(ctx, task.ID, v1.ActivityEntry{
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			Message:        "step",
			ElapsedSeconds: float64(i),
		})
		if err != nil {
			t.Fatalf("AppendActivity failed: %v", err)
		}
	}

	got, _ := repo.GetTask(ctx, task.ID)
	if len(got.ActivityLog) != 3 {
		t.Fatalf("expected 3 activity entries, got %d", len(got.ActivityLog))
	}
	for i := 1; i < len(got.ActivityLog); i++ {
		if got.ActivityLog[i].Timestamp.Before(got.ActivityLog[i-1].Timestamp) {
			t.Error("activity log must be ordered by non-decreasing timestamp")
		}
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	task := v1.NewTask("user-1", "copy me", "/tmp/repo", v1.PriorityNormal)
	_ = repo.CreateTask(ctx, task)

	got, _ := repo.GetTask(ctx, task.ID)
	got.Description = "mutated"

	again, _ := repo.GetTask(ctx, task.ID)
	if again.Description != "copy me" {
		t.Error("mutating a returned task must not affect the store")
	}
}

func TestMemoryListTasksNewestFirst(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := v1.NewTask("user-1", "first", "/tmp/repo", v1.PriorityNormal)
	first.CreatedAt = time.Now().UTC().Add(-time.Hour)
	_ = repo.CreateTask(ctx, first)

	second := v1.NewTask("user-1", "second", "/tmp/repo", v1.PriorityNormal)
	_ = repo.CreateTask(ctx, second)

	list, err := repo.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(list))
	}
	if list[0].Description != "second" {
		t.Errorf("expected newest task first, got %s", list[0].Description)
	}
}
