package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

func setupSQLiteRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteCreateAndGet(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	taskContext := "extra details"
	task := v1.NewTask("operator", "fix the login bug", "/tmp/ws", v1.PriorityHigh)
	task.Model = "gpt-large"
	task.AgentType = "coder"
	task.Context = &taskContext

	require.NoError(t, repo.CreateTask(ctx, task))

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "operator", got.OwnerID)
	assert.Equal(t, "fix the login bug", got.Description)
	assert.Equal(t, v1.PriorityHigh, got.Priority)
	assert.Equal(t, v1.TaskStatusPending, got.Status)
	assert.Equal(t, "gpt-large", got.Model)
	require.NotNil(t, got.Context)
	assert.Equal(t, taskContext, *got.Context)
	assert.Nil(t, got.PID)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
}

func TestSQLiteGetMissing(t *testing.T) {
	repo := setupSQLiteRepo(t)

	_, err := repo.GetTask(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLiteDuplicateID(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	task := v1.NewTask("operator", "fix bug", "/tmp/ws", v1.PriorityNormal)
	require.NoError(t, repo.CreateTask(ctx, task))
	assert.Error(t, repo.CreateTask(ctx, task))
}

func TestSQLitePartialUpdate(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	task := v1.NewTask("operator", "fix bug", "/tmp/ws", v1.PriorityNormal)
	require.NoError(t, repo.CreateTask(ctx, task))

	// pending -> running with pid
	running := v1.TaskStatusRunning
	pid := 4242
	require.NoError(t, repo.UpdateTask(ctx, task.ID, Fields{Status: &running, PID: &pid}))

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, pid, *got.PID)

	// running -> completed, pid cleared, result set
	completed := v1.TaskStatusCompleted
	result := "done"
	require.NoError(t, repo.UpdateTask(ctx, task.ID, Fields{
		Status:   &completed,
		ClearPID: true,
		Result:   &result,
	}))

	got, err = repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, got.Status)
	assert.Nil(t, got.PID)
	require.NotNil(t, got.Result)
	assert.Equal(t, "done", *got.Result)
	assert.Nil(t, got.Error)
}

func TestSQLiteUpdateMissing(t *testing.T) {
	repo := setupSQLiteRepo(t)

	running := v1.TaskStatusRunning
	err := repo.UpdateTask(context.Background(), "no-such-id", Fields{Status: &running})
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSQLiteClearError(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	task := v1.NewTask("operator", "fix bug", "/tmp/ws", v1.PriorityNormal)
	require.NoError(t, repo.CreateTask(ctx, task))

	failed := v1.TaskStatusFailed
	errMsg := "exit status 2"
	require.NoError(t, repo.UpdateTask(ctx, task.ID, Fields{Status: &failed, Error: &errMsg}))

	// The administrative failed -> completed override clears the error.
	completed := v1.TaskStatusCompleted
	require.NoError(t, repo.UpdateTask(ctx, task.ID, Fields{Status: &completed, ClearError: true}))

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, got.Status)
	assert.Nil(t, got.Error)
}

func TestSQLiteActivityLogOrdering(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	task := v1.NewTask("operator", "fix bug", "/tmp/ws", v1.PriorityNormal)
	require.NoError(t, repo.CreateTask(ctx, task))

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.AppendActivity(ctx, task.ID, v1.ActivityEntry{
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			Message:        "step",
			ElapsedSeconds: float64(i),
		}))
	}

	got, err := repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.ActivityLog, 5)
	for i, entry := range got.ActivityLog {
		assert.Equal(t, float64(i), entry.ElapsedSeconds, "entries must keep append order")
	}
}

func TestSQLiteListNewestFirst(t *testing.T) {
	repo := setupSQLiteRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := v1.NewTask("operator", "fix bug", "/tmp/ws", v1.PriorityNormal)
		task.CreatedAt = task.CreatedAt.Add(time.Duration(i) * time.Minute)
		task.UpdatedAt = task.CreatedAt
		require.NoError(t, repo.CreateTask(ctx, task))
	}

	all, err := repo.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i-1].CreatedAt.Before(all[i].CreatedAt), "list must be newest first")
	}
}
