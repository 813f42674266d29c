package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// PostgresRepository provides PostgreSQL-based task storage backed by a
// pgxpool connection pool, so no storage handle is ever tied to one
// goroutine or OS thread.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository from a DSN.
func NewPostgresRepository(ctx context.Context, dsn string, maxConns, minConns int) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MinConns = int32(minConns)
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		description TEXT NOT NULL,
		workspace TEXT NOT NULL,
		model TEXT DEFAULT '',
		agent_type TEXT DEFAULT '',
		context TEXT,
		priority TEXT NOT NULL DEFAULT 'NORMAL',
		status TEXT NOT NULL DEFAULT 'pending',
		pid INTEGER,
		workflow TEXT,
		result TEXT,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_activity (
		id BIGSERIAL PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		timestamp TIMESTAMPTZ NOT NULL,
		message TEXT NOT NULL,
		elapsed_seconds DOUBLE PRECISION DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner_id ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_task_activity_task_id ON task_activity(task_id);
	`

	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateTask creates a new task
func (r *PostgresRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO tasks (id, owner_id, description, workspace, model, agent_type, context, priority, status, pid, workflow, result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, task.ID, task.OwnerID, task.Description, task.Workspace, task.Model, task.AgentType, task.Context,
		string(task.Priority), string(task.Status), task.PID, task.Workflow, task.Result, task.Error,
		task.CreatedAt, task.UpdatedAt)

	return err
}

// GetTask retrieves a task by ID, including its activity log
func (r *PostgresRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	task := &v1.Task{}
	var priority, status string

	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, description, workspace, model, agent_type, context, priority, status, pid, workflow, result, error, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id).Scan(&task.ID, &task.OwnerID, &task.Description, &task.Workspace, &task.Model, &task.AgentType,
		&task.Context, &priority, &status, &task.PID, &task.Workflow, &task.Result, &task.Error,
		&task.CreatedAt, &task.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	task.Priority = v1.TaskPriority(priority)
	task.Status = v1.TaskStatus(status)

	activity, err := r.loadActivity(ctx, id)
	if err != nil {
		return nil, err
	}
	task.ActivityLog = activity

	return task, nil
}

// ListTasks returns all tasks, newest first
func (r *PostgresRepository) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, description, workspace, model, agent_type, context, priority, status, pid, workflow, result, error, created_at, updated_at
		FROM tasks ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Task
	for rows.Next() {
		task := &v1.Task{}
		var priority, status string
		err := rows.Scan(&task.ID, &task.OwnerID, &task.Description, &task.Workspace, &task.Model, &task.AgentType,
			&task.Context, &priority, &status, &task.PID, &task.Workflow, &task.Result, &task.Error,
			&task.CreatedAt, &task.UpdatedAt)
		if err != nil {
			return nil, err
		}
		task.Priority = v1.TaskPriority(priority)
		task.Status = v1.TaskStatus(status)
		result = append(result, task)
	}
	return result, rows.Err()
}

// UpdateTask applies a partial field update to a task
func (r *PostgresRepository) UpdateTask(ctx context.Context, id string, fields Fields) error {
	set := []string{"updated_at = $1"}
	args := []interface{}{time.Now().UTC()}

	next := func() string { return fmt.Sprintf("$%d", len(args)+1) }

	if fields.Status != nil {
		set = append(set, "status = "+next())
		args = append(args, string(*fields.Status))
	}
	if fields.PID != nil {
		set = append(set, "pid = "+next())
		args = append(args, *fields.PID)
	}
	if fields.ClearPID {
		set = append(set, "pid = NULL")
	}
	if fields.Workflow != nil {
		set = append(set, "workflow = "+next())
		args = append(args, *fields.Workflow)
	}
	if fields.Result != nil {
		set = append(set, "result = "+next())
		args = append(args, *fields.Result)
	}
	if fields.Error != nil {
		set = append(set, "error = "+next())
		args = append(args, *fields.Error)
	}
	if fields.ClearError {
		set = append(set, "error = NULL")
	}

	where := next()
	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = %s", strings.Join(set, ", "), where)

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// AppendActivity appends one progress entry to a task's activity log
func (r *PostgresRepository) AppendActivity(ctx context.Context, id string, entry v1.ActivityEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_activity (task_id, timestamp, message, elapsed_seconds)
		VALUES ($1, $2, $3, $4)
	`, id, entry.Timestamp, entry.Message, entry.ElapsedSeconds)
	return err
}

// loadActivity loads the activity log for a task in insertion order
func (r *PostgresRepository) loadActivity(ctx context.Context, taskID string) ([]v1.ActivityEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT timestamp, message, elapsed_seconds FROM task_activity
		WHERE task_id = $1 ORDER BY id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []v1.ActivityEntry
	for rows.Next() {
		var entry v1.ActivityEntry
		if err := rows.Scan(&entry.Timestamp, &entry.Message, &entry.ElapsedSeconds); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}
