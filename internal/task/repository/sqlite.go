package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// SQLiteRepository provides SQLite-based task storage operations
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
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
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_activity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		message TEXT NOT NULL,
		elapsed_seconds REAL DEFAULT 0,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_owner_id ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_task_activity_task_id ON task_activity(task_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateTask creates a new task
func (r *SQLiteRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, description, workspace, model, agent_type, context, priority, status, pid, workflow, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.OwnerID, task.Description, task.Workspace, task.Model, task.AgentType, task.Context,
		string(task.Priority), string(task.Status), task.PID, task.Workflow, task.Result, task.Error,
		task.CreatedAt, task.UpdatedAt)

	return err
}

// GetTask retrieves a task by ID, including its activity log
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	task := &v1.Task{}
	var priority, status string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, description, workspace, model, agent_type, context, priority, status, pid, workflow, result, error, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id).Scan(&task.ID, &task.OwnerID, &task.Description, &task.Workspace, &task.Model, &task.AgentType,
		&task.Context, &priority, &status, &task.PID, &task.Workflow, &task.Result, &task.Error,
		&task.CreatedAt, &task.UpdatedAt)

	if err == sql.ErrNoRows {
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

// ListTasks returns all tasks, newest first. Activity logs are not loaded
// for listings; use GetTask for the full record.
func (r *SQLiteRepository) ListTasks(ctx context.Context) ([]*v1.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
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
func (r *SQLiteRepository) UpdateTask(ctx context.Context, id string, fields Fields) error {
	set := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	if fields.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*fields.Status))
	}
	if fields.PID != nil {
		set = append(set, "pid = ?")
		args = append(args, *fields.PID)
	}
	if fields.ClearPID {
		set = append(set, "pid = NULL")
	}
	if fields.Workflow != nil {
		set = append(set, "workflow = ?")
		args = append(args, *fields.Workflow)
	}
	if fields.Result != nil {
		set = append(set, "result = ?")
		args = append(args, *fields.Result)
	}
	if fields.Error != nil {
		set = append(set, "error = ?")
		args = append(args, *fields.Error)
	}
	if fields.ClearError {
		set = append(set, "error = NULL")
	}

	args = append(args, id)
	result, err := r.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(set, ", ")), args...)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// AppendActivity appends one progress entry to a task's activity log
func (r *SQLiteRepository) AppendActivity(ctx context.Context, id string, entry v1.ActivityEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_activity (task_id, timestamp, message, elapsed_seconds)
		VALUES (?, ?, ?, ?)
	`, id, entry.Timestamp, entry.Message, entry.ElapsedSeconds)
	return err
}

// loadActivity loads the activity log for a task in insertion order
func (r *SQLiteRepository) loadActivity(ctx context.Context, taskID string) ([]v1.ActivityEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT timestamp, message, elapsed_seconds FROM task_activity
		WHERE task_id = ? ORDER BY id
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
