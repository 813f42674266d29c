package service

// Wire protocol for the unix-socket IPC: one newline-delimited JSON
// request per connection, one JSON response, then the connection closes.

// Supported actions.
const (
	ActionSubmitTask = "submit_task"
	ActionStopTask   = "stop_task"
	ActionHealth     = "health"
)

// Response statuses.
const (
	StatusQueued     = "queued"
	StatusStopped    = "stopped"
	StatusNotRunning = "not_running"
	StatusHealthy    = "healthy"
)

// Request is the single inbound message shape. Fields beyond action are
// only meaningful for submit_task and stop_task.
type Request struct {
	Action      string  `json:"action"`
	TaskID      string  `json:"task_id,omitempty"`
	Description string  `json:"description,omitempty"`
	Workspace   string  `json:"workspace,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	Model       string  `json:"model,omitempty"`
	AgentType   string  `json:"agent_type,omitempty"`
	Context     *string `json:"context,omitempty"`
	BotRepoPath *string `json:"bot_repo_path,omitempty"`
}

// Response acknowledges submit_task and stop_task, or carries an error.
type Response struct {
	Status string `json:"status,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the health action's load snapshot. Counts are always
// present on the wire, including zeros.
type HealthResponse struct {
	Status        string `json:"status"`
	ActiveTasks   int    `json:"active_tasks"`
	QueuedTasks   int    `json:"queued_tasks"`
	UptimeSeconds int    `json:"uptime_seconds"`
}
