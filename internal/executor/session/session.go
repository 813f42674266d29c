// Package session spawns and supervises one external coding-agent process
// per task, bounded by a concurrency ceiling separate from the worker pool.
package session

import (
	"os/exec"
	"sync/atomic"
	"time"
)

// Observer receives lifecycle notifications for one task's agent process.
// OnWorkflow fires once classification resolves, before the process spawns,
// so the routing label is visible in storage for the whole run. OnPID is
// invoked exactly once, strictly before the first OnProgress call, so the
// caller can persist the pid before any output has been read.
type Observer interface {
	OnWorkflow(workflow string)
	OnPID(pid int)
	OnProgress(message string, elapsed time.Duration)
}

// Spec carries the task fields forwarded to the agent process.
type Spec struct {
	TaskID      string
	Description string
	Workspace   string
	Model       string
	AgentType   string
	Context     *string
	BotRepoPath *string
}

// Result is the outcome of one agent process run.
type Result struct {
	Success    bool
	Output     string
	PID        int
	Workflow   string
	Terminated bool // an explicit stop request ended the process
}

// session tracks one live agent process in the active-sessions table.
type session struct {
	taskID     string
	cmd        *exec.Cmd
	pid        int
	startedAt  time.Time
	terminated atomic.Bool
}
