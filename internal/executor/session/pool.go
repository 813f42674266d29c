package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/executor/routing"
)

// Config holds session pool configuration.
type Config struct {
	MaxSessions      int           // concurrent agent processes (M)
	AgentCommand     string        // agent binary
	ExtraArgs        []string      // prepended to the generated arguments
	Env              []string      // additional environment, KEY=VALUE
	ProgressInterval time.Duration // minimum interval between progress notifications
	DefaultWorkflow  string        // fallback when routing fails
}

// Pool bounds concurrent agent processes and multiplexes their progress and
// termination. The active-sessions table is mutated only by the pool itself;
// TerminateSession is its sole outside-facing read path.
type Pool struct {
	cfg    Config
	router routing.Router
	logger *logger.Logger
	sem    *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewPool creates a session pool.
func NewPool(cfg Config, router routing.Router, log *logger.Logger) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 2 * time.Second
	}
	if cfg.DefaultWorkflow == "" {
		cfg.DefaultWorkflow = routing.DefaultWorkflow
	}
	return &Pool{
		cfg:      cfg,
		router:   router,
		logger:   log.WithFields(zap.String("component", "session-pool")),
		sem:      semaphore.NewWeighted(int64(cfg.MaxSessions)),
		sessions: make(map[string]*session),
	}
}

// ActiveCount returns the number of live agent processes.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// ExecuteTask runs one agent process for the task, blocking the calling
// worker until a concurrency slot frees. The observer's OnWorkflow fires
// once routing resolves, OnPID as soon as the OS process id is known, and
// OnProgress observes the live output stream.
func (p *Pool) ExecuteTask(ctx context.Context, spec Spec, obs Observer) (*Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire session slot: %w", err)
	}
	defer p.sem.Release(1)

	log := p.logger.WithTaskID(spec.TaskID)

	// Routing never blocks execution; failures fall back to the default.
	workflow := routing.ClassifyWithFallback(ctx, p.router, spec.Description, p.cfg.DefaultWorkflow, log)
	log.Info("task routed", zap.String("workflow", workflow))
	obs.OnWorkflow(workflow)

	cmd := p.buildCommand(spec)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	sess := &session{
		taskID:    spec.TaskID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
	}
	p.register(sess)
	defer p.unregister(spec.TaskID)

	log.Info("agent process started", zap.Int("pid", sess.pid), zap.String("workspace", spec.Workspace))

	// The pid reaches the caller before any output is read, so a running
	// task is always recoverable and killable even if the agent is silent.
	obs.OnPID(sess.pid)

	output := p.streamOutput(stdout, sess, obs)

	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	result := &Result{
		PID:        sess.pid,
		Workflow:   workflow,
		Terminated: sess.terminated.Load(),
	}

	if exitCode == 0 && !result.Terminated {
		result.Success = true
		result.Output = output
		log.Info("agent process completed", zap.Int("pid", sess.pid))
		return result, nil
	}

	result.Output = output
	if !result.Terminated {
		errText := lastLine(stderr.String())
		if errText == "" && err != nil {
			errText = err.Error()
		}
		result.Output = errText
		log.Warn("agent process failed",
			zap.Int("pid", sess.pid),
			zap.Int("exit_code", exitCode),
			zap.String("error", errText))
	} else {
		log.Info("agent process terminated by request", zap.Int("pid", sess.pid))
	}

	return result, nil
}

// TerminateSession signals the task's agent process (and its descendants)
// to stop. Returns false when no active session matches, which is a
// harmless no-op, not an error.
func (p *Pool) TerminateSession(taskID string) bool {
	p.mu.RLock()
	sess, ok := p.sessions[taskID]
	p.mu.RUnlock()

	if !ok {
		return false
	}

	sess.terminated.Store(true)

	// The agent was started in its own process group; signal the whole
	// group so child processes don't survive as orphans.
	if err := syscall.Kill(-sess.pid, syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to signal process group, signaling process",
			zap.String("task_id", taskID),
			zap.Int("pid", sess.pid),
			zap.Error(err))
		if sess.cmd.Process != nil {
			_ = sess.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	p.logger.Info("termination signal sent",
		zap.String("task_id", taskID),
		zap.Int("pid", sess.pid))
	return true
}

// buildCommand assembles the agent invocation from the task spec.
func (p *Pool) buildCommand(spec Spec) *exec.Cmd {
	args := append([]string{}, p.cfg.ExtraArgs...)
	args = append(args, "--workspace", spec.Workspace)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.AgentType != "" {
		args = append(args, "--agent", spec.AgentType)
	}
	if spec.Context != nil && *spec.Context != "" {
		args = append(args, "--context", *spec.Context)
	}
	if spec.BotRepoPath != nil && *spec.BotRepoPath != "" {
		args = append(args, "--bot-repo", *spec.BotRepoPath)
	}
	args = append(args, spec.Description)

	cmd := exec.Command(p.cfg.AgentCommand, args...)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	// Own process group, so termination can reach descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// streamOutput consumes the agent's stdout line by line, notifying the
// observer on output boundaries but no more often than the configured
// interval. It returns the full captured output once the stream closes.
// Progress notifications never wait for the process to exit.
func (p *Pool) streamOutput(stdout io.Reader, sess *session, obs Observer) string {
	var output strings.Builder
	var lastEmit time.Time

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		output.WriteString(line)
		output.WriteByte('\n')

		now := time.Now()
		if now.Sub(lastEmit) >= p.cfg.ProgressInterval || lastEmit.IsZero() {
			obs.OnProgress(line, now.Sub(sess.startedAt))
			lastEmit = now
		}
	}

	return strings.TrimSuffix(output.String(), "\n")
}

// register adds a session to the active-sessions table.
func (p *Pool) register(sess *session) {
	p.mu.Lock()
	p.sessions[sess.taskID] = sess
	p.mu.Unlock()
}

// unregister removes a session from the active-sessions table.
func (p *Pool) unregister(taskID string) {
	p.mu.Lock()
	delete(p.sessions, taskID)
	p.mu.Unlock()
}

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
