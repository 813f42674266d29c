// Package service implements the standalone executor service: one worker
// pool plus one execution session pool, exposed to other processes over a
// unix socket so front-end restarts never kill in-flight agent runs.
package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/executor/pool"
	"github.com/dispatchd/dispatchd/internal/executor/session"
	"github.com/dispatchd/dispatchd/internal/lockfile"
	tasksvc "github.com/dispatchd/dispatchd/internal/task/service"
	v1 "github.com/dispatchd/dispatchd/pkg/api/v1"
)

// Service hosts the worker pool and session pool behind the IPC socket.
type Service struct {
	cfg      config.ExecutorConfig
	tasks    *tasksvc.Service
	workers  *pool.WorkerPool
	sessions *session.Pool
	bus      bus.EventBus
	logger   *logger.Logger

	listener  net.Listener
	lock      *lockfile.Lock
	startedAt time.Time
	stopping  atomic.Bool
	handlers  sync.WaitGroup
}

// New assembles an executor service from its collaborators. The event bus
// is optional; a nil bus disables lifecycle notifications.
func New(cfg config.ExecutorConfig, tasks *tasksvc.Service, workers *pool.WorkerPool, sessions *session.Pool, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		cfg:      cfg,
		tasks:    tasks,
		workers:  workers,
		sessions: sessions,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "executor-service")),
	}
}

// Start enforces the singleton lock, binds the unix socket and begins
// serving connections. A previous instance's stale socket is removed; a
// live lock holder aborts startup.
func (s *Service) Start() error {
	lock, err := lockfile.Acquire(s.cfg.LockFilePath)
	if err != nil {
		return fmt.Errorf("failed to acquire executor lock: %w", err)
	}
	s.lock = lock

	// A crashed instance leaves the socket behind; unbind it first.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		s.releaseLock()
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("failed to bind socket %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = listener
	s.startedAt = time.Now()

	s.workers.Start()

	go s.acceptLoop()

	s.logger.Info("executor service started",
		zap.String("socket", s.cfg.SocketPath),
		zap.String("lock_file", s.cfg.LockFilePath),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("max_sessions", s.cfg.MaxSessions))
	return nil
}

// Stop shuts the service down: no new connections, workers finish their
// current jobs, then the socket and lock file are removed. Running agent
// processes are not force-killed.
func (s *Service) Stop() {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}

	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.handlers.Wait()

	s.workers.Stop()

	// Closing the unix listener unlinks the socket; remove defensively in
	// case the listener never bound.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove socket", zap.Error(err))
	}
	s.releaseLock()

	s.logger.Info("executor service stopped")
}

func (s *Service) releaseLock() {
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			s.logger.Warn("failed to release lock file", zap.Error(err))
		}
		s.lock = nil
	}
}

func (s *Service) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping.Load() {
				return
			}
			s.logger.Error("accept failed", zap.Error(err))
			return
		}
		s.handlers.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn serves exactly one request and closes the connection.
func (s *Service) handleConn(conn net.Conn) {
	defer s.handlers.Done()
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.RequestTimeoutDuration()))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && (err != io.EOF || len(line) == 0) {
		s.logger.Warn("failed to read request", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.respond(conn, Response{Error: "Invalid request: " + err.Error()})
		return
	}

	ctx := context.Background()
	switch req.Action {
	case ActionSubmitTask:
		s.respond(conn, s.handleSubmit(ctx, &req))
	case ActionStopTask:
		s.respond(conn, s.handleStop(&req))
	case ActionHealth:
		s.respond(conn, s.handleHealth())
	default:
		s.respond(conn, Response{Error: "Unknown action: " + req.Action})
	}
}

func (s *Service) respond(conn net.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Service) handleSubmit(ctx context.Context, req *Request) interface{} {
	priority, err := v1.ParsePriority(req.Priority)
	if err != nil {
		return Response{Error: err.Error()}
	}

	task, err := s.tasks.Create(ctx, tasksvc.CreateParams{
		TaskID:      req.TaskID,
		OwnerID:     req.UserID,
		Description: req.Description,
		Workspace:   req.Workspace,
		Model:       req.Model,
		AgentType:   req.AgentType,
		Context:     req.Context,
		Priority:    priority,
	})
	if err != nil {
		return Response{Error: err.Error()}
	}

	spec := session.Spec{
		TaskID:      task.ID,
		Description: task.Description,
		Workspace:   task.Workspace,
		Model:       task.Model,
		AgentType:   task.AgentType,
		Context:     task.Context,
		BotRepoPath: req.BotRepoPath,
	}
	if err := s.workers.Submit(task.ID, priority, func() {
		s.runTask(spec)
	}); err != nil {
		s.logger.Error("failed to enqueue task",
			zap.String("task_id", task.ID),
			zap.Error(err))
		return Response{Error: err.Error()}
	}

	s.logger.Info("task queued",
		zap.String("task_id", task.ID),
		zap.String("priority", string(priority)))
	return Response{Status: StatusQueued, TaskID: task.ID}
}

func (s *Service) handleStop(req *Request) interface{} {
	if req.TaskID == "" {
		return Response{Error: "task_id is required"}
	}
	if s.sessions.TerminateSession(req.TaskID) {
		return Response{Status: StatusStopped, TaskID: req.TaskID}
	}
	return Response{Status: StatusNotRunning, TaskID: req.TaskID}
}

func (s *Service) handleHealth() interface{} {
	return HealthResponse{
		Status:        StatusHealthy,
		ActiveTasks:   s.workers.ActiveCount(),
		QueuedTasks:   s.workers.QueueSize(),
		UptimeSeconds: int(time.Since(s.startedAt).Seconds()),
	}
}

// runTask executes one queued task on the calling worker: acquire a
// session slot, run the agent process, and persist the terminal outcome.
func (s *Service) runTask(spec session.Spec) {
	ctx := context.Background()
	log := s.logger.WithTaskID(spec.TaskID)

	obs := &taskObserver{service: s, taskID: spec.TaskID}
	result, err := s.sessions.ExecuteTask(ctx, spec, obs)
	if err != nil {
		log.Error("agent execution failed to start", zap.Error(err))
		if markErr := s.tasks.MarkFailed(ctx, spec.TaskID, err.Error()); markErr != nil {
			log.Error("failed to record failure", zap.Error(markErr))
		}
		s.publish(ctx, bus.SubjectTaskFailed, spec.TaskID, map[string]interface{}{
			"task_id": spec.TaskID,
			"error":   err.Error(),
		})
		return
	}

	switch {
	case result.Terminated:
		if err := s.tasks.MarkStopped(ctx, spec.TaskID, result.Output); err != nil {
			log.Error("failed to record stop", zap.Error(err))
		}
		s.publish(ctx, bus.SubjectTaskStopped, spec.TaskID, map[string]interface{}{
			"task_id": spec.TaskID,
		})
	case result.Success:
		if err := s.tasks.MarkCompleted(ctx, spec.TaskID, result.Output); err != nil {
			log.Error("failed to record completion", zap.Error(err))
		}
		s.publish(ctx, bus.SubjectTaskCompleted, spec.TaskID, map[string]interface{}{
			"task_id": spec.TaskID,
			"result":  result.Output,
		})
	default:
		if err := s.tasks.MarkFailed(ctx, spec.TaskID, result.Output); err != nil {
			log.Error("failed to record failure", zap.Error(err))
		}
		s.publish(ctx, bus.SubjectTaskFailed, spec.TaskID, map[string]interface{}{
			"task_id": spec.TaskID,
			"error":   result.Output,
		})
	}
}

func (s *Service) publish(ctx context.Context, subject, taskID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "executor", data)); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// taskObserver persists workflow, pid and progress callbacks from the
// session pool. The workflow lands before the spawn and the pid before any
// progress entry, so a running task is always recoverable even if the agent
// never prints a line.
type taskObserver struct {
	service *Service
	taskID  string
}

func (o *taskObserver) OnWorkflow(workflow string) {
	ctx := context.Background()
	if err := o.service.tasks.SetWorkflow(ctx, o.taskID, workflow); err != nil {
		o.service.logger.Warn("failed to record workflow",
			zap.String("task_id", o.taskID),
			zap.String("workflow", workflow),
			zap.Error(err))
	}
}

func (o *taskObserver) OnPID(pid int) {
	ctx := context.Background()
	if err := o.service.tasks.MarkRunning(ctx, o.taskID, pid); err != nil {
		o.service.logger.Error("failed to record running state",
			zap.String("task_id", o.taskID),
			zap.Int("pid", pid),
			zap.Error(err))
	}
}

func (o *taskObserver) OnProgress(message string, elapsed time.Duration) {
	ctx := context.Background()
	if err := o.service.tasks.RecordProgress(ctx, o.taskID, message, elapsed); err != nil {
		o.service.logger.Warn("failed to record progress",
			zap.String("task_id", o.taskID),
			zap.Error(err))
	}
	o.service.publish(ctx, bus.SubjectTaskProgress, o.taskID, map[string]interface{}{
		"task_id":         o.taskID,
		"message":         message,
		"elapsed_seconds": int(elapsed.Seconds()),
	})
}
