// Package client is the thin library front ends use to reach the executor
// service over its unix socket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/dispatchd/dispatchd/internal/executor/service"
)

// ErrNotRunning reports that the executor service socket is absent or
// refusing connections. Distinct from server-side application errors so
// callers can tell "start the executor" apart from "fix the request".
var ErrNotRunning = errors.New("Task executor not running")

const (
	defaultDialTimeout    = 2 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Client talks the one-request-per-connection IPC protocol.
type Client struct {
	socketPath     string
	dialTimeout    time.Duration
	requestTimeout time.Duration
}

// New creates a client for the executor service at socketPath.
func New(socketPath string) *Client {
	return &Client{
		socketPath:     socketPath,
		dialTimeout:    defaultDialTimeout,
		requestTimeout: defaultRequestTimeout,
	}
}

// SubmitParams carries the fields of a task submission.
type SubmitParams struct {
	TaskID      string
	Description string
	Workspace   string
	UserID      string
	Priority    string
	Model       string
	AgentType   string
	Context     *string
	BotRepoPath *string
}

// Health is the executor service's load snapshot.
type Health struct {
	ActiveTasks   int
	QueuedTasks   int
	UptimeSeconds int
}

// response is the union of every server response shape.
type response struct {
	Status        string `json:"status"`
	TaskID        string `json:"task_id"`
	ActiveTasks   int    `json:"active_tasks"`
	QueuedTasks   int    `json:"queued_tasks"`
	UptimeSeconds int    `json:"uptime_seconds"`
	Error         string `json:"error"`
}

// SubmitTask submits a task for execution and returns its id once queued.
func (c *Client) SubmitTask(ctx context.Context, params SubmitParams) (string, error) {
	resp, err := c.roundTrip(ctx, &service.Request{
		Action:      service.ActionSubmitTask,
		TaskID:      params.TaskID,
		Description: params.Description,
		Workspace:   params.Workspace,
		UserID:      params.UserID,
		Priority:    params.Priority,
		Model:       params.Model,
		AgentType:   params.AgentType,
		Context:     params.Context,
		BotRepoPath: params.BotRepoPath,
	})
	if err != nil {
		return "", err
	}
	if resp.Status != service.StatusQueued {
		return "", fmt.Errorf("unexpected status %q", resp.Status)
	}
	return resp.TaskID, nil
}

// StopTask asks the executor to terminate a task's agent process. Returns
// true when a running session was signaled, false when none matched.
func (c *Client) StopTask(ctx context.Context, taskID string) (bool, error) {
	resp, err := c.roundTrip(ctx, &service.Request{
		Action: service.ActionStopTask,
		TaskID: taskID,
	})
	if err != nil {
		return false, err
	}
	return resp.Status == service.StatusStopped, nil
}

// GetHealth returns the executor service's liveness and load snapshot.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	resp, err := c.roundTrip(ctx, &service.Request{Action: service.ActionHealth})
	if err != nil {
		return nil, err
	}
	if resp.Status != service.StatusHealthy {
		return nil, fmt.Errorf("unexpected status %q", resp.Status)
	}
	return &Health{
		ActiveTasks:   resp.ActiveTasks,
		QueuedTasks:   resp.QueuedTasks,
		UptimeSeconds: resp.UptimeSeconds,
	}, nil
}

// roundTrip performs one request/response exchange on a fresh connection.
func (c *Client) roundTrip(ctx context.Context, req *service.Request) (*response, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		// Missing socket or refused connection: the service is not up.
		return nil, ErrNotRunning
	}
	defer conn.Close()

	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}
