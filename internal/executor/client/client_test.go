package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// fakeExecutor answers each connection with a canned response keyed by
// the request's action.
func fakeExecutor(t *testing.T, responses map[string]string) string {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "executor.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("failed to bind fake socket: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadBytes('\n')
				if err != nil {
					return
				}
				var req struct {
					Action string `json:"action"`
				}
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				resp, ok := responses[req.Action]
				if !ok {
					resp = `{"error":"Unknown action: ` + req.Action + `"}`
				}
				_, _ = conn.Write([]byte(resp + "\n"))
			}(conn)
		}
	}()

	return socket
}

func TestNotRunning(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := c.GetHealth(context.Background())
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}

	_, err = c.SubmitTask(context.Background(), SubmitParams{TaskID: "t1"})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestSubmitTask(t *testing.T) {
	socket := fakeExecutor(t, map[string]string{
		"submit_task": `{"status":"queued","task_id":"t1"}`,
	})
	c := New(socket)

	id, err := c.SubmitTask(context.Background(), SubmitParams{
		TaskID:      "t1",
		Description: "fix bug",
		Workspace:   "/tmp/ws",
		Priority:    "HIGH",
	})
	if err != nil {
		t.Fatalf("SubmitTask failed: %v", err)
	}
	if id != "t1" {
		t.Errorf("expected task id t1, got %s", id)
	}
}

func TestSubmitTaskServerError(t *testing.T) {
	socket := fakeExecutor(t, map[string]string{
		"submit_task": `{"error":"invalid priority \"URGENT\""}`,
	})
	c := New(socket)

	_, err := c.SubmitTask(context.Background(), SubmitParams{TaskID: "t1", Priority: "URGENT"})
	if err == nil {
		t.Fatal("expected a server-side error")
	}
	if errors.Is(err, ErrNotRunning) {
		t.Error("server-side errors must be distinct from ErrNotRunning")
	}
}

func TestGetHealth(t *testing.T) {
	socket := fakeExecutor(t, map[string]string{
		"health": `{"status":"healthy","active_tasks":2,"queued_tasks":3,"uptime_seconds":42}`,
	})
	c := New(socket)

	health, err := c.GetHealth(context.Background())
	if err != nil {
		t.Fatalf("GetHealth failed: %v", err)
	}
	if health.ActiveTasks != 2 || health.QueuedTasks != 3 || health.UptimeSeconds != 42 {
		t.Errorf("unexpected health snapshot: %+v", health)
	}
}

func TestStopTask(t *testing.T) {
	socket := fakeExecutor(t, map[string]string{
		"stop_task": `{"status":"stopped","task_id":"t1"}`,
	})
	c := New(socket)

	stopped, err := c.StopTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("StopTask failed: %v", err)
	}
	if !stopped {
		t.Error("expected stopped=true")
	}
}

func TestStopTaskNotRunning(t *testing.T) {
	socket := fakeExecutor(t, map[string]string{
		"stop_task": `{"status":"not_running","task_id":"t1"}`,
	})
	c := New(socket)

	stopped, err := c.StopTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("StopTask failed: %v", err)
	}
	if stopped {
		t.Error("expected stopped=false for an idle task")
	}
}

func TestContextDeadlineApplies(t *testing.T) {
	// A server that accepts but never responds; the context deadline must
	// bound the wait instead of the 10s default.
	socket := filepath.Join(t.TempDir(), "executor.sock")
	listener, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c := New(socket)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.GetHealth(ctx)
	if err == nil {
		t.Fatal("expected an error from an unresponsive server")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("context deadline was not applied, waited %v", time.Since(start))
	}
}
