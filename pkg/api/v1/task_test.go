package v1

import "testing"

func TestCanTransitionForwardEdges(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusPending, TaskStatusFailed, true}, // spawn failure
		{TaskStatusRunning, TaskStatusCompleted, true},
		{TaskStatusRunning, TaskStatusFailed, true},
		{TaskStatusRunning, TaskStatusStopped, true},
		{TaskStatusFailed, TaskStatusCompleted, true}, // mark fixed
		{TaskStatusPending, TaskStatusCompleted, false},
		{TaskStatusPending, TaskStatusStopped, false},
		{TaskStatusCompleted, TaskStatusRunning, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusStopped, TaskStatusRunning, false},
		{TaskStatusStopped, TaskStatusCompleted, false},
		{TaskStatusRunning, TaskStatusPending, false},
		{TaskStatusFailed, TaskStatusRunning, false},
	}

	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestValidateTransitionRejectsIllegalEdge(t *testing.T) {
	if err := ValidateTransition(TaskStatusCompleted, TaskStatusRunning); err == nil {
		t.Error("expected error for completed -> running")
	}
	if err := ValidateTransition(TaskStatusPending, TaskStatusRunning); err != nil {
		t.Errorf("unexpected error for pending -> running: %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority("HIGH"); err != nil || p != PriorityHigh {
		t.Errorf("ParsePriority(HIGH) = %v, %v", p, err)
	}
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Errorf("ParsePriority(\"\") = %v, %v, want NORMAL default", p, err)
	}
	if _, err := ParsePriority("URGENT"); err == nil {
		t.Error("expected error for invalid priority")
	}
}

func TestPriorityWeightOrdering(t *testing.T) {
	if !(PriorityHigh.Weight() > PriorityNormal.Weight() && PriorityNormal.Weight() > PriorityLow.Weight()) {
		t.Error("priority weights must order HIGH > NORMAL > LOW")
	}
}

func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("user-1", "fix the bug", "/tmp/repo", PriorityHigh)
	if task.ID == "" {
		t.Error("expected generated task ID")
	}
	if task.Status != TaskStatusPending {
		t.Errorf("expected pending status, got %s", task.Status)
	}
	if task.PID != nil {
		t.Error("pid must be nil until the task is running")
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}
