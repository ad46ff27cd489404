package model

import "testing"

func TestCanTransition_ForwardOnly(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{TaskStatusPending, TaskStatusRunning, true},
		{TaskStatusRunning, TaskStatusProgress, true},
		{TaskStatusProgress, TaskStatusProgress, true},
		{TaskStatusProgress, TaskStatusCompleted, true},
		{TaskStatusProgress, TaskStatusFailed, true},
		{TaskStatusPending, TaskStatusCancelled, true},
		{TaskStatusRunning, TaskStatusCancelled, true},
		{TaskStatusRunning, TaskStatusPending, false},
		{TaskStatusProgress, TaskStatusRunning, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusCancelled, TaskStatusCompleted, false},
		{TaskStatusCancelled, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusRunning, false},
		{"unknown", TaskStatusRunning, false},
		{TaskStatusRunning, "unknown", false},
	}

	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, status := range []string{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		if !Terminal(status) {
			t.Errorf("Expected %s to be terminal", status)
		}
	}
	for _, status := range []string{TaskStatusPending, TaskStatusRunning, TaskStatusProgress} {
		if Terminal(status) {
			t.Errorf("Expected %s to be non-terminal", status)
		}
	}
}
