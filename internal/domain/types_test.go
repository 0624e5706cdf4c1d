package domain

import "testing"

// =============================================================================
// Test: task status transitions
// =============================================================================

func TestValidateTransition(t *testing.T) {
	t.Run("Given an allowed edge Then it validates", func(t *testing.T) {
		allowed := [][2]TaskStatus{
			{TaskStatusOpen, TaskStatusInProgress},
			{TaskStatusOpen, TaskStatusCompleted},
			{TaskStatusOpen, TaskStatusCancelled},
			{TaskStatusInProgress, TaskStatusSubmitted},
			{TaskStatusSubmitted, TaskStatusCompleted},
			{TaskStatusSubmitted, TaskStatusDisputed},
			{TaskStatusDisputed, TaskStatusCompleted},
		}
		for _, edge := range allowed {
			if err := ValidateTransition(edge[0], edge[1]); err != nil {
				t.Errorf("expected %s -> %s to validate: %v", edge[0], edge[1], err)
			}
		}
	})

	t.Run("Given a forbidden edge Then it is rejected", func(t *testing.T) {
		forbidden := [][2]TaskStatus{
			{TaskStatusCompleted, TaskStatusOpen},
			{TaskStatusCancelled, TaskStatusOpen},
			{TaskStatusInProgress, TaskStatusCancelled},
			{TaskStatusInProgress, TaskStatusCompleted},
			{TaskStatusSubmitted, TaskStatusOpen},
			{TaskStatusDisputed, TaskStatusSubmitted},
			{TaskStatusOpen, TaskStatusSubmitted},
		}
		for _, edge := range forbidden {
			if err := ValidateTransition(edge[0], edge[1]); err == nil {
				t.Errorf("expected %s -> %s to be rejected", edge[0], edge[1])
			}
		}
	})

	t.Run("Given an unknown status Then it is rejected", func(t *testing.T) {
		if err := ValidateStatus("archived"); err == nil {
			t.Error("expected unknown status to be rejected")
		}
		if err := ValidateTransition("archived", TaskStatusOpen); err == nil {
			t.Error("expected unknown from-status to be rejected")
		}
		if err := ValidateTransition(TaskStatusOpen, "archived"); err == nil {
			t.Error("expected unknown to-status to be rejected")
		}
	})
}

func TestTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusCancelled}
	for _, status := range terminal {
		if !Terminal(status) {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	live := []TaskStatus{TaskStatusOpen, TaskStatusInProgress, TaskStatusSubmitted, TaskStatusDisputed}
	for _, status := range live {
		if Terminal(status) {
			t.Errorf("expected %s to be non-terminal", status)
		}
	}
}
