package tasks

import (
	"fmt"
	"time"
)

// transitions is the full table of allowed status changes. Anything not
// listed here is rejected with an InvalidTransitionError.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusCompleted, StatusRunning},
	StatusCompleted: {StatusFailed},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the task to the given status. finished_at is stamped only
// when entering completed or failed. The task is left untouched on error.
func (t *ScanTask) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return &InvalidTransitionError{From: t.Status, To: to}
	}
	t.Status = to
	switch to {
	case StatusCompleted, StatusFailed:
		ts := now
		t.FinishedAt = &ts
	case StatusRunning:
		t.FinishedAt = nil
	}
	return nil
}

// InvalidTransitionError is returned when the transition table rejects a change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
