package tasks

import "errors"

var (
	// ErrValidation marks malformed input to a task operation.
	ErrValidation = errors.New("validation error")

	// ErrForbidden indicates the caller does not own the task and is not an admin.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates the task record does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrOrchestration marks a defect of the orchestration run itself (task vanished, listener never up).
	ErrOrchestration = errors.New("orchestration failure")
)
