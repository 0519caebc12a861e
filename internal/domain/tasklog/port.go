package tasklog

import "context"

// Repository defines persistence for task logs
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByTask(ctx context.Context, taskID string, limit int) ([]*Entry, error)
}
