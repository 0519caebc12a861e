package tasks

import (
	"context"

	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
)

// Repository port (interface untuk persistence)
type Repository interface {
	Create(ctx context.Context, t *ScanTask, logs ...tasklog.Entry) error
	Get(ctx context.Context, id ID) (*ScanTask, error)
	List(ctx context.Context, f Filter) (PaginatedResult, error)
	Delete(ctx context.Context, ids ...ID) (int, error)

	// Update runs fn against the locked current row and commits the result
	// together with logs in one transaction. If fn fails nothing is written.
	Update(ctx context.Context, id ID, fn func(*ScanTask) error, logs ...tasklog.Entry) (*ScanTask, error)

	StatusCounts(ctx context.Context, ownerID string) (map[Status]int, error)
}

// Filter for List. OwnerID empty means all owners.
type Filter struct {
	Keyword  string
	Status   Status
	OwnerID  string
	Page     int
	PageSize int
}

// Normalize applies pagination defaults and caps.
func (f Filter) Normalize() Filter {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

// Offset of the first row of the page.
func (f Filter) Offset() int { return (f.Page - 1) * f.PageSize }

// Authorizer decides whether a caller may act on a task.
type Authorizer interface {
	IsOwnerOrAdmin(ctx context.Context, id ID, caller Caller) (bool, error)
}

// Caller identity as resolved by the auth middleware.
type Caller struct {
	UserID string
	Role   string
}

const RoleAdmin = "admin"

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }

// StatusChange event emitted after every committed transition.
type StatusChange struct {
	TaskID  ID     `json:"task_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
	Level   string `json:"level"`
	Message string `json:"message"`
	At      string `json:"at"`
}

// EventPublisher port for status change notifications
type EventPublisher interface {
	PublishStatus(ctx context.Context, ev StatusChange) error
}
