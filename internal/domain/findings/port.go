package findings

import (
	"context"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
)

// Repository port (interface untuk persistence)
type Repository interface {
	// InsertIfAbsent is idempotent on (task, engine, scan_id) and returns
	// only the rows that were actually inserted.
	InsertIfAbsent(ctx context.Context, taskID string, list []Finding) ([]Finding, error)
	ExistingByEngine(ctx context.Context, taskID string) (ByEngine, error)
	List(ctx context.Context, f Filter) ([]Finding, error)
	SeverityCounts(ctx context.Context, ownerID string) (SeverityCounts, error)
}

// Filter for List
type Filter struct {
	TaskID   string
	Engine   engines.Name
	Severity *Severity
	Limit    int
}

// Archive port (penyimpanan raw batch dari engine)
type Archive interface {
	ArchiveBatch(ctx context.Context, taskID string, engine engines.Name, batch []engines.FindingDTO) (string, error)
}
