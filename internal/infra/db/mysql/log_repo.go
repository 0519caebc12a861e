package mysql

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
)

type LogRepository struct {
	db *sql.DB
}

func NewLogRepository(db *sql.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Append; task harus ada (foreign key)
func (r *LogRepository) Append(ctx context.Context, e *tasklog.Entry) error {
	if _, err := getTask(ctx, r.db, tasks.ID(e.TaskID), false); err != nil {
		return err
	}
	q, args, err := qb.Insert("task_logs").
		Columns("task_id", "level", "message", "created_at").
		Values(e.TaskID, string(e.Level), e.Message, e.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListByTask oldest first; limit <= 0 means all.
func (r *LogRepository) ListByTask(ctx context.Context, taskID string, limit int) ([]*tasklog.Entry, error) {
	sel := qb.Select("id", "task_id", "level", "message", "created_at").
		From("task_logs").
		Where(sq.Eq{"task_id": taskID}).
		OrderBy("id ASC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*tasklog.Entry
	for rows.Next() {
		var e tasklog.Entry
		var level string
		if err := rows.Scan(&e.ID, &e.TaskID, &level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Level = tasklog.Level(level)
		out = append(out, &e)
	}
	return out, rows.Err()
}
