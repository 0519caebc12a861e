package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
)

type LogRepository struct {
	db *sqlx.DB
}

func NewLogRepository(db *sqlx.DB) *LogRepository { return &LogRepository{db: db} }

func (r *LogRepository) Append(ctx context.Context, e *tasklog.Entry) error {
	if _, err := getTask(ctx, r.db, tasks.ID(e.TaskID), false); err != nil {
		return err
	}
	q, args, err := qb.Insert("task_logs").
		Columns("task_id", "level", "message", "created_at").
		Values(e.TaskID, string(e.Level), e.Message, e.CreatedAt.UTC()).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return err
	}
	if err := r.db.GetContext(ctx, &e.ID, q, args...); err != nil {
		return fmt.Errorf("insert task log: %w", err)
	}
	return nil
}

type logRow struct {
	ID        int64     `db:"id"`
	TaskID    string    `db:"task_id"`
	Level     string    `db:"level"`
	Message   string    `db:"message"`
	CreatedAt time.Time `db:"created_at"`
}

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
	var rows []logRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*tasklog.Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, &tasklog.Entry{
			ID: row.ID, TaskID: row.TaskID, Level: tasklog.Level(row.Level),
			Message: row.Message, CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return out, nil
}
