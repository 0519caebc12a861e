package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/db/dbrow"
)

var qb = sq.StatementBuilder.PlaceholderFormat(sq.Question)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertLogs(ctx context.Context, ex execer, logs []tasklog.Entry) error {
	if len(logs) == 0 {
		return nil
	}
	ins := qb.Insert("task_logs").Columns("task_id", "level", "message", "created_at")
	for _, e := range logs {
		ins = ins.Values(e.TaskID, string(e.Level), e.Message, e.CreatedAt.UTC())
	}
	q, args, err := ins.ToSql()
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, q, args...)
	return err
}

// Create insert task + log awal dalam satu transaksi
func (r *TaskRepository) Create(ctx context.Context, t *tasks.ScanTask, logs ...tasklog.Entry) error {
	row := dbrow.FromTask(t)
	q, args, err := qb.Insert("scan_tasks").Columns(dbrow.TaskColumns...).Values(row.Args()...).ToSql()
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := insertLogs(ctx, tx, logs); err != nil {
		return fmt.Errorf("insert task logs: %w", err)
	}
	return tx.Commit()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, qr queryRower, id tasks.ID, forUpdate bool) (*tasks.ScanTask, error) {
	sel := qb.Select(dbrow.TaskColumns...).From("scan_tasks").Where(sq.Eq{"id": string(id)})
	if forUpdate {
		sel = sel.Suffix("FOR UPDATE")
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	var row dbrow.Task
	if err := qr.QueryRowContext(ctx, q, args...).Scan(row.Dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tasks.ErrNotFound
		}
		return nil, err
	}
	return row.ToTask(), nil
}

func (r *TaskRepository) Get(ctx context.Context, id tasks.ID) (*tasks.ScanTask, error) {
	return getTask(ctx, r.db, id, false)
}

// taskFilter builds the WHERE part shared by list and count.
func taskFilter(sel sq.SelectBuilder, f tasks.Filter) sq.SelectBuilder {
	if f.OwnerID != "" {
		sel = sel.Where(sq.Eq{"owner_id": f.OwnerID})
	}
	if f.Status != "" {
		sel = sel.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Keyword != "" {
		kw := "%" + dbrow.EscapeLike(f.Keyword) + "%"
		sel = sel.Where(sq.Or{sq.Like{"name": kw}, sq.Like{"target_url": kw}})
	}
	return sel
}

func listQuery(f tasks.Filter) sq.SelectBuilder {
	return taskFilter(qb.Select(dbrow.TaskColumns...).From("scan_tasks"), f).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(f.PageSize)).
		Offset(uint64(f.Offset()))
}

// List newest first, dengan filter keyword/status/owner
func (r *TaskRepository) List(ctx context.Context, f tasks.Filter) (tasks.PaginatedResult, error) {
	f = f.Normalize()
	q, args, err := listQuery(f).ToSql()
	if err != nil {
		return tasks.PaginatedResult{}, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return tasks.PaginatedResult{}, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []*tasks.ScanTask
	for rows.Next() {
		var row dbrow.Task
		if err := rows.Scan(row.Dest()...); err != nil {
			return tasks.PaginatedResult{}, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, row.ToTask())
	}
	if err := rows.Err(); err != nil {
		return tasks.PaginatedResult{}, fmt.Errorf("iterating rows: %w", err)
	}

	cq, cargs, err := taskFilter(qb.Select("COUNT(*)").From("scan_tasks"), f).ToSql()
	if err != nil {
		return tasks.PaginatedResult{}, err
	}
	var total int64
	if err := r.db.QueryRowContext(ctx, cq, cargs...).Scan(&total); err != nil {
		return tasks.PaginatedResult{}, fmt.Errorf("getting total count: %w", err)
	}
	return tasks.NewPage(out, f, total), nil
}

// Delete; logs dan findings ikut terhapus lewat ON DELETE CASCADE
func (r *TaskRepository) Delete(ctx context.Context, ids ...tasks.ID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	list := make([]string, len(ids))
	for i, id := range ids {
		list[i] = string(id)
	}
	q, args, err := qb.Delete("scan_tasks").Where(sq.Eq{"id": list}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Update: SELECT ... FOR UPDATE, fn, UPDATE dan logs dalam satu transaksi
func (r *TaskRepository) Update(ctx context.Context, id tasks.ID, fn func(*tasks.ScanTask) error, logs ...tasklog.Entry) (*tasks.ScanTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := getTask(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(cur); err != nil {
		return nil, err
	}

	row := dbrow.FromTask(cur)
	upd := qb.Update("scan_tasks")
	vals := row.Args()
	for i, col := range dbrow.TaskColumns {
		if col == "id" || col == "created_at" {
			continue
		}
		upd = upd.Set(col, vals[i])
	}
	q, args, err := upd.Where(sq.Eq{"id": string(id)}).ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := insertLogs(ctx, tx, logs); err != nil {
		return nil, fmt.Errorf("insert task logs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

func (r *TaskRepository) StatusCounts(ctx context.Context, ownerID string) (map[tasks.Status]int, error) {
	sel := qb.Select("status", "COUNT(*)").From("scan_tasks").GroupBy("status")
	if ownerID != "" {
		sel = sel.Where(sq.Eq{"owner_id": ownerID})
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

	out := map[tasks.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[tasks.Status(st)] = n
	}
	return out, rows.Err()
}

// IsOwnerOrAdmin implements tasks.Authorizer with a single lookup.
func (r *TaskRepository) IsOwnerOrAdmin(ctx context.Context, id tasks.ID, caller tasks.Caller) (bool, error) {
	if caller.IsAdmin() {
		return true, nil
	}
	q, args, err := qb.Select("owner_id").From("scan_tasks").Where(sq.Eq{"id": string(id)}).ToSql()
	if err != nil {
		return false, err
	}
	var owner string
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, tasks.ErrNotFound
		}
		return false, err
	}
	return owner == caller.UserID, nil
}
