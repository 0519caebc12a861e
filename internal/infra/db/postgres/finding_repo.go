package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/db/dbrow"
)

var findingSelect = append([]string{"id"}, dbrow.FindingColumns...)

type FindingRepository struct {
	db *sqlx.DB
}

func NewFindingRepository(db *sqlx.DB) *FindingRepository { return &FindingRepository{db: db} }

// InsertIfAbsent: ON CONFLICT DO NOTHING RETURNING id, baris yang konflik
// tidak mengembalikan id sehingga tidak dihitung.
func (r *FindingRepository) InsertIfAbsent(ctx context.Context, taskID string, list []findings.Finding) ([]findings.Finding, error) {
	if _, err := getTask(ctx, r.db, tasks.ID(taskID), false); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var inserted []findings.Finding
	for _, f := range list {
		row := dbrow.FromFinding(taskID, f)
		q, args, err := qb.Insert("vulnerabilities").
			Columns(dbrow.FindingColumns...).
			Values(row.Args()...).
			Suffix("ON CONFLICT (task_id, engine, scan_id) DO NOTHING RETURNING id").
			ToSql()
		if err != nil {
			return nil, err
		}
		var id int64
		if err := tx.GetContext(ctx, &id, q, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("insert finding: %w", err)
		}
		f.ID = id
		f.TaskID = taskID
		inserted = append(inserted, f)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *FindingRepository) query(ctx context.Context, sel sq.SelectBuilder) ([]findings.Finding, error) {
	q, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []dbrow.Finding
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]findings.Finding, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToFinding())
	}
	return out, nil
}

func (r *FindingRepository) ExistingByEngine(ctx context.Context, taskID string) (findings.ByEngine, error) {
	list, err := r.query(ctx, qb.Select(findingSelect...).From("vulnerabilities").Where(sq.Eq{"task_id": taskID}))
	if err != nil {
		return nil, err
	}
	return findings.Group(list), nil
}

func findingListQuery(f findings.Filter) sq.SelectBuilder {
	sel := qb.Select(findingSelect...).From("vulnerabilities")
	if f.TaskID != "" {
		sel = sel.Where(sq.Eq{"task_id": f.TaskID})
	}
	if f.Engine != "" {
		sel = sel.Where(sq.Eq{"engine": string(f.Engine)})
	}
	if f.Severity != nil {
		sel = sel.Where(sq.Eq{"severity": int(*f.Severity)})
	}
	sel = sel.OrderBy("severity DESC", "detected_at ASC", "id ASC")
	if f.Limit > 0 {
		sel = sel.Limit(uint64(f.Limit))
	}
	return sel
}

func (r *FindingRepository) List(ctx context.Context, f findings.Filter) ([]findings.Finding, error) {
	return r.query(ctx, findingListQuery(f))
}

func (r *FindingRepository) SeverityCounts(ctx context.Context, ownerID string) (findings.SeverityCounts, error) {
	sel := qb.Select("v.severity AS severity", "COUNT(*) AS n").From("vulnerabilities v").GroupBy("v.severity")
	if ownerID != "" {
		sel = sel.Join("scan_tasks t ON t.id = v.task_id").Where(sq.Eq{"t.owner_id": ownerID})
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return findings.SeverityCounts{}, err
	}
	var rows []struct {
		Severity int `db:"severity"`
		N        int `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return findings.SeverityCounts{}, err
	}
	var c findings.SeverityCounts
	for _, row := range rows {
		c.Add(findings.Severity(row.Severity), row.N)
	}
	return c, nil
}
