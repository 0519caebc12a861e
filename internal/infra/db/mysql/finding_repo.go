package mysql

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/db/dbrow"
)

var findingSelect = append([]string{"id"}, dbrow.FindingColumns...)

type FindingRepository struct {
	db *sql.DB
}

func NewFindingRepository(db *sql.DB) *FindingRepository {
	return &FindingRepository{db: db}
}

// InsertIfAbsent pakai INSERT IGNORE; unique key (task_id, engine, scan_id)
// yang menentukan baris mana yang benar-benar masuk.
func (r *FindingRepository) InsertIfAbsent(ctx context.Context, taskID string, list []findings.Finding) ([]findings.Finding, error) {
	if _, err := getTask(ctx, r.db, tasks.ID(taskID), false); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var inserted []findings.Finding
	for _, f := range list {
		row := dbrow.FromFinding(taskID, f)
		q, args, err := qb.Insert("vulnerabilities").Options("IGNORE").
			Columns(dbrow.FindingColumns...).Values(row.Args()...).ToSql()
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("insert finding: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		f.ID, _ = res.LastInsertId()
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
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []findings.Finding
	for rows.Next() {
		var row dbrow.Finding
		if err := rows.Scan(row.Dest()...); err != nil {
			return nil, err
		}
		out = append(out, row.ToFinding())
	}
	return out, rows.Err()
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

// List urut severity desc lalu waktu deteksi
func (r *FindingRepository) List(ctx context.Context, f findings.Filter) ([]findings.Finding, error) {
	return r.query(ctx, findingListQuery(f))
}

func (r *FindingRepository) SeverityCounts(ctx context.Context, ownerID string) (findings.SeverityCounts, error) {
	sel := qb.Select("v.severity", "COUNT(*)").From("vulnerabilities v").GroupBy("v.severity")
	if ownerID != "" {
		sel = sel.Join("scan_tasks t ON t.id = v.task_id").Where(sq.Eq{"t.owner_id": ownerID})
	}
	q, args, err := sel.ToSql()
	if err != nil {
		return findings.SeverityCounts{}, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return findings.SeverityCounts{}, err
	}
	defer rows.Close()

	var c findings.SeverityCounts
	for rows.Next() {
		var sev, n int
		if err := rows.Scan(&sev, &n); err != nil {
			return findings.SeverityCounts{}, err
		}
		c.Add(findings.Severity(sev), n)
	}
	return c, rows.Err()
}
