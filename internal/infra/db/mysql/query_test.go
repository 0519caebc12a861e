package mysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/db/dbrow"
)

func TestListQuery(t *testing.T) {
	f := tasks.Filter{Keyword: "50%", Status: tasks.StatusRunning, OwnerID: "u1", Page: 2, PageSize: 10}.Normalize()
	q, args, err := listQuery(f).ToSql()
	require.NoError(t, err)

	assert.Contains(t, q, "FROM scan_tasks WHERE owner_id = ? AND status = ? AND (name LIKE ? OR target_url LIKE ?)")
	assert.Contains(t, q, "ORDER BY created_at DESC, id DESC LIMIT 10 OFFSET 10")
	assert.Equal(t, []any{"u1", "running", `%50\%%`, `%50\%%`}, args)
}

func TestFindingListQuery(t *testing.T) {
	sev := findings.SeverityHigh
	q, args, err := findingListQuery(findings.Filter{TaskID: "t1", Severity: &sev, Limit: 5}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, q, "WHERE task_id = ? AND severity = ?")
	assert.Contains(t, q, "ORDER BY severity DESC, detected_at ASC, id ASC LIMIT 5")
	assert.Equal(t, []any{"t1", 3}, args)
}

func TestSchemaStatements(t *testing.T) {
	stmts := dbrow.SplitStatements(schema)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[2], "UNIQUE KEY uq_vulnerabilities_scan (task_id, engine, scan_id)")
}
