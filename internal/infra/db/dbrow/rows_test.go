package dbrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
)

func TestTaskRowKeepsRunBookkeeping(t *testing.T) {
	port := 7781
	fin := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &tasks.ScanTask{
		ID: "t1", Name: "shop", OwnerID: "u1", TargetURL: "https://shop.example",
		Profile: tasks.ProfileFull, Status: tasks.StatusFailed,
		Login:       &tasks.Login{URL: "https://shop.example/login", Username: "a", Password: "b"},
		EngineJobs:  map[engines.Name]string{engines.AWVS: "s1", engines.Passive: "c1"},
		PassivePort: &port, RunID: "r1", JobHandles: []string{"h1", "h2"},
		CreatedAt: fin.Add(-time.Hour), FinishedAt: &fin,
	}
	row := FromTask(in)
	assert.Len(t, row.Args(), len(TaskColumns))
	assert.Len(t, row.Dest(), len(TaskColumns))

	out := row.ToTask()
	assert.Equal(t, in, out)
}

func TestTaskRowEmptyOptionals(t *testing.T) {
	row := FromTask(&tasks.ScanTask{ID: "t2", Status: tasks.StatusPending})
	assert.Equal(t, "{}", row.EngineJobs)
	assert.Equal(t, "[]", row.JobHandles)
	out := row.ToTask()
	assert.Nil(t, out.Login)
	assert.Nil(t, out.EngineJobs)
	assert.Nil(t, out.PassivePort)
	assert.Nil(t, out.FinishedAt)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%\_off\\`, EscapeLike(`50%_off\`))
}

func TestSplitStatements(t *testing.T) {
	stmts := SplitStatements("-- tables\nCREATE TABLE a (x INT);\n\nCREATE TABLE b (y INT);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE b (y INT)", stmts[1])
}
