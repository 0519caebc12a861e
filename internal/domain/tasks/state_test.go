package tasks

import (
	"errors"
	"testing"
	"time"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed}

func TestTransitionTableTotality(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusRunning}:   true,
		{StatusPending, StatusFailed}:    true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusFailed, StatusCompleted}:  true,
		{StatusFailed, StatusRunning}:    true,
		{StatusCompleted, StatusFailed}:  true,
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			task := &ScanTask{ID: "t1", Status: from}
			err := task.Transition(to, now)
			if allowed[[2]Status{from, to}] {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, task.Status)
				continue
			}
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			var ite *InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, from, ite.From)
			assert.Equal(t, to, ite.To)
			assert.Equal(t, from, task.Status, "status must be unchanged")
			assert.Nil(t, task.FinishedAt)
		}
	}
}

func TestTransitionStampsFinishedAt(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	task := &ScanTask{Status: StatusPending}

	require.NoError(t, task.Transition(StatusRunning, now))
	assert.Nil(t, task.FinishedAt)

	require.NoError(t, task.Transition(StatusFailed, now))
	require.NotNil(t, task.FinishedAt)
	assert.Equal(t, now, *task.FinishedAt)

	// retry clears it again
	require.NoError(t, task.Transition(StatusRunning, now.Add(time.Minute)))
	assert.Nil(t, task.FinishedAt)

	require.NoError(t, task.Transition(StatusCompleted, now.Add(time.Hour)))
	assert.Equal(t, now.Add(time.Hour), *task.FinishedAt)
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile(" FULL ")
	require.NoError(t, err)
	assert.Equal(t, ProfileFull, p)
	assert.Len(t, p.Engines(), 3)

	_, err = ParseProfile("deep")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCloneIsDeep(t *testing.T) {
	port := 7777
	orig := &ScanTask{
		ID:          "a",
		EngineJobs:  map[engines.Name]string{engines.AWVS: "j1"},
		PassivePort: &port,
		JobHandles:  []string{"h1"},
	}
	c := orig.Clone()
	*c.PassivePort = 1
	c.JobHandles[0] = "x"
	assert.Equal(t, 7777, *orig.PassivePort)
	assert.Equal(t, "h1", orig.JobHandles[0])
	c.EngineJobs[engines.AWVS] = "changed"
	assert.Equal(t, "j1", orig.EngineJobs[engines.AWVS])
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{Page: 0, PageSize: 500}.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 100, f.PageSize)
	assert.Equal(t, 0, f.Offset())

	f = Filter{Page: 3, PageSize: 10}.Normalize()
	assert.Equal(t, 20, f.Offset())
}
