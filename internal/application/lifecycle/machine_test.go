package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanhive/internal/application"
	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/db/memory"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
)

type publisherMock struct{ mock.Mock }

func (m *publisherMock) PublishStatus(ctx context.Context, ev tasks.StatusChange) error {
	return m.Called(ctx, ev).Error(0)
}

func setup(t *testing.T, st tasks.Status) (*Machine, *memory.Store, *publisherMock) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.Tasks().Create(context.Background(), &tasks.ScanTask{ID: "t1", Status: st}))
	pub := &publisherMock{}
	m := &Machine{
		Repo:   store.Tasks(),
		Logs:   store.Logs(),
		Clock:  application.NewManualClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)),
		Events: pub,
		Logger: logging.Discard(),
	}
	return m, store, pub
}

func TestTransitionCommitsStatusAndLog(t *testing.T) {
	m, store, pub := setup(t, tasks.StatusPending)
	pub.On("PublishStatus", mock.Anything, mock.MatchedBy(func(ev tasks.StatusChange) bool {
		return ev.From == tasks.StatusPending && ev.To == tasks.StatusRunning
	})).Return(nil).Once()

	got, err := m.Transition(context.Background(), "t1", Change{
		To: tasks.StatusRunning, Message: "scan started",
		Mutate: func(task *tasks.ScanTask) { task.RunID = "run-1" },
	})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusRunning, got.Status)
	assert.Equal(t, "run-1", got.RunID)

	logs, _ := store.Logs().ListByTask(context.Background(), "t1", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, tasklog.LevelInfo, logs[0].Level)
	assert.Equal(t, "scan started", logs[0].Message)
	pub.AssertExpectations(t)
}

func TestRejectedTransitionLeavesTaskAndLogsError(t *testing.T) {
	m, store, pub := setup(t, tasks.StatusCompleted)

	_, err := m.Transition(context.Background(), "t1", Change{To: tasks.StatusRunning, Message: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tasks.ErrInvalidTransition))

	got, _ := store.Tasks().Get(context.Background(), "t1")
	assert.Equal(t, tasks.StatusCompleted, got.Status)

	logs, _ := store.Logs().ListByTask(context.Background(), "t1", 0)
	require.Len(t, logs, 1)
	assert.Equal(t, tasklog.LevelError, logs[0].Level)
	assert.Contains(t, logs[0].Message, "completed to running")
	pub.AssertNotCalled(t, "PublishStatus", mock.Anything, mock.Anything)
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	m, _, pub := setup(t, tasks.StatusRunning)
	pub.On("PublishStatus", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	got, err := m.Transition(context.Background(), "t1", Change{To: tasks.StatusFailed, Level: tasklog.LevelError, Message: "x"})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestMissingTask(t *testing.T) {
	m, _, _ := setup(t, tasks.StatusPending)
	_, err := m.Transition(context.Background(), "ghost", Change{To: tasks.StatusRunning})
	assert.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestSettledChangeOnTaskAlreadyInTarget(t *testing.T) {
	m, store, pub := setup(t, tasks.StatusCompleted)

	got, err := m.Transition(context.Background(), "t1", Change{To: tasks.StatusCompleted, Message: "scan terminated by user", Settled: true})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)

	logs, _ := store.Logs().ListByTask(context.Background(), "t1", 0)
	assert.Empty(t, logs, "nothing is written for a settled task")
	pub.AssertNotCalled(t, "PublishStatus", mock.Anything, mock.Anything)
}

func TestSettledChangeStillTransitions(t *testing.T) {
	m, _, pub := setup(t, tasks.StatusRunning)
	pub.On("PublishStatus", mock.Anything, mock.MatchedBy(func(ev tasks.StatusChange) bool {
		return ev.At == "2026-04-01T09:00:00Z"
	})).Return(nil).Once()

	got, err := m.Transition(context.Background(), "t1", Change{To: tasks.StatusCompleted, Settled: true})
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, got.Status)
	pub.AssertExpectations(t)
}
