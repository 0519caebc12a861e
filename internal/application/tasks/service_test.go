package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanhive/internal/application"
	"github.com/bryanwahyu/scanhive/internal/application/orchestrator"
	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	domain "github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/db/memory"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
)

type runnerMock struct{ mock.Mock }

func (m *runnerMock) Start(ctx context.Context, id domain.ID) (*orchestrator.Run, error) {
	args := m.Called(ctx, id)
	run, _ := args.Get(0).(*orchestrator.Run)
	return run, args.Error(1)
}

func (m *runnerMock) Stop(ctx context.Context, id domain.ID) error {
	return m.Called(ctx, id).Error(0)
}

var (
	alice = domain.Caller{UserID: "alice", Role: "user"}
	bob   = domain.Caller{UserID: "bob", Role: "user"}
	admin = domain.Caller{UserID: "root", Role: domain.RoleAdmin}
)

func newService(t *testing.T) (*Service, *memory.Store, *runnerMock) {
	t.Helper()
	store := memory.New()
	r := &runnerMock{}
	return &Service{
		Repo:     store.Tasks(),
		Logs:     store.Logs(),
		Findings: store.Findings(),
		Auth:     OwnershipAuthorizer{Repo: store.Tasks()},
		Runner:   r,
		Clock:    application.NewManualClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)),
		Logger:   logging.Discard(),
	}, store, r
}

func TestCreate(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, alice, CreateTaskCommand{TargetURL: "https://shop.example.com/", Profile: "FULL"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, domain.ProfileFull, task.Profile)
	assert.Equal(t, "shop.example.com", task.Name)
	assert.Equal(t, "alice", task.OwnerID)

	logs, _ := store.Logs().ListByTask(ctx, string(task.ID), 0)
	require.Len(t, logs, 1)
	assert.Equal(t, tasklog.LevelInfo, logs[0].Level)

	cases := []CreateTaskCommand{
		{TargetURL: "ftp://x.example.com", Profile: "full"},
		{TargetURL: "not a url", Profile: "full"},
		{TargetURL: "https://x.example.com", Profile: "deep"},
		{TargetURL: "https://x.example.com", Profile: "quick", Login: &domain.Login{URL: "https://x.example.com/login"}},
	}
	for _, c := range cases {
		_, err := svc.Create(ctx, alice, c)
		assert.ErrorIs(t, err, domain.ErrValidation, "%+v", c)
	}
}

func TestListScopesToOwner(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for _, c := range []domain.Caller{alice, alice, bob} {
		_, err := svc.Create(ctx, c, CreateTaskCommand{TargetURL: "https://a.example.com", Profile: "quick"})
		require.NoError(t, err)
	}

	res, err := svc.List(ctx, alice, domain.Filter{OwnerID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)

	res, err = svc.List(ctx, admin, domain.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Total)

	_, err = svc.List(ctx, admin, domain.Filter{Status: "weird"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetChecksOwnership(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	task, err := svc.Create(ctx, alice, CreateTaskCommand{TargetURL: "https://a.example.com", Profile: "quick"})
	require.NoError(t, err)
	_, err = store.Findings().InsertIfAbsent(ctx, string(task.ID), []findings.Finding{
		{Engine: engines.AWVS, ScanID: "1", Severity: findings.SeverityHigh},
	})
	require.NoError(t, err)

	d, err := svc.Get(ctx, alice, task.ID)
	require.NoError(t, err)
	assert.Len(t, d.Findings, 1)
	assert.Equal(t, 1, d.Counts.High)
	assert.Len(t, d.Logs, 1)

	_, err = svc.Get(ctx, bob, task.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Get(ctx, admin, task.ID)
	assert.NoError(t, err)

	_, err = svc.Get(ctx, admin, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStopPendingIsValidationErrorWithoutStateChange(t *testing.T) {
	svc, store, runner := newService(t)
	ctx := context.Background()
	task, err := svc.Create(ctx, alice, CreateTaskCommand{TargetURL: "https://a.example.com", Profile: "quick"})
	require.NoError(t, err)

	_, err = svc.Stop(ctx, alice, task.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, _ := store.Tasks().Get(ctx, task.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	runner.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)

	_, err = svc.Stop(ctx, alice, "missing")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStopRunningDelegates(t *testing.T) {
	svc, store, runner := newService(t)
	ctx := context.Background()
	require.NoError(t, store.Tasks().Create(ctx, &domain.ScanTask{ID: "t1", OwnerID: "alice", Status: domain.StatusRunning}))
	runner.On("Stop", mock.Anything, domain.ID("t1")).Return(nil).Once()

	_, err := svc.Stop(ctx, alice, "t1")
	require.NoError(t, err)
	runner.AssertExpectations(t)

	_, err = svc.Stop(ctx, bob, "t1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestStartChecksOwnershipBeforeDelegating(t *testing.T) {
	svc, store, runner := newService(t)
	ctx := context.Background()
	require.NoError(t, store.Tasks().Create(ctx, &domain.ScanTask{ID: "t1", OwnerID: "alice", Status: domain.StatusPending}))

	_, err := svc.Start(ctx, bob, "t1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	runner.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)

	runner.On("Start", mock.Anything, domain.ID("t1")).Return(nil, nil).Once()
	_, err = svc.Start(ctx, alice, "t1")
	require.NoError(t, err)
	runner.AssertExpectations(t)
}

func TestDeleteRejectsRunning(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, store.Tasks().Create(ctx, &domain.ScanTask{ID: "run", OwnerID: "alice", Status: domain.StatusRunning}))
	require.NoError(t, store.Tasks().Create(ctx, &domain.ScanTask{ID: "done", OwnerID: "alice", Status: domain.StatusCompleted}))

	_, err := svc.Delete(ctx, alice, "done", "run")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = store.Tasks().Get(ctx, "done")
	require.NoError(t, err, "bulk delete is all or nothing")

	_, err = svc.Delete(ctx, bob, "done")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	n, err := svc.Delete(ctx, alice, "done", "ghost")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Delete(ctx, alice, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStats(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, store.Tasks().Create(ctx, &domain.ScanTask{ID: "a", OwnerID: "alice", Status: domain.StatusRunning}))
	require.NoError(t, store.Tasks().Create(ctx, &domain.ScanTask{ID: "b", OwnerID: "bob", Status: domain.StatusFailed}))
	_, err := store.Findings().InsertIfAbsent(ctx, "b", []findings.Finding{{Engine: engines.ZAP, ScanID: "1", Severity: findings.SeverityCritical}})
	require.NoError(t, err)

	st, err := svc.Stats(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalTasks)
	assert.Equal(t, 0, st.Findings.Total)

	st, err = svc.Stats(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalTasks)
	assert.Equal(t, 1, st.Tasks[domain.StatusFailed])
	assert.Equal(t, 1, st.Findings.Critical)
}
