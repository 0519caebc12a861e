package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apptasks "github.com/bryanwahyu/scanhive/internal/application/tasks"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	domain "github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
	"github.com/bryanwahyu/scanhive/internal/infra/metrics"
	"github.com/bryanwahyu/scanhive/internal/infra/portpool"
)

const taskUUID = "3f2c6a1e-8d4b-4c2a-9f7e-1b2c3d4e5f60"

type fakeService struct {
	lastCaller domain.Caller
	lastCreate apptasks.CreateTaskCommand
	lastFilter domain.Filter
	lastFind   findings.Filter
	deletedIDs []domain.ID
	startErr   error
	stopErr    error
	getErr     error
}

func (f *fakeService) Create(_ context.Context, c domain.Caller, cmd apptasks.CreateTaskCommand) (*domain.ScanTask, error) {
	f.lastCaller, f.lastCreate = c, cmd
	if cmd.TargetURL == "" {
		return nil, fmt.Errorf("%w: target_url required", domain.ErrValidation)
	}
	return &domain.ScanTask{ID: taskUUID, Name: cmd.Name, OwnerID: c.UserID, Status: domain.StatusPending}, nil
}

func (f *fakeService) List(_ context.Context, c domain.Caller, flt domain.Filter) (domain.PaginatedResult, error) {
	f.lastCaller, f.lastFilter = c, flt
	return domain.NewPage(nil, flt.Normalize(), 0), nil
}

func (f *fakeService) Get(_ context.Context, _ domain.Caller, id domain.ID) (*apptasks.TaskDetail, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &apptasks.TaskDetail{ScanTask: &domain.ScanTask{ID: id}}, nil
}

func (f *fakeService) ListFindings(_ context.Context, _ domain.Caller, flt findings.Filter) ([]findings.Finding, error) {
	f.lastFind = flt
	return nil, nil
}

func (f *fakeService) Delete(_ context.Context, _ domain.Caller, ids ...domain.ID) (int, error) {
	f.deletedIDs = ids
	return len(ids), nil
}

func (f *fakeService) Start(_ context.Context, _ domain.Caller, id domain.ID) (*domain.ScanTask, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &domain.ScanTask{ID: id, Status: domain.StatusRunning}, nil
}

func (f *fakeService) Stop(_ context.Context, _ domain.Caller, id domain.ID) (*domain.ScanTask, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &domain.ScanTask{ID: id, Status: domain.StatusFailed}, nil
}

func (f *fakeService) Stats(_ context.Context, _ domain.Caller) (apptasks.Stats, error) {
	return apptasks.Stats{TotalTasks: 2}, nil
}

type fakePorts struct{}

func (fakePorts) Status() portpool.Status {
	return portpool.Status{Total: 3, Allocated: 1, Available: 2, Leased: []int{7777}}
}

func newTestRouter(svc *fakeService) http.Handler {
	return NewRouter(Deps{
		Tasks:   svc,
		Ports:   fakePorts{},
		Metrics: metrics.New(),
		APIKeys: map[string]domain.Caller{
			"user-key":  {UserID: "u1", Role: "user"},
			"admin-key": {UserID: "root", Role: domain.RoleAdmin},
		},
		Logger: logging.Discard(),
	})
}

func do(t *testing.T, h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_RequiresAPIKey(t *testing.T) {
	h := newTestRouter(&fakeService{})

	rec := do(t, h, http.MethodGet, "/v1/tasks", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/tasks", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodGet, "/live", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_CreateTask(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/v1/tasks", "user-key",
		`{"name":"shop","target_url":"https://shop.example.com","profile":"quick","login":{"url":"https://shop.example.com/login","username":"a","password":"b"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, "u1", svc.lastCaller.UserID)
	assert.Equal(t, "quick", svc.lastCreate.Profile)
	require.NotNil(t, svc.lastCreate.Login)
	assert.Equal(t, "b", svc.lastCreate.Login.Password)

	var got domain.ScanTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.NotContains(t, rec.Body.String(), `"password"`)
}

func TestRouter_CreateTaskValidation(t *testing.T) {
	h := newTestRouter(&fakeService{})

	rec := do(t, h, http.MethodPost, "/v1/tasks", "user-key", `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/tasks", "user-key", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_ListPassesFilter(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/v1/tasks?page=2&page_size=5&status=running&keyword=shop&owner=u9", "admin-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, svc.lastFilter.Page)
	assert.Equal(t, 5, svc.lastFilter.PageSize)
	assert.Equal(t, domain.StatusRunning, svc.lastFilter.Status)
	assert.Equal(t, "shop", svc.lastFilter.Keyword)
	assert.Equal(t, "u9", svc.lastFilter.OwnerID)
	assert.True(t, svc.lastCaller.IsAdmin())
}

func TestRouter_StartReturnsAccepted(t *testing.T) {
	h := newTestRouter(&fakeService{})
	rec := do(t, h, http.MethodPost, "/v1/tasks/"+taskUUID+"/start", "user-key", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRouter_BadTaskID(t *testing.T) {
	h := newTestRouter(&fakeService{})
	rec := do(t, h, http.MethodGet, "/v1/tasks/not-a-uuid", "user-key", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"forbidden", domain.ErrForbidden, http.StatusForbidden},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"transition", &domain.InvalidTransitionError{From: domain.StatusRunning, To: domain.StatusRunning}, http.StatusConflict},
		{"ports", portpool.ErrResourceExhausted, http.StatusServiceUnavailable},
		{"orchestration", fmt.Errorf("%w: no engine accepted the job", domain.ErrOrchestration), http.StatusInternalServerError},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestRouter(&fakeService{startErr: tc.err})
			rec := do(t, h, http.MethodPost, "/v1/tasks/"+taskUUID+"/start", "user-key", "")
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestRouter_InternalErrorHidesDetail(t *testing.T) {
	h := newTestRouter(&fakeService{getErr: fmt.Errorf("dial tcp 10.0.0.1:3306: refused")})
	rec := do(t, h, http.MethodGet, "/v1/tasks/"+taskUUID, "user-key", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestRouter_BulkDelete(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/v1/tasks/delete", "user-key", `{"ids":["`+taskUUID+`"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []domain.ID{taskUUID}, svc.deletedIDs)
	assert.JSONEq(t, `{"deleted":1}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/tasks/delete", "user-key", `{"ids":["bad"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_FindingsFilter(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/v1/tasks/"+taskUUID+"/findings?severity=high&engine=ZAP", "user-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, taskUUID, svc.lastFind.TaskID)
	assert.EqualValues(t, "zap", svc.lastFind.Engine)
	require.NotNil(t, svc.lastFind.Severity)
	assert.Equal(t, findings.SeverityHigh, *svc.lastFind.Severity)
	assert.JSONEq(t, `{"data":[],"count":0}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/tasks/"+taskUUID+"/findings?severity=spicy", "user-key", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_PortsAndMetrics(t *testing.T) {
	h := newTestRouter(&fakeService{})

	rec := do(t, h, http.MethodGet, "/v1/ports", "admin-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st portpool.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, []int{7777}, st.Leased)

	rec = do(t, h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/v1/ports"`)
}
