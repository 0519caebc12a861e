package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	apptasks "github.com/bryanwahyu/scanhive/internal/application/tasks"
	"github.com/bryanwahyu/scanhive/internal/domain/ai"
	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	domain "github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
	"github.com/bryanwahyu/scanhive/internal/infra/portpool"
	"github.com/bryanwahyu/scanhive/internal/middleware"
)

// TaskService is the facade the router binds (apptasks.Service).
type TaskService interface {
	Create(ctx context.Context, caller domain.Caller, cmd apptasks.CreateTaskCommand) (*domain.ScanTask, error)
	List(ctx context.Context, caller domain.Caller, f domain.Filter) (domain.PaginatedResult, error)
	Get(ctx context.Context, caller domain.Caller, id domain.ID) (*apptasks.TaskDetail, error)
	ListFindings(ctx context.Context, caller domain.Caller, f findings.Filter) ([]findings.Finding, error)
	Delete(ctx context.Context, caller domain.Caller, ids ...domain.ID) (int, error)
	Start(ctx context.Context, caller domain.Caller, id domain.ID) (*domain.ScanTask, error)
	Stop(ctx context.Context, caller domain.Caller, id domain.ID) (*domain.ScanTask, error)
	Stats(ctx context.Context, caller domain.Caller) (apptasks.Stats, error)
}

// PortStatus reports the passive listener port pool.
type PortStatus interface {
	Status() portpool.Status
}

// Metrics is HTTP instrumentation plus the /metrics handler.
type Metrics interface {
	middleware.HTTPMetrics
	Handler() http.Handler
}

type Deps struct {
	Tasks          TaskService
	Ports          PortStatus
	Metrics        Metrics // optional
	APIKeys        map[string]domain.Caller
	RateLimiter    *middleware.RateLimiter // optional
	Health         map[string]middleware.HealthChecker
	Readiness      *middleware.Readiness // optional
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Router struct {
	tasks TaskService
	ports PortStatus
	log   *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	r := &Router{tasks: d.Tasks, ports: d.Ports, log: logging.OrDefault(d.Logger)}
	mux := chi.NewRouter()

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	mux.Use(middleware.Logging(d.Logger))
	if d.Metrics != nil {
		mux.Use(middleware.Metrics(d.Metrics))
	}

	mux.Get("/health", middleware.HealthHandler(d.Health))
	ready := d.Readiness
	if ready == nil {
		ready = &middleware.Readiness{}
	}
	mux.Method(http.MethodGet, "/ready", ready)
	mux.Get("/live", middleware.LivenessHandler)
	if d.Metrics != nil {
		mux.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.APIKeyAuth(d.APIKeys))
		if d.RateLimiter != nil {
			rt.Use(middleware.RateLimit(d.RateLimiter))
		}

		rt.Post("/tasks", r.wrap(r.handleCreate))
		rt.Get("/tasks", r.wrap(r.handleList))
		rt.Post("/tasks/delete", r.wrap(r.handleBulkDelete))
		rt.Get("/tasks/{id}", r.wrap(r.handleGet))
		rt.Delete("/tasks/{id}", r.wrap(r.handleDelete))
		rt.Post("/tasks/{id}/start", r.wrap(r.handleStart))
		rt.Post("/tasks/{id}/stop", r.wrap(r.handleStop))
		rt.Get("/tasks/{id}/findings", r.wrap(r.handleFindings))
		rt.Get("/stats", r.wrap(r.handleStats))
		rt.Get("/ports", r.wrap(r.handlePorts))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// errBadRequest marks request decoding problems.
var errBadRequest = errors.New("bad request")

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, portpool.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ai.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		code := statusFor(err)
		msg := err.Error()
		if code == http.StatusInternalServerError {
			r.log.Error("request failed", "method", req.Method, "path", req.URL.Path, "err", err)
			// orchestration errors carry an operator-readable reason
			if !errors.Is(err, domain.ErrOrchestration) {
				msg = "internal error"
			}
		}
		writeJSON(w, code, map[string]string{"error": msg})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func decode(req *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json body: %v", errBadRequest, err)
	}
	return nil
}

func caller(req *http.Request) (domain.Caller, error) {
	c, ok := middleware.CallerFromContext(req.Context())
	if !ok {
		return domain.Caller{}, fmt.Errorf("%w: no caller", domain.ErrForbidden)
	}
	return c, nil
}

func taskID(req *http.Request) (domain.ID, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateTaskID(id); err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return domain.ID(id), nil
}

// POST /v1/tasks
// Body: {"name","target_url","profile","login":{"url","username","password"}}
func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	var body struct {
		Name      string `json:"name"`
		TargetURL string `json:"target_url"`
		Profile   string `json:"profile"`
		Login     *struct {
			URL      string `json:"url"`
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"login"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	cmd := apptasks.CreateTaskCommand{
		Name:      middleware.SanitizeString(body.Name),
		TargetURL: strings.TrimSpace(body.TargetURL),
		Profile:   body.Profile,
	}
	if body.Login != nil {
		cmd.Login = &domain.Login{URL: body.Login.URL, Username: body.Login.Username, Password: body.Login.Password}
	}
	t, err := r.tasks.Create(req.Context(), c, cmd)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, t)
}

// GET /v1/tasks?page=&page_size=&keyword=&status=&owner=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	res, err := r.tasks.List(req.Context(), c, domain.Filter{
		Keyword:  middleware.SanitizeString(q.Get("keyword")),
		Status:   domain.Status(q.Get("status")),
		OwnerID:  q.Get("owner"),
		Page:     page,
		PageSize: size,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

// GET /v1/tasks/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	id, err := taskID(req)
	if err != nil {
		return err
	}
	d, err := r.tasks.Get(req.Context(), c, id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, d)
}

// DELETE /v1/tasks/{id}
func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	id, err := taskID(req)
	if err != nil {
		return err
	}
	n, err := r.tasks.Delete(req.Context(), c, id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// POST /v1/tasks/delete
// Body: {"ids": ["..."]}
func (r *Router) handleBulkDelete(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	if err := middleware.ValidateTaskIDs(body.IDs); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	ids := make([]domain.ID, len(body.IDs))
	for i, id := range body.IDs {
		ids[i] = domain.ID(id)
	}
	n, err := r.tasks.Delete(req.Context(), c, ids...)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// POST /v1/tasks/{id}/start -> 202, scan jalan di background
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	id, err := taskID(req)
	if err != nil {
		return err
	}
	t, err := r.tasks.Start(req.Context(), c, id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusAccepted, t)
}

// POST /v1/tasks/{id}/stop
func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	id, err := taskID(req)
	if err != nil {
		return err
	}
	t, err := r.tasks.Stop(req.Context(), c, id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, t)
}

// GET /v1/tasks/{id}/findings?severity=&engine=&limit=
func (r *Router) handleFindings(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	id, err := taskID(req)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	f := findings.Filter{
		TaskID: string(id),
		Engine: engines.Name(strings.ToLower(q.Get("engine"))),
		Limit:  middleware.ValidateLimit(limit),
	}
	if s := q.Get("severity"); s != "" {
		sev, err := findings.ParseSeverity(s)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadRequest, err)
		}
		f.Severity = &sev
	}
	list, err := r.tasks.ListFindings(req.Context(), c, f)
	if err != nil {
		return err
	}
	if list == nil {
		list = []findings.Finding{}
	}
	return writeJSON(w, http.StatusOK, map[string]any{"data": list, "count": len(list)})
}

// GET /v1/stats
func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) error {
	c, err := caller(req)
	if err != nil {
		return err
	}
	st, err := r.tasks.Stats(req.Context(), c)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, st)
}

// GET /v1/ports
func (r *Router) handlePorts(w http.ResponseWriter, req *http.Request) error {
	if r.ports == nil {
		return writeJSON(w, http.StatusOK, portpool.Status{Leased: []int{}})
	}
	return writeJSON(w, http.StatusOK, r.ports.Status())
}
