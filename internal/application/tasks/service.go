package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/bryanwahyu/scanhive/internal/application"
	"github.com/bryanwahyu/scanhive/internal/application/orchestrator"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	domain "github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
)

// Runner starts and stops orchestration runs.
type Runner interface {
	Start(ctx context.Context, id domain.ID) (*orchestrator.Run, error)
	Stop(ctx context.Context, id domain.ID) error
}

// Service implements use-cases untuk ScanTask
// Service is designed to be used concurrently and is thread-safe
type Service struct {
	Repo     domain.Repository
	Logs     tasklog.Repository
	Findings findings.Repository
	Auth     domain.Authorizer
	Runner   Runner
	Clock    application.Clock
	Logger   *slog.Logger
}

//
// ==== USE CASES ====
//

// CreateTaskCommand input untuk bikin task baru
type CreateTaskCommand struct {
	Name      string
	TargetURL string
	Profile   string
	Login     *domain.Login
}

// TaskDetail task plus its findings and log
type TaskDetail struct {
	*domain.ScanTask
	Counts   findings.SeverityCounts `json:"counts"`
	Findings []findings.Finding      `json:"findings"`
	Logs     []*tasklog.Entry        `json:"logs"`
}

// Stats dashboard numbers for one caller
type Stats struct {
	Tasks      map[domain.Status]int   `json:"tasks"`
	TotalTasks int                     `json:"total_tasks"`
	Findings   findings.SeverityCounts `json:"findings"`
}

const (
	maxNameLen    = 255
	detailLogs    = 200
	detailFinding = 500
)

// Create validasi input lalu simpan task baru dengan status pending
func (s *Service) Create(ctx context.Context, caller domain.Caller, cmd CreateTaskCommand) (*domain.ScanTask, error) {
	target, err := ValidateTarget(cmd.TargetURL)
	if err != nil {
		return nil, err
	}
	profile, err := domain.ParseProfile(cmd.Profile)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		name = target.Host
	}
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("%w: name longer than %d characters", domain.ErrValidation, maxNameLen)
	}
	if cmd.Login != nil {
		if _, err := ValidateTarget(cmd.Login.URL); err != nil {
			return nil, fmt.Errorf("login url: %w", err)
		}
		if cmd.Login.Username == "" {
			return nil, fmt.Errorf("%w: login username is required", domain.ErrValidation)
		}
	}

	now := s.Clock.Now()
	t := &domain.ScanTask{
		ID:        domain.ID(uuid.NewString()),
		Name:      name,
		OwnerID:   caller.UserID,
		TargetURL: target.String(),
		Profile:   profile,
		Login:     cmd.Login,
		Status:    domain.StatusPending,
		CreatedAt: now,
	}
	entry := tasklog.Entry{TaskID: string(t.ID), Level: tasklog.LevelInfo, Message: "task created", CreatedAt: now}
	if err := s.Repo.Create(ctx, t, entry); err != nil {
		return nil, err
	}
	s.log().Info("task created", "task_id", t.ID, "owner", t.OwnerID, "profile", t.Profile)
	return t, nil
}

// List non-admin callers only ever see their own tasks.
func (s *Service) List(ctx context.Context, caller domain.Caller, f domain.Filter) (domain.PaginatedResult, error) {
	if !caller.IsAdmin() {
		f.OwnerID = caller.UserID
	}
	if f.Status != "" && !f.Status.Valid() {
		return domain.PaginatedResult{}, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, f.Status)
	}
	return s.Repo.List(ctx, f.Normalize())
}

// Get ambil 1 task lengkap dengan findings dan log
func (s *Service) Get(ctx context.Context, caller domain.Caller, id domain.ID) (*TaskDetail, error) {
	if err := s.authorize(ctx, caller, id); err != nil {
		return nil, err
	}
	t, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	list, err := s.Findings.List(ctx, findings.Filter{TaskID: string(id), Limit: detailFinding})
	if err != nil {
		return nil, err
	}
	logs, err := s.Logs.ListByTask(ctx, string(id), detailLogs)
	if err != nil {
		return nil, err
	}
	d := &TaskDetail{ScanTask: t, Findings: list, Logs: logs}
	if d.Findings == nil {
		d.Findings = []findings.Finding{}
	}
	if d.Logs == nil {
		d.Logs = []*tasklog.Entry{}
	}
	for _, f := range list {
		d.Counts.Add(f.Severity, 1)
	}
	return d, nil
}

// ListFindings lists a task's findings with optional engine/severity filter.
func (s *Service) ListFindings(ctx context.Context, caller domain.Caller, f findings.Filter) ([]findings.Finding, error) {
	if err := s.authorize(ctx, caller, domain.ID(f.TaskID)); err != nil {
		return nil, err
	}
	return s.Findings.List(ctx, f)
}

// Delete hapus satu atau banyak task. Nothing is deleted if any of them is running.
func (s *Service) Delete(ctx context.Context, caller domain.Caller, ids ...domain.ID) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no task ids given", domain.ErrValidation)
	}
	var present []domain.ID
	for _, id := range ids {
		t, err := s.Repo.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) && len(ids) > 1 {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !caller.IsAdmin() && t.OwnerID != caller.UserID {
			return 0, fmt.Errorf("%w: task %s", domain.ErrForbidden, id)
		}
		if t.Status == domain.StatusRunning {
			return 0, fmt.Errorf("%w: task %s is running, stop it first", domain.ErrValidation, id)
		}
		present = append(present, id)
	}
	if len(present) == 0 {
		return 0, nil
	}
	n, err := s.Repo.Delete(ctx, present...)
	if err != nil {
		return 0, err
	}
	s.log().Info("tasks deleted", "count", n, "by", caller.UserID)
	return n, nil
}

// Start cek ownership lalu delegasi ke orchestrator
func (s *Service) Start(ctx context.Context, caller domain.Caller, id domain.ID) (*domain.ScanTask, error) {
	if err := s.authorize(ctx, caller, id); err != nil {
		return nil, err
	}
	if _, err := s.Runner.Start(ctx, id); err != nil {
		s.log().Warn("start scan failed", "task_id", id, "err", err)
		return nil, err
	}
	return s.Repo.Get(ctx, id)
}

// Stop delegasi ke orchestrator. Pending and completed tasks cannot be stopped.
func (s *Service) Stop(ctx context.Context, caller domain.Caller, id domain.ID) (*domain.ScanTask, error) {
	t, err := s.Repo.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s not found", domain.ErrValidation, id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, id); err != nil {
		return nil, err
	}
	switch t.Status {
	case domain.StatusPending:
		return nil, fmt.Errorf("%w: task %s has not been started", domain.ErrValidation, id)
	case domain.StatusCompleted:
		return nil, fmt.Errorf("%w: task %s already finished", domain.ErrValidation, id)
	}
	if err := s.Runner.Stop(ctx, id); err != nil {
		return nil, err
	}
	s.log().Info("scan stopped", "task_id", id, "by", caller.UserID)
	return s.Repo.Get(ctx, id)
}

// Stats rekap jumlah task per status dan findings per severity
func (s *Service) Stats(ctx context.Context, caller domain.Caller) (Stats, error) {
	owner := caller.UserID
	if caller.IsAdmin() {
		owner = ""
	}
	counts, err := s.Repo.StatusCounts(ctx, owner)
	if err != nil {
		return Stats{}, err
	}
	sev, err := s.Findings.SeverityCounts(ctx, owner)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Tasks: map[domain.Status]int{}, Findings: sev}
	for _, status := range []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed} {
		st.Tasks[status] = counts[status]
		st.TotalTasks += counts[status]
	}
	return st, nil
}

func (s *Service) authorize(ctx context.Context, caller domain.Caller, id domain.ID) error {
	ok, err := s.Auth.IsOwnerOrAdmin(ctx, id, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: task %s", domain.ErrForbidden, id)
	}
	return nil
}

func (s *Service) log() *slog.Logger { return logging.OrDefault(s.Logger) }

// ValidateTarget accepts absolute http(s) URLs with a host.
func ValidateTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: target url is required", domain.ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid target url: %v", domain.ErrValidation, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: target url must be http(s) with a host", domain.ErrValidation)
	}
	return u, nil
}

// OwnershipAuthorizer allows admins and the task owner.
type OwnershipAuthorizer struct {
	Repo domain.Repository
}

func (a OwnershipAuthorizer) IsOwnerOrAdmin(ctx context.Context, id domain.ID, caller domain.Caller) (bool, error) {
	t, err := a.Repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return caller.IsAdmin() || (caller.UserID != "" && t.OwnerID == caller.UserID), nil
}
