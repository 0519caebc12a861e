// Package memory is an in-process implementation of the task, task log and
// finding repositories. Used for local runs without a database and in tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
)

// Store keeps every table behind a single mutex, which gives Update the
// same all-or-nothing behavior as a row lock plus transaction.
type Store struct {
	mu       sync.Mutex
	tasks    map[tasks.ID]*tasks.ScanTask
	order    []tasks.ID
	logs     []*tasklog.Entry
	findings []findings.Finding
	logSeq   int64
	vulSeq   int64
}

func New() *Store {
	return &Store{tasks: map[tasks.ID]*tasks.ScanTask{}}
}

// Tasks returns the store as a tasks.Repository.
func (s *Store) Tasks() tasks.Repository { return taskRepo{s} }

// Logs returns the store as a tasklog.Repository.
func (s *Store) Logs() tasklog.Repository { return logRepo{s} }

// Findings returns the store as a findings.Repository.
func (s *Store) Findings() findings.Repository { return findingRepo{s} }

func (s *Store) appendLogsLocked(logs []tasklog.Entry) {
	for i := range logs {
		e := logs[i]
		s.logSeq++
		e.ID = s.logSeq
		s.logs = append(s.logs, &e)
	}
}

type taskRepo struct{ s *Store }

func (r taskRepo) Create(_ context.Context, t *tasks.ScanTask, logs ...tasklog.Entry) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return tasks.ErrValidation
	}
	s.tasks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	s.appendLogsLocked(logs)
	return nil
}

func (r taskRepo) Get(_ context.Context, id tasks.ID) (*tasks.ScanTask, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, tasks.ErrNotFound
	}
	return t.Clone(), nil
}

func (r taskRepo) List(_ context.Context, f tasks.Filter) (tasks.PaginatedResult, error) {
	s := r.s
	f = f.Normalize()
	kw := strings.ToLower(strings.TrimSpace(f.Keyword))

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*tasks.ScanTask
	// newest first
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if f.OwnerID != "" && t.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if kw != "" && !strings.Contains(strings.ToLower(t.Name), kw) &&
			!strings.Contains(strings.ToLower(t.TargetURL), kw) {
			continue
		}
		matched = append(matched, t)
	}

	total := int64(len(matched))
	lo := f.Offset()
	if lo > len(matched) {
		lo = len(matched)
	}
	hi := lo + f.PageSize
	if hi > len(matched) {
		hi = len(matched)
	}
	page := make([]*tasks.ScanTask, 0, hi-lo)
	for _, t := range matched[lo:hi] {
		page = append(page, t.Clone())
	}
	return tasks.NewPage(page, f, total), nil
}

func (r taskRepo) Delete(_ context.Context, ids ...tasks.ID) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	gone := map[string]bool{}
	for _, id := range ids {
		if _, ok := s.tasks[id]; ok {
			delete(s.tasks, id)
			gone[string(id)] = true
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}
	order := s.order[:0]
	for _, id := range s.order {
		if !gone[string(id)] {
			order = append(order, id)
		}
	}
	s.order = order

	// cascade
	logs := s.logs[:0]
	for _, e := range s.logs {
		if !gone[e.TaskID] {
			logs = append(logs, e)
		}
	}
	s.logs = logs
	fs := s.findings[:0]
	for _, f := range s.findings {
		if !gone[f.TaskID] {
			fs = append(fs, f)
		}
	}
	s.findings = fs
	return len(gone), nil
}

func (r taskRepo) Update(_ context.Context, id tasks.ID, fn func(*tasks.ScanTask) error, logs ...tasklog.Entry) (*tasks.ScanTask, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[id]
	if !ok {
		return nil, tasks.ErrNotFound
	}
	work := cur.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	s.tasks[id] = work
	s.appendLogsLocked(logs)
	return work.Clone(), nil
}

func (r taskRepo) StatusCounts(_ context.Context, ownerID string) (map[tasks.Status]int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[tasks.Status]int{}
	for _, t := range s.tasks {
		if ownerID != "" && t.OwnerID != ownerID {
			continue
		}
		out[t.Status]++
	}
	return out, nil
}

type logRepo struct{ s *Store }

func (r logRepo) Append(_ context.Context, e *tasklog.Entry) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[tasks.ID(e.TaskID)]; !ok {
		return tasks.ErrNotFound
	}
	s.appendLogsLocked([]tasklog.Entry{*e})
	e.ID = s.logSeq
	return nil
}

// ListByTask returns entries oldest first; limit <= 0 means all.
func (r logRepo) ListByTask(_ context.Context, taskID string, limit int) ([]*tasklog.Entry, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*tasklog.Entry
	for _, e := range s.logs {
		if e.TaskID != taskID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type findingRepo struct{ s *Store }

func (r findingRepo) InsertIfAbsent(_ context.Context, taskID string, list []findings.Finding) ([]findings.Finding, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[tasks.ID(taskID)]; !ok {
		return nil, tasks.ErrNotFound
	}

	have := map[[2]string]bool{}
	for _, f := range s.findings {
		if f.TaskID == taskID {
			have[[2]string{string(f.Engine), f.ScanID}] = true
		}
	}
	var inserted []findings.Finding
	for _, f := range list {
		k := [2]string{string(f.Engine), f.ScanID}
		if have[k] {
			continue
		}
		have[k] = true
		s.vulSeq++
		f.ID = s.vulSeq
		f.TaskID = taskID
		s.findings = append(s.findings, f)
		inserted = append(inserted, f)
	}
	return inserted, nil
}

func (r findingRepo) ExistingByEngine(_ context.Context, taskID string) (findings.ByEngine, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []findings.Finding
	for _, f := range s.findings {
		if f.TaskID == taskID {
			list = append(list, f)
		}
	}
	return findings.Group(list), nil
}

// List orders by severity desc then detection time.
func (r findingRepo) List(_ context.Context, f findings.Filter) ([]findings.Finding, error) {
	s := r.s
	s.mu.Lock()
	var out []findings.Finding
	for _, v := range s.findings {
		if f.TaskID != "" && v.TaskID != f.TaskID {
			continue
		}
		if f.Engine != "" && v.Engine != f.Engine {
			continue
		}
		if f.Severity != nil && v.Severity != *f.Severity {
			continue
		}
		out = append(out, v)
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r findingRepo) SeverityCounts(_ context.Context, ownerID string) (findings.SeverityCounts, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var c findings.SeverityCounts
	for _, f := range s.findings {
		if ownerID != "" {
			t, ok := s.tasks[tasks.ID(f.TaskID)]
			if !ok || t.OwnerID != ownerID {
				continue
			}
		}
		c.Add(f.Severity, 1)
	}
	return c, nil
}

// Engines lists the engines that have at least one stored finding for taskID.
func (s *Store) Engines(taskID string) []engines.Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[engines.Name]bool{}
	var out []engines.Name
	for _, f := range s.findings {
		if f.TaskID == taskID && !seen[f.Engine] {
			seen[f.Engine] = true
			out = append(out, f.Engine)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
