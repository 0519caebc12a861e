// Package dbrow maps domain entities to the flat rows shared by the SQL
// repositories (mysql, postgres).
package dbrow

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
)

// TaskColumns in the order Task.Args returns them.
var TaskColumns = []string{
	"id", "name", "owner_id", "target_url", "profile",
	"login_url", "login_username", "login_password",
	"status", "engine_jobs", "passive_port", "run_id", "job_handles",
	"created_at", "finished_at",
}

// Task row scan_tasks
type Task struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	OwnerID       string         `db:"owner_id"`
	TargetURL     string         `db:"target_url"`
	Profile       string         `db:"profile"`
	LoginURL      sql.NullString `db:"login_url"`
	LoginUsername sql.NullString `db:"login_username"`
	LoginPassword sql.NullString `db:"login_password"`
	Status        string         `db:"status"`
	EngineJobs    string         `db:"engine_jobs"`
	PassivePort   sql.NullInt64  `db:"passive_port"`
	RunID         string         `db:"run_id"`
	JobHandles    string         `db:"job_handles"`
	CreatedAt     time.Time      `db:"created_at"`
	FinishedAt    sql.NullTime   `db:"finished_at"`
}

// Dest returns scan destinations in TaskColumns order.
func (r *Task) Dest() []any {
	return []any{
		&r.ID, &r.Name, &r.OwnerID, &r.TargetURL, &r.Profile,
		&r.LoginURL, &r.LoginUsername, &r.LoginPassword,
		&r.Status, &r.EngineJobs, &r.PassivePort, &r.RunID, &r.JobHandles,
		&r.CreatedAt, &r.FinishedAt,
	}
}

// Args returns values in TaskColumns order.
func (r *Task) Args() []any {
	return []any{
		r.ID, r.Name, r.OwnerID, r.TargetURL, r.Profile,
		r.LoginURL, r.LoginUsername, r.LoginPassword,
		r.Status, r.EngineJobs, r.PassivePort, r.RunID, r.JobHandles,
		r.CreatedAt, r.FinishedAt,
	}
}

func FromTask(t *tasks.ScanTask) Task {
	r := Task{
		ID:         string(t.ID),
		Name:       t.Name,
		OwnerID:    t.OwnerID,
		TargetURL:  t.TargetURL,
		Profile:    string(t.Profile),
		Status:     string(t.Status),
		EngineJobs: "{}",
		RunID:      t.RunID,
		JobHandles: "[]",
		CreatedAt:  t.CreatedAt.UTC(),
	}
	if t.Login != nil {
		r.LoginURL = sql.NullString{String: t.Login.URL, Valid: true}
		r.LoginUsername = sql.NullString{String: t.Login.Username, Valid: true}
		r.LoginPassword = sql.NullString{String: t.Login.Password, Valid: true}
	}
	if len(t.EngineJobs) > 0 {
		b, _ := json.Marshal(t.EngineJobs)
		r.EngineJobs = string(b)
	}
	if len(t.JobHandles) > 0 {
		b, _ := json.Marshal(t.JobHandles)
		r.JobHandles = string(b)
	}
	if t.PassivePort != nil {
		r.PassivePort = sql.NullInt64{Int64: int64(*t.PassivePort), Valid: true}
	}
	if t.FinishedAt != nil {
		r.FinishedAt = sql.NullTime{Time: t.FinishedAt.UTC(), Valid: true}
	}
	return r
}

func (r *Task) ToTask() *tasks.ScanTask {
	t := &tasks.ScanTask{
		ID:        tasks.ID(r.ID),
		Name:      r.Name,
		OwnerID:   r.OwnerID,
		TargetURL: r.TargetURL,
		Profile:   tasks.Profile(r.Profile),
		Status:    tasks.Status(r.Status),
		RunID:     r.RunID,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.LoginUsername.Valid {
		t.Login = &tasks.Login{URL: r.LoginURL.String, Username: r.LoginUsername.String, Password: r.LoginPassword.String}
	}
	if s := strings.TrimSpace(r.EngineJobs); s != "" && s != "{}" {
		_ = json.Unmarshal([]byte(s), &t.EngineJobs)
	}
	if s := strings.TrimSpace(r.JobHandles); s != "" && s != "[]" {
		_ = json.Unmarshal([]byte(s), &t.JobHandles)
	}
	if r.PassivePort.Valid {
		p := int(r.PassivePort.Int64)
		t.PassivePort = &p
	}
	if r.FinishedAt.Valid {
		f := r.FinishedAt.Time.UTC()
		t.FinishedAt = &f
	}
	return t
}

// FindingColumns without the auto id, in Finding.Args order.
var FindingColumns = []string{
	"task_id", "engine", "scan_id", "vul_type", "severity",
	"description", "solution", "details", "detected_at",
}

// Finding row vulnerabilities
type Finding struct {
	ID          int64     `db:"id"`
	TaskID      string    `db:"task_id"`
	Engine      string    `db:"engine"`
	ScanID      string    `db:"scan_id"`
	VulType     string    `db:"vul_type"`
	Severity    int       `db:"severity"`
	Description string    `db:"description"`
	Solution    string    `db:"solution"`
	Details     string    `db:"details"`
	DetectedAt  time.Time `db:"detected_at"`
}

// Dest includes id first.
func (r *Finding) Dest() []any {
	return []any{
		&r.ID, &r.TaskID, &r.Engine, &r.ScanID, &r.VulType, &r.Severity,
		&r.Description, &r.Solution, &r.Details, &r.DetectedAt,
	}
}

func (r *Finding) Args() []any {
	return []any{
		r.TaskID, r.Engine, r.ScanID, r.VulType, r.Severity,
		r.Description, r.Solution, r.Details, r.DetectedAt,
	}
}

func FromFinding(taskID string, f findings.Finding) Finding {
	return Finding{
		TaskID:      taskID,
		Engine:      string(f.Engine),
		ScanID:      f.ScanID,
		VulType:     f.VulType,
		Severity:    int(f.Severity),
		Description: f.Description,
		Solution:    f.Solution,
		Details:     f.Details,
		DetectedAt:  f.DetectedAt.UTC(),
	}
}

func (r *Finding) ToFinding() findings.Finding {
	return findings.Finding{
		ID:          r.ID,
		TaskID:      r.TaskID,
		Engine:      engines.Name(r.Engine),
		ScanID:      r.ScanID,
		VulType:     r.VulType,
		Severity:    findings.Severity(r.Severity),
		Description: r.Description,
		Solution:    r.Solution,
		Details:     r.Details,
		DetectedAt:  r.DetectedAt.UTC(),
	}
}

// EscapeLike escapes LIKE wildcards; backslash is the escape char.
func EscapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

// SplitStatements drops "--" comment lines and splits on ';'. The schemas
// have no procedures, so a naive split is enough.
func SplitStatements(schema string) []string {
	var b strings.Builder
	for _, line := range strings.Split(schema, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
