package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
)

// ID tipe untuk ScanTask
type ID string

// Status enum
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Profile enum, nama profile mengikuti AWVS
type Profile string

const (
	ProfileFull      Profile = "full"
	ProfileQuick     Profile = "quick"
	ProfileXSS       Profile = "xss"
	ProfileSQL       Profile = "sql"
	ProfileCrawlOnly Profile = "crawl_only"
)

var profileEngines = map[Profile][]engines.Name{
	ProfileFull:      {engines.AWVS, engines.ZAP, engines.Passive},
	ProfileQuick:     {engines.AWVS},
	ProfileXSS:       {engines.AWVS, engines.Passive},
	ProfileSQL:       {engines.AWVS, engines.Passive},
	ProfileCrawlOnly: {engines.AWVS, engines.Passive},
}

// ParseProfile normalizes and validates a profile name.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profileEngines[p]; !ok {
		return "", fmt.Errorf("%w: unknown scan profile %q", ErrValidation, s)
	}
	return p, nil
}

// Engines returns the engines a profile runs, in start order.
func (p Profile) Engines() []engines.Name {
	list := profileEngines[p]
	out := make([]engines.Name, len(list))
	copy(out, list)
	return out
}

// Login holds credentials for engines that automate authentication.
type Login struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// Aggregate Root: ScanTask
type ScanTask struct {
	ID        ID      `json:"id"`
	Name      string  `json:"name"`
	OwnerID   string  `json:"owner_id"`
	TargetURL string  `json:"target_url"`
	Profile   Profile `json:"profile"`
	Login     *Login  `json:"login,omitempty"`
	Status    Status  `json:"status"`

	// EngineJobs holds the external job id per engine; an engine absent from
	// the map was not used for this task.
	EngineJobs  map[engines.Name]string `json:"engine_jobs,omitempty"`
	PassivePort *int                    `json:"passive_port,omitempty"`

	// RunID and JobHandles identify the active orchestration run; only used by stop.
	RunID      string   `json:"run_id,omitempty"`
	JobHandles []string `json:"job_handles,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers never share maps or pointers with a store.
func (t *ScanTask) Clone() *ScanTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Login != nil {
		l := *t.Login
		c.Login = &l
	}
	if t.EngineJobs != nil {
		c.EngineJobs = make(map[engines.Name]string, len(t.EngineJobs))
		for k, v := range t.EngineJobs {
			c.EngineJobs[k] = v
		}
	}
	if t.PassivePort != nil {
		p := *t.PassivePort
		c.PassivePort = &p
	}
	if t.JobHandles != nil {
		c.JobHandles = append([]string(nil), t.JobHandles...)
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}

// ClearRun drops the bookkeeping of a finished orchestration run.
func (t *ScanTask) ClearRun() {
	t.RunID = ""
	t.JobHandles = nil
	t.PassivePort = nil
}
