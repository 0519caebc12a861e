package engines

import (
	"context"
	"errors"
	"time"
)

// Name engine tag
type Name string

const (
	AWVS    Name = "awvs"
	ZAP     Name = "zap"
	Passive Name = "passive"
)

// JobID opaque external job identifier
type JobID string

var (
	// ErrStartFailed wraps any adapter Start error.
	ErrStartFailed = errors.New("engine start failed")

	// ErrTransient marks a poll/fetch error that is worth retrying.
	ErrTransient = errors.New("transient engine error")
)

// Login credentials forwarded to engines with LoginAutomation.
type Login struct {
	URL      string
	Username string
	Password string
}

// StartRequest parameters for starting one engine job
type StartRequest struct {
	TaskID    string
	TargetURL string
	Profile   string
	// ListenPort is the leased port for engines with NeedsListenerPort.
	ListenPort int
	// ProxyPort, when non-zero, is the passive listener active engines should route through.
	ProxyPort int
	Login     *Login
}

// PollResult status of an engine job
type PollResult struct {
	Done     bool
	Success  bool
	Progress int
}

// Capabilities describe optional adapter behavior.
type Capabilities struct {
	LoginAutomation   bool
	UpstreamProxy     bool
	NeedsListenerPort bool
	// Incremental adapters can return findings while the job is still running.
	Incremental bool
	// FollowsActive adapters never finish on their own and are drained once
	// every other engine of the run has reported.
	FollowsActive bool
}

// FindingDTO is what adapters return; it becomes a findings.Finding.
type FindingDTO struct {
	ScanID      string    `json:"scan_id"`
	VulType     string    `json:"vul_type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Solution    string    `json:"solution"`
	Details     string    `json:"details,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Adapter port, satu implementasi per engine
type Adapter interface {
	Name() Name
	Capabilities() Capabilities
	Start(ctx context.Context, req StartRequest) (JobID, error)
	Poll(ctx context.Context, job JobID) (PollResult, error)
	FetchFindings(ctx context.Context, job JobID) ([]FindingDTO, error)
	Stop(ctx context.Context, job JobID) error
}
