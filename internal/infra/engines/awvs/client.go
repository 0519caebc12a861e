// Package awvs adapts the Acunetix (AWVS) REST API to the engine port.
package awvs

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/infra/engines/httpapi"
)

// profile ids of the built-in AWVS scanning profiles
var profileIDs = map[string]string{
	"full":       "11111111-1111-1111-1111-111111111111",
	"quick":      "11111111-1111-1111-1111-111111111112",
	"sql":        "11111111-1111-1111-1111-111111111113",
	"xss":        "11111111-1111-1111-1111-111111111116",
	"crawl_only": "11111111-1111-1111-1111-111111111117",
}

var severityNames = map[int]string{0: "info", 1: "low", 2: "medium", 3: "high", 4: "critical"}

type Config struct {
	BaseURL  string
	APIKey   string
	Insecure bool
	Timeout  time.Duration
	// ProxyHost is the address AWVS uses to reach the passive listener.
	ProxyHost string
}

// Client implements engines.Adapter for AWVS.
type Client struct {
	api       *httpapi.Client
	proxyHost string
}

func New(cfg Config) *Client {
	if cfg.ProxyHost == "" {
		cfg.ProxyHost = "172.17.0.1"
	}
	return &Client{
		api: httpapi.New(httpapi.Config{
			BaseURL:            cfg.BaseURL,
			Timeout:            cfg.Timeout,
			InsecureSkipVerify: cfg.Insecure,
			Headers:            map[string]string{"X-Auth": cfg.APIKey},
		}),
		proxyHost: cfg.ProxyHost,
	}
}

func (c *Client) Name() engines.Name { return engines.AWVS }

func (c *Client) Capabilities() engines.Capabilities {
	return engines.Capabilities{LoginAutomation: true, UpstreamProxy: true, Incremental: true}
}

type targetResp struct {
	TargetID string `json:"target_id"`
}

type scanResp struct {
	ScanID         string `json:"scan_id"`
	TargetID       string `json:"target_id"`
	CurrentSession struct {
		Status        string `json:"status"`
		Progress      int    `json:"progress"`
		ScanSessionID string `json:"scan_session_id"`
	} `json:"current_session"`
}

// Start registers the target, applies login and proxy configuration and
// schedules the scan. The returned job id is the AWVS scan id.
func (c *Client) Start(ctx context.Context, req engines.StartRequest) (engines.JobID, error) {
	profile, ok := profileIDs[req.Profile]
	if !ok {
		profile = profileIDs["full"]
	}

	var target targetResp
	if err := c.api.Do(ctx, http.MethodPost, "/api/v1/targets", nil, map[string]any{
		"address":     req.TargetURL,
		"description": "scanhive task " + req.TaskID,
	}, &target); err != nil {
		return "", fmt.Errorf("%w: add target: %v", engines.ErrStartFailed, err)
	}
	cfgPath := "/api/v1/targets/" + url.PathEscape(target.TargetID) + "/configuration"

	if req.Login != nil {
		if err := c.api.Do(ctx, http.MethodPatch, cfgPath, nil, map[string]any{
			"login": map[string]any{
				"kind": "automatic",
				"credentials": map[string]any{
					"enabled":  true,
					"username": req.Login.Username,
					"password": req.Login.Password,
					"url":      req.Login.URL,
				},
			},
		}, nil); err != nil {
			return "", fmt.Errorf("%w: configure login: %v", engines.ErrStartFailed, err)
		}
	}
	if req.ProxyPort > 0 {
		if err := c.api.Do(ctx, http.MethodPatch, cfgPath, nil, map[string]any{
			"proxy": map[string]any{
				"enabled":  true,
				"protocol": "http",
				"address":  c.proxyHost,
				"port":     req.ProxyPort,
			},
		}, nil); err != nil {
			return "", fmt.Errorf("%w: configure proxy: %v", engines.ErrStartFailed, err)
		}
	}

	var scan scanResp
	if err := c.api.Do(ctx, http.MethodPost, "/api/v1/scans", nil, map[string]any{
		"target_id":  target.TargetID,
		"profile_id": profile,
		"schedule":   map[string]any{"disable": false, "start_date": nil, "time_sensitive": false},
	}, &scan); err != nil {
		return "", fmt.Errorf("%w: schedule scan: %v", engines.ErrStartFailed, err)
	}
	if scan.ScanID == "" {
		return "", fmt.Errorf("%w: empty scan id", engines.ErrStartFailed)
	}
	return engines.JobID(scan.ScanID), nil
}

func (c *Client) scan(ctx context.Context, job engines.JobID) (scanResp, error) {
	var s scanResp
	err := c.api.Do(ctx, http.MethodGet, "/api/v1/scans/"+url.PathEscape(string(job)), nil, nil, &s)
	return s, err
}

// Poll maps the session status: completed is success, failed and aborted
// are unsuccessful completions, anything else is still running.
func (c *Client) Poll(ctx context.Context, job engines.JobID) (engines.PollResult, error) {
	s, err := c.scan(ctx, job)
	if err != nil {
		return engines.PollResult{}, err
	}
	res := engines.PollResult{Progress: s.CurrentSession.Progress}
	switch s.CurrentSession.Status {
	case "completed":
		res.Done, res.Success, res.Progress = true, true, 100
	case "failed", "aborted":
		res.Done = true
	}
	return res, nil
}

type vulnItem struct {
	VulnID   string `json:"vuln_id"`
	VtName   string `json:"vt_name"`
	Severity int    `json:"severity"`
	LastSeen string `json:"last_seen"`
}

type vulnDetail struct {
	VtName         string `json:"vt_name"`
	Severity       int    `json:"severity"`
	Description    string `json:"description"`
	Details        string `json:"details"`
	Recommendation string `json:"recommendation"`
}

// FetchFindings returns every vulnerability of the current session. A
// session id that is not assigned yet means nothing to fetch.
func (c *Client) FetchFindings(ctx context.Context, job engines.JobID) ([]engines.FindingDTO, error) {
	s, err := c.scan(ctx, job)
	if err != nil {
		return nil, err
	}
	session := s.CurrentSession.ScanSessionID
	if session == "" {
		return nil, nil
	}
	base := "/api/v1/scans/" + url.PathEscape(string(job)) + "/results/" + url.PathEscape(session) + "/vulnerabilities"

	var list struct {
		Vulnerabilities []vulnItem `json:"vulnerabilities"`
	}
	if err := c.api.Do(ctx, http.MethodGet, base, nil, nil, &list); err != nil {
		return nil, err
	}

	out := make([]engines.FindingDTO, 0, len(list.Vulnerabilities))
	for _, v := range list.Vulnerabilities {
		var d vulnDetail
		if err := c.api.Do(ctx, http.MethodGet, base+"/"+url.PathEscape(v.VulnID), nil, nil, &d); err != nil {
			return nil, err
		}
		name := d.VtName
		if name == "" {
			name = v.VtName
		}
		out = append(out, engines.FindingDTO{
			ScanID:      v.VulnID,
			VulType:     name,
			Severity:    severity(d.Severity),
			Description: d.Description,
			Solution:    d.Recommendation,
			Details:     d.Details,
			DetectedAt:  parseTime(v.LastSeen),
		})
	}
	return out, nil
}

// Stop aborts the scan. A scan that is already gone or finished is fine.
func (c *Client) Stop(ctx context.Context, job engines.JobID) error {
	err := c.api.Do(ctx, http.MethodPost, "/api/v1/scans/"+url.PathEscape(string(job))+"/abort", nil, nil, nil)
	if httpapi.IsStatus(err, http.StatusNotFound, http.StatusConflict) {
		return nil
	}
	return err
}

func severity(n int) string {
	if s, ok := severityNames[n]; ok {
		return s
	}
	return "info"
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
