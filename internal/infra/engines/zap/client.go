// Package zap adapts the OWASP ZAP JSON API to the engine port.
package zap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/infra/engines/httpapi"
)

// ErrBadJob is returned for job ids this adapter did not issue.
var ErrBadJob = errors.New("zap: bad job id")

type Config struct {
	BaseURL  string
	APIKey   string
	Insecure bool
	Timeout  time.Duration
	// PageSize for core/view/alerts paging (default 500)
	PageSize int
}

// Client implements engines.Adapter for ZAP active scans.
type Client struct {
	api      *httpapi.Client
	apiKey   string
	pageSize int
}

func New(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &Client{
		api: httpapi.New(httpapi.Config{
			BaseURL:            cfg.BaseURL,
			Timeout:            cfg.Timeout,
			InsecureSkipVerify: cfg.Insecure,
		}),
		apiKey:   cfg.APIKey,
		pageSize: cfg.PageSize,
	}
}

func (c *Client) Name() engines.Name { return engines.ZAP }

func (c *Client) Capabilities() engines.Capabilities {
	return engines.Capabilities{}
}

// job id = "scan=<id>&url=<target>", alerts are filtered by base url
func encodeJob(scanID, target string) engines.JobID {
	return engines.JobID(url.Values{"scan": {scanID}, "url": {target}}.Encode())
}

func decodeJob(job engines.JobID) (scanID, target string, err error) {
	v, err := url.ParseQuery(string(job))
	if err != nil || v.Get("scan") == "" {
		return "", "", fmt.Errorf("%w %q", ErrBadJob, job)
	}
	scanID, target = v.Get("scan"), v.Get("url")
	return scanID, target, nil
}

func (c *Client) call(ctx context.Context, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	if c.apiKey != "" {
		q.Set("apikey", c.apiKey)
	}
	return c.api.Do(ctx, http.MethodGet, path, q, nil, out)
}

// Start seeds the site tree with the target then launches an active scan.
func (c *Client) Start(ctx context.Context, req engines.StartRequest) (engines.JobID, error) {
	if err := c.call(ctx, "/JSON/core/action/accessUrl/", url.Values{
		"url": {req.TargetURL}, "followRedirects": {"true"},
	}, nil); err != nil {
		return "", fmt.Errorf("%w: access url: %v", engines.ErrStartFailed, err)
	}

	var resp struct {
		Scan string `json:"scan"`
	}
	if err := c.call(ctx, "/JSON/ascan/action/scan/", url.Values{
		"url": {req.TargetURL}, "recurse": {"true"},
	}, &resp); err != nil {
		return "", fmt.Errorf("%w: ascan: %v", engines.ErrStartFailed, err)
	}
	if resp.Scan == "" {
		return "", fmt.Errorf("%w: empty scan id", engines.ErrStartFailed)
	}
	return encodeJob(resp.Scan, req.TargetURL), nil
}

// Poll reads ascan/view/status, 100 means finished.
func (c *Client) Poll(ctx context.Context, job engines.JobID) (engines.PollResult, error) {
	scanID, _, err := decodeJob(job)
	if err != nil {
		return engines.PollResult{}, err
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "/JSON/ascan/view/status/", url.Values{"scanId": {scanID}}, &resp); err != nil {
		// ZAP answers 400 "does_not_exist" once the scan has been removed
		if httpapi.IsStatus(err, http.StatusBadRequest, http.StatusNotFound) {
			return engines.PollResult{Done: true}, nil
		}
		return engines.PollResult{}, err
	}
	pct, err := strconv.Atoi(resp.Status)
	if err != nil {
		return engines.PollResult{}, fmt.Errorf("zap: bad status %q", resp.Status)
	}
	if pct >= 100 {
		return engines.PollResult{Done: true, Success: true, Progress: 100}, nil
	}
	return engines.PollResult{Progress: pct}, nil
}

type alert struct {
	ID          string `json:"id"`
	PluginID    string `json:"pluginId"`
	Alert       string `json:"alert"`
	Name        string `json:"name"`
	Risk        string `json:"risk"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
	URL         string `json:"url"`
	Param       string `json:"param"`
	Evidence    string `json:"evidence"`
	Attack      string `json:"attack"`
}

// FetchFindings pages through core/view/alerts for the scanned base url.
func (c *Client) FetchFindings(ctx context.Context, job engines.JobID) ([]engines.FindingDTO, error) {
	_, target, err := decodeJob(job)
	if err != nil {
		return nil, err
	}
	var out []engines.FindingDTO
	for start := 0; ; start += c.pageSize {
		var resp struct {
			Alerts []alert `json:"alerts"`
		}
		q := url.Values{
			"baseurl": {target},
			"start":   {strconv.Itoa(start)},
			"count":   {strconv.Itoa(c.pageSize)},
		}
		if err := c.call(ctx, "/JSON/core/view/alerts/", q, &resp); err != nil {
			return nil, err
		}
		for _, a := range resp.Alerts {
			out = append(out, toDTO(a))
		}
		if len(resp.Alerts) < c.pageSize {
			return out, nil
		}
	}
}

// Stop ignores scans ZAP no longer knows about.
func (c *Client) Stop(ctx context.Context, job engines.JobID) error {
	scanID, _, err := decodeJob(job)
	if err != nil {
		return err
	}
	err = c.call(ctx, "/JSON/ascan/action/stop/", url.Values{"scanId": {scanID}}, nil)
	if httpapi.IsStatus(err, http.StatusBadRequest, http.StatusNotFound) {
		return nil
	}
	return err
}

func toDTO(a alert) engines.FindingDTO {
	name := a.Alert
	if name == "" {
		name = a.Name
	}
	var details []string
	for _, kv := range [][2]string{{"url", a.URL}, {"param", a.Param}, {"attack", a.Attack}, {"evidence", a.Evidence}} {
		if kv[1] != "" {
			details = append(details, kv[0]+": "+kv[1])
		}
	}
	return engines.FindingDTO{
		ScanID:      a.ID,
		VulType:     name,
		Severity:    riskToSeverity(a.Risk),
		Description: a.Description,
		Solution:    a.Solution,
		Details:     strings.Join(details, "\n"),
	}
}

// ZAP risk: Informational, Low, Medium, High. It has no critical level.
func riskToSeverity(risk string) string {
	switch strings.ToLower(strings.TrimSpace(risk)) {
	case "high":
		return "high"
	case "medium":
		return "medium"
	case "low":
		return "low"
	default:
		return "info"
	}
}

var _ engines.Adapter = (*Client)(nil)
