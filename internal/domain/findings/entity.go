package findings

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
)

// Severity ordered enum: info < low < medium < high < critical
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return "info"
	}
	return severityNames[s]
}

// ParseSeverity accepts the canonical names plus a few engine spellings.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational", "information":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "medium", "moderate":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Finding one vulnerability reported by one engine. Never mutated after insert.
type Finding struct {
	ID          int64        `json:"id"`
	TaskID      string       `json:"task_id"`
	Engine      engines.Name `json:"engine"`
	ScanID      string       `json:"scan_id"`
	VulType     string       `json:"vul_type"`
	Severity    Severity     `json:"severity"`
	Description string       `json:"description"`
	Solution    string       `json:"solution"`
	Details     string       `json:"details,omitempty"`
	DetectedAt  time.Time    `json:"detected_at"`
}

// FromDTO converts an adapter result. Unknown severities fall back to info.
func FromDTO(taskID string, engine engines.Name, d engines.FindingDTO) Finding {
	sev, _ := ParseSeverity(d.Severity)
	detected := d.DetectedAt
	if detected.IsZero() {
		detected = time.Now().UTC()
	}
	return Finding{
		TaskID:      taskID,
		Engine:      engine,
		ScanID:      d.ScanID,
		VulType:     d.VulType,
		Severity:    sev,
		Description: d.Description,
		Solution:    d.Solution,
		Details:     d.Details,
		DetectedAt:  detected,
	}
}

// ByEngine groups findings as engine -> scan_id -> finding.
type ByEngine map[engines.Name]map[string]Finding

// Group builds a ByEngine index from a flat list.
func Group(list []Finding) ByEngine {
	out := ByEngine{}
	for _, f := range list {
		m, ok := out[f.Engine]
		if !ok {
			m = map[string]Finding{}
			out[f.Engine] = m
		}
		m[f.ScanID] = f
	}
	return out
}

// Has reports whether (engine, scanID) is already present.
func (b ByEngine) Has(engine engines.Name, scanID string) bool {
	_, ok := b[engine][scanID]
	return ok
}

// SeverityCounts value object
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Add increments the bucket of s.
func (c *SeverityCounts) Add(s Severity, n int) {
	switch s {
	case SeverityCritical:
		c.Critical += n
	case SeverityHigh:
		c.High += n
	case SeverityMedium:
		c.Medium += n
	case SeverityLow:
		c.Low += n
	default:
		c.Info += n
	}
	c.Total += n
}
