// Package passive runs the passive proxy scanner (xray webscan) in a docker
// container and reads its JSON output incrementally.
package passive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
)

// Commander menjalankan command eksternal (docker). Diganti di test.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommander is the os/exec implementation.
type ExecCommander struct{}

func (ExecCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Uploader archives the raw output once a job is stopped (storage.Store).
type Uploader interface {
	UploadAndCleanup(ctx context.Context, localPath, key string) (string, error)
}

type Config struct {
	Image     string
	DockerBin string
	// OutputDir is mounted at /out inside the container.
	OutputDir string
}

type jobState struct {
	offset  int64
	pending []engines.FindingDTO
}

// Runner implements engines.Adapter.
type Runner struct {
	cfg      Config
	cmd      Commander
	uploader Uploader
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[engines.JobID]*jobState
}

// NewRunner; cmd nil pakai ExecCommander, uploader boleh nil.
func NewRunner(cfg Config, cmd Commander, uploader Uploader, logger *slog.Logger) *Runner {
	if cfg.Image == "" {
		cfg.Image = "chaitin/xray:latest"
	}
	if cfg.DockerBin == "" {
		cfg.DockerBin = "docker"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(".", "temp")
	}
	if cmd == nil {
		cmd = ExecCommander{}
	}
	return &Runner{
		cfg:      cfg,
		cmd:      cmd,
		uploader: uploader,
		logger:   logging.OrDefault(logger).With("engine", string(engines.Passive)),
		jobs:     map[engines.JobID]*jobState{},
	}
}

func (r *Runner) Name() engines.Name { return engines.Passive }

func (r *Runner) Capabilities() engines.Capabilities {
	return engines.Capabilities{NeedsListenerPort: true, FollowsActive: true, Incremental: true}
}

func (r *Runner) outputPath(job engines.JobID) string {
	return filepath.Join(r.cfg.OutputDir, string(job)+".json")
}

// Start launches a detached container listening on req.ListenPort. The job
// id is the container name.
func (r *Runner) Start(ctx context.Context, req engines.StartRequest) (engines.JobID, error) {
	if req.ListenPort <= 0 {
		return "", fmt.Errorf("%w: passive scanner needs a listen port", engines.ErrStartFailed)
	}
	outDir, err := filepath.Abs(r.cfg.OutputDir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engines.ErrStartFailed, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", engines.ErrStartFailed, err)
	}

	job := engines.JobID(fmt.Sprintf("scanhive-passive-%s-%d", req.TaskID, req.ListenPort))
	port := strconv.Itoa(req.ListenPort)
	out, err := r.cmd.Run(ctx, r.cfg.DockerBin, "run", "-d", "--rm",
		"--name", string(job),
		"-p", port+":"+port,
		"-v", outDir+":/out",
		r.cfg.Image,
		"webscan",
		"--listen", "0.0.0.0:"+port,
		"--json-output", "/out/"+string(job)+".json",
	)
	if err != nil {
		return "", fmt.Errorf("%w: docker run: %v, output=%s", engines.ErrStartFailed, err, strings.TrimSpace(string(out)))
	}

	r.mu.Lock()
	r.jobs[job] = &jobState{}
	r.mu.Unlock()
	r.logger.Info("passive listener started", "job", job, "port", req.ListenPort)
	return job, nil
}

func missing(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "No such object") || strings.Contains(s, "No such container")
}

// Poll checks the container state. A container that went away on its own
// (it runs with --rm) counts as an unsuccessful finish.
func (r *Runner) Poll(ctx context.Context, job engines.JobID) (engines.PollResult, error) {
	out, err := r.cmd.Run(ctx, r.cfg.DockerBin, "inspect", "-f", "{{.State.Running}}", string(job))
	if err != nil {
		if missing(out) {
			return engines.PollResult{Done: true}, nil
		}
		return engines.PollResult{}, fmt.Errorf("%w: docker inspect: %v", engines.ErrTransient, err)
	}
	if strings.TrimSpace(string(out)) == "true" {
		return engines.PollResult{}, nil
	}
	return engines.PollResult{Done: true}, nil
}

// FetchFindings returns what was parsed at Stop plus whatever the scanner
// appended since the last call.
func (r *Runner) FetchFindings(ctx context.Context, job engines.JobID) ([]engines.FindingDTO, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(job)

	fresh, err := r.parseNew(job, st)
	if err != nil {
		return nil, err
	}
	out := append(st.pending, fresh...)
	st.pending = nil
	return out, nil
}

// Stop stops the container, parses the remaining output and archives it.
func (r *Runner) Stop(ctx context.Context, job engines.JobID) error {
	out, err := r.cmd.Run(ctx, r.cfg.DockerBin, "stop", "-t", "5", string(job))
	if err != nil && !missing(out) {
		return fmt.Errorf("docker stop %s: %v, output=%s", job, err, strings.TrimSpace(string(out)))
	}

	r.mu.Lock()
	st := r.state(job)
	rest, perr := r.parseNew(job, st)
	st.pending = append(st.pending, rest...)
	r.mu.Unlock()
	if perr != nil {
		r.logger.Warn("parse remaining output failed", "job", job, "err", perr)
	}

	if r.uploader == nil {
		return nil
	}
	path := r.outputPath(job)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	key := fmt.Sprintf("passive/%s-%d.json", job, time.Now().UTC().Unix())
	if url, err := r.uploader.UploadAndCleanup(ctx, path, key); err != nil {
		r.logger.Warn("archive raw output failed", "job", job, "err", err)
	} else {
		r.logger.Info("raw output archived", "job", job, "url", url)
	}
	return nil
}

// state must be called with mu held.
func (r *Runner) state(job engines.JobID) *jobState {
	st, ok := r.jobs[job]
	if !ok {
		st = &jobState{}
		r.jobs[job] = st
	}
	return st
}

// parseNew reads complete lines after the saved offset. mu must be held.
func (r *Runner) parseNew(job engines.JobID, st *jobState) ([]engines.FindingDTO, error) {
	f, err := os.Open(r.outputPath(job))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(st.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	// baris terakhir bisa masih ditulis, tunggu sampai ada newline
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, nil
	}
	list, bad := ParseOutput(string(job), data[:end+1])
	if bad > 0 {
		r.logger.Warn("skipped unparsable output lines", "job", job, "lines", bad)
	}
	st.offset += int64(end + 1)
	return list, nil
}

type record struct {
	CreateTime int64  `json:"create_time"`
	Plugin     string `json:"plugin"`
	Target     struct {
		URL string `json:"url"`
	} `json:"target"`
	Detail struct {
		Payload  string     `json:"payload"`
		Snapshot [][]string `json:"snapshot"`
	} `json:"detail"`
	Extra map[string]any `json:"extra"`
}

var pluginTexts = map[string][2]string{
	"dirscan":  {"Sensitive directory exposure", "Remove unnecessary sensitive files from the web root"},
	"poc-yaml": {"Known vulnerability exploit", "Upgrade the affected component"},
	"sqldet":   {"SQL injection", "Use parameterized queries"},
}

// ParseOutput parses a chunk of the scanner's JSON array output one object
// per line. The array may be unterminated. Returns the number of lines skipped.
func ParseOutput(job string, chunk []byte) ([]engines.FindingDTO, int) {
	var out []engines.FindingDTO
	bad := 0
	for _, line := range strings.Split(string(chunk), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "[")
		line = strings.TrimSuffix(line, "]")
		line = strings.Trim(strings.TrimSpace(line), ",")
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Plugin == "" {
			bad++
			continue
		}
		out = append(out, toDTO(job, rec))
	}
	return out, bad
}

func toDTO(job string, rec record) engines.FindingDTO {
	kind := strings.SplitN(rec.Plugin, "/", 2)[0]
	texts, ok := pluginTexts[kind]
	if !ok {
		texts = [2]string{"Security risk", "Follow secure coding guidance to remediate"}
	}

	level := "info"
	if v, ok := rec.Extra["level"].(string); ok && v != "" {
		level = strings.ToLower(v)
	}

	var snaps []string
	for _, s := range rec.Detail.Snapshot {
		if len(s) == 2 {
			snaps = append(snaps, "Request:\n"+s[0]+"\nResponse:\n"+s[1])
		}
	}
	details, _ := json.Marshal(map[string]any{
		"target":   rec.Target.URL,
		"payload":  rec.Detail.Payload,
		"snapshot": strings.Join(snaps, "\n\n"),
		"extra":    rec.Extra,
	})

	// scan_id deterministic supaya insert idempotent
	h1, h2 := murmur3.Sum128([]byte(fmt.Sprintf("%s|%d|%s|%s|%s", job, rec.CreateTime, rec.Plugin, rec.Target.URL, rec.Detail.Payload)))

	var detected time.Time
	if rec.CreateTime > 0 {
		detected = time.UnixMilli(rec.CreateTime).UTC()
	}
	return engines.FindingDTO{
		ScanID:      fmt.Sprintf("passive_%d_%016x%016x", rec.CreateTime, h1, h2),
		VulType:     rec.Plugin,
		Severity:    level,
		Description: texts[0] + " @ " + rec.Target.URL,
		Solution:    texts[1],
		Details:     string(details),
		DetectedAt:  detected,
	}
}

var _ engines.Adapter = (*Runner)(nil)
