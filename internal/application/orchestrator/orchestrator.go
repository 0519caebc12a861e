// Package orchestrator fans a scan task out to its engines, polls each
// engine job on a shared worker pool and finalizes the task once all of
// them have reported.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/scanhive/internal/application/dedup"
	"github.com/bryanwahyu/scanhive/internal/application/lifecycle"
	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/logging"
	"github.com/bryanwahyu/scanhive/internal/infra/retry"
)

// Ports leases listener ports for engines that need one.
type Ports interface {
	Allocate(taskID string) (int, error)
	Release(taskID string) bool
}

// Scheduler runs units of work with bounded concurrency.
type Scheduler interface {
	Submit(task func()) bool
	SubmitAfter(d time.Duration, task func()) bool
}

// Deduper filters a fetched batch against what is already stored.
type Deduper interface {
	Run(ctx context.Context, fresh []findings.Finding, existing findings.ByEngine) (dedup.Result, error)
}

// Metrics is the subset of the recorder used here.
type Metrics interface {
	RunStarted()
	RunFinished(outcome string)
	RunRejected(outcome string)
	Unit(engine, outcome string)
	Findings(engine string, persisted, dropped int)
}

// Config tunes polling and listener readiness.
type Config struct {
	Poll retry.Config
	// Backoff paces the next poll after a failed status call.
	Backoff retry.Config
	Ready   retry.Config
	// ListenerHost is dialed to check that a passive listener is up.
	ListenerHost string
}

func DefaultConfig() Config {
	return Config{
		Poll:         retry.PollConfig(),
		Backoff:      retry.BackoffConfig(),
		Ready:        retry.ReadyConfig(),
		ListenerHost: "127.0.0.1",
	}
}

// Orchestrator owns the in-memory runs. One instance per process.
type Orchestrator struct {
	Adapters map[engines.Name]engines.Adapter
	Machine  *lifecycle.Machine
	Tasks    tasks.Repository
	Findings findings.Repository
	Dedup    Deduper
	Archive  findings.Archive // optional
	Ports    Ports
	Pool     Scheduler
	Metrics  Metrics // optional
	Logger   *slog.Logger
	Cfg      Config

	// WaitReady blocks until the listener on port accepts connections.
	// Defaults to dialing Cfg.ListenerHost under Cfg.Ready.
	WaitReady func(ctx context.Context, port int) error

	mu   sync.Mutex
	runs map[tasks.ID]*Run
}

var errRunExists = errors.New("orchestration run already active")

func (o *Orchestrator) log() *slog.Logger { return logging.OrDefault(o.Logger) }

// Active returns the in-memory run of a task, if any.
func (o *Orchestrator) Active(id tasks.ID) (*Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	return r, ok
}

func (o *Orchestrator) register(r *Run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs == nil {
		o.runs = map[tasks.ID]*Run{}
	}
	if _, ok := o.runs[r.TaskID]; ok {
		return errRunExists
	}
	o.runs[r.TaskID] = r
	return nil
}

func (o *Orchestrator) unregister(r *Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.runs[r.TaskID]; ok && cur == r {
		delete(o.runs, r.TaskID)
	}
}

// Start launches every engine of the task's profile. It returns once at
// least one engine job is accepted; the outcome is observed later through
// the task status and logs.
func (o *Orchestrator) Start(ctx context.Context, id tasks.ID) (*Run, error) {
	task, err := o.Tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tasks.CanTransition(task.Status, tasks.StatusRunning) {
		return nil, &tasks.InvalidTransitionError{From: task.Status, To: tasks.StatusRunning}
	}

	r := newRun(ctx, uuid.NewString(), id)
	if err := o.register(r); err != nil {
		return nil, &tasks.InvalidTransitionError{From: tasks.StatusRunning, To: tasks.StatusRunning}
	}
	log := o.log().With("task_id", id, "run_id", r.ID)

	started, err := o.launch(ctx, log, r, task)
	if err != nil {
		o.teardown(r)
		if o.Metrics != nil {
			o.Metrics.RunRejected("start_failed")
		}
		return nil, err
	}

	if o.Metrics != nil {
		o.Metrics.RunStarted()
	}
	log.Info("orchestration run started", "engines", started)
	o.dispatch(r)
	return r, nil
}

// launch starts the engines and records the run on the task. On error the
// caller tears the run down; launch has already stopped what it started.
func (o *Orchestrator) launch(ctx context.Context, log *slog.Logger, r *Run, task *tasks.ScanTask) ([]engines.Name, error) {
	var listener *unit
	var active []engines.Name

	for _, name := range task.Profile.Engines() {
		a, ok := o.Adapters[name]
		if !ok {
			log.Warn("engine not configured, skipped", "engine", name)
			continue
		}
		if a.Capabilities().NeedsListenerPort {
			u, err := o.startListener(ctx, log, r, task, a)
			if err != nil {
				return nil, err
			}
			listener = u
			continue
		}
		active = append(active, name)
	}

	if _, err := o.Machine.Transition(ctx, task.ID, lifecycle.Change{
		To:      tasks.StatusRunning,
		Level:   tasklog.LevelInfo,
		Message: "scan started",
		Mutate:  func(t *tasks.ScanTask) { t.RunID = r.ID },
	}); err != nil {
		o.stopUnits(log, listener)
		return nil, err
	}

	var units []*unit
	if listener != nil {
		units = append(units, listener)
	}
	for _, name := range active {
		a := o.Adapters[name]
		caps := a.Capabilities()
		req := engines.StartRequest{
			TaskID:    string(task.ID),
			TargetURL: task.TargetURL,
			Profile:   string(task.Profile),
		}
		if caps.UpstreamProxy && listener != nil {
			req.ProxyPort = r.Port
		}
		if caps.LoginAutomation && task.Login != nil {
			req.Login = &engines.Login{URL: task.Login.URL, Username: task.Login.Username, Password: task.Login.Password}
		}
		job, err := a.Start(ctx, req)
		if err != nil {
			o.engineStartFailed(ctx, log, task.ID, name, err)
			continue
		}
		units = append(units, &unit{run: r, engine: name, adapter: a, caps: caps, job: job, handle: uuid.NewString()})
	}

	if len(units) == 0 {
		o.fail(context.WithoutCancel(ctx), log, task.ID, lifecycle.Change{
			To:      tasks.StatusFailed,
			Level:   tasklog.LevelError,
			Message: "no engine could be started",
			Mutate:  (*tasks.ScanTask).ClearRun,
		})
		return nil, fmt.Errorf("%w: no engine could be started", tasks.ErrOrchestration)
	}

	jobs := make(map[engines.Name]string, len(units))
	handles := make([]string, 0, len(units))
	for _, u := range units {
		jobs[u.engine] = string(u.job)
		handles = append(handles, u.handle)
	}
	if _, err := o.Tasks.Update(ctx, task.ID, func(t *tasks.ScanTask) error {
		t.EngineJobs = jobs
		t.JobHandles = handles
		if r.Port != 0 {
			p := r.Port
			t.PassivePort = &p
		}
		return nil
	}); err != nil {
		o.stopUnits(log, units...)
		o.fail(context.WithoutCancel(ctx), log, task.ID, lifecycle.Change{
			To: tasks.StatusFailed, Level: tasklog.LevelError,
			Message: "recording engine jobs failed: " + err.Error(),
			Mutate:  (*tasks.ScanTask).ClearRun,
		})
		return nil, fmt.Errorf("%w: record engine jobs: %v", tasks.ErrOrchestration, err)
	}

	r.mu.Lock()
	r.units = units
	r.pending = len(units)
	for _, u := range units {
		if u.caps.FollowsActive {
			r.followers = append(r.followers, u)
		} else {
			r.activeLeft++
		}
	}
	r.mu.Unlock()

	names := make([]engines.Name, 0, len(units))
	for _, u := range units {
		names = append(names, u.engine)
	}
	return names, nil
}

// startListener leases a port, starts the listening engine and waits for it
// to accept connections. A start error only drops the engine; a listener
// that never comes up fails the whole start.
func (o *Orchestrator) startListener(ctx context.Context, log *slog.Logger, r *Run, task *tasks.ScanTask, a engines.Adapter) (*unit, error) {
	name := a.Name()
	port, err := o.Ports.Allocate(string(task.ID))
	if err != nil {
		log.Warn("port allocation failed", "engine", name, "err", err)
		return nil, err
	}
	r.Port = port

	job, err := a.Start(ctx, engines.StartRequest{
		TaskID:     string(task.ID),
		TargetURL:  task.TargetURL,
		Profile:    string(task.Profile),
		ListenPort: port,
	})
	if err != nil {
		o.Ports.Release(string(task.ID))
		r.Port = 0
		o.engineStartFailed(ctx, log, task.ID, name, err)
		return nil, nil
	}
	u := &unit{run: r, engine: name, adapter: a, caps: a.Capabilities(), job: job, handle: uuid.NewString()}

	if err := o.waitReady(ctx, port); err != nil {
		log.Error("listener never came up", "engine", name, "port", port, "err", err)
		o.stopUnits(log, u)
		o.Ports.Release(string(task.ID))
		r.Port = 0
		msg := fmt.Sprintf("%s listener on port %d not ready: %v", name, port, err)
		if task.Status == tasks.StatusFailed {
			o.Machine.Log(ctx, task.ID, tasklog.LevelError, msg)
		} else {
			o.fail(context.WithoutCancel(ctx), log, task.ID, lifecycle.Change{
				To: tasks.StatusFailed, Level: tasklog.LevelError, Message: msg,
			})
		}
		return nil, fmt.Errorf("%w: %s", tasks.ErrOrchestration, msg)
	}
	log.Info("listener ready", "engine", name, "port", port)
	return u, nil
}

func (o *Orchestrator) waitReady(ctx context.Context, port int) error {
	if o.WaitReady != nil {
		return o.WaitReady(ctx, port)
	}
	addr := net.JoinHostPort(o.Cfg.ListenerHost, strconv.Itoa(port))
	return retry.Do(ctx, o.Cfg.Ready, func() error {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return dialError(err)
		}
		return conn.Close()
	})
}

// fail moves the task to failed on an error path. The task may already be
// gone or moved on, so a refused transition is only logged.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, id tasks.ID, change lifecycle.Change) {
	change.To = tasks.StatusFailed
	if _, err := o.Machine.Transition(ctx, id, change); err != nil {
		log.Error("marking task failed", "err", err)
	}
}

// dialError stops the readiness loop on errors no retry can fix: a bad
// address or a listener host that does not resolve. Refused connections
// stay retryable, the listener may still be starting.
func dialError(err error) error {
	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return retry.Stop(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return retry.Stop(err)
	}
	return err
}

func (o *Orchestrator) engineStartFailed(ctx context.Context, log *slog.Logger, id tasks.ID, name engines.Name, err error) {
	log.Warn("engine start failed", "engine", name, "err", err)
	o.Machine.Log(ctx, id, tasklog.LevelWarning, fmt.Sprintf("%s start failed: %v", name, err))
	if o.Metrics != nil {
		o.Metrics.Unit(string(name), "start_failed")
	}
}

func (o *Orchestrator) stopUnits(log *slog.Logger, units ...*unit) {
	for _, u := range units {
		if u == nil {
			continue
		}
		if err := u.adapter.Stop(context.Background(), u.job); err != nil {
			log.Warn("engine stop failed", "engine", u.engine, "job", u.job, "err", err)
		}
	}
}

// teardown drops a run that never got dispatched.
func (o *Orchestrator) teardown(r *Run) {
	r.cancel()
	if r.Port != 0 {
		o.Ports.Release(string(r.TaskID))
	}
	o.unregister(r)
	close(r.done)
}

// Stop cancels the task's run, aborts every engine job and marks the task
// completed. Without an in-memory run (e.g. after a restart) the job ids
// persisted on the task are used.
func (o *Orchestrator) Stop(ctx context.Context, id tasks.ID) error {
	task, err := o.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	log := o.log().With("task_id", id)

	if r, ok := o.Active(id); ok {
		r.markStopped()
		for _, u := range r.jobs() {
			o.abort(ctx, log, u.adapter, u.engine, u.job)
		}
	} else {
		for name, job := range task.EngineJobs {
			a, ok := o.Adapters[name]
			if !ok || job == "" {
				continue
			}
			o.abort(ctx, log, a, name, engines.JobID(job))
		}
	}
	o.Ports.Release(string(id))

	// task may have been finalized since it was read above
	_, err = o.Machine.Transition(ctx, id, lifecycle.Change{
		To:      tasks.StatusCompleted,
		Level:   tasklog.LevelInfo,
		Message: "scan terminated by user",
		Mutate:  (*tasks.ScanTask).ClearRun,
		Settled: true,
	})
	return err
}

func (o *Orchestrator) abort(ctx context.Context, log *slog.Logger, a engines.Adapter, name engines.Name, job engines.JobID) {
	if err := a.Stop(ctx, job); err != nil {
		log.Warn("engine abort failed", "engine", name, "job", job, "err", err)
	}
}
