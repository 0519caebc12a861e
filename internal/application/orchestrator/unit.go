package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bryanwahyu/scanhive/internal/application/lifecycle"
	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
	"github.com/bryanwahyu/scanhive/internal/domain/tasklog"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
	"github.com/bryanwahyu/scanhive/internal/infra/retry"
)

const (
	outcomeSuccess   = "success"
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
)

// dispatch hands every unit to the scheduler. Followers without incremental
// output wait for the drain instead of polling.
func (o *Orchestrator) dispatch(r *Run) {
	r.mu.Lock()
	units := append([]*unit(nil), r.units...)
	noActive := r.activeLeft == 0
	r.mu.Unlock()

	if r.ctx.Err() != nil {
		// stopped while starting
		o.stopUnits(o.log(), units...)
	}

	for _, u := range units {
		if u.caps.FollowsActive && !u.caps.Incremental {
			continue
		}
		o.schedule(u, 0)
	}
	if noActive {
		o.drainFollowers(r)
	}
}

func (o *Orchestrator) unitLog(u *unit) *slog.Logger {
	return o.log().With("task_id", u.run.TaskID, "run_id", u.run.ID, "engine", u.engine, "job", u.job)
}

func (o *Orchestrator) schedule(u *unit, delay time.Duration) {
	step := func() { o.step(u) }
	var ok bool
	if delay == 0 {
		ok = o.Pool.Submit(step)
	} else {
		ok = o.Pool.SubmitAfter(delay, step)
	}
	if !ok && u.claim() {
		o.unitLog(u).Warn("scheduler closed, unit abandoned")
		o.report(u, false, outcomeCancelled)
	}
}

// step is one poll of one unit. A pending job is rescheduled after the poll
// delay so the worker is free in between.
func (o *Orchestrator) step(u *unit) {
	r := u.run
	log := o.unitLog(u)

	if r.ctx.Err() != nil {
		if u.claim() {
			o.report(u, false, outcomeCancelled)
		}
		return
	}
	if u.caps.FollowsActive && o.activeDone(r) {
		return
	}

	res, err := u.adapter.Poll(r.ctx, u.job)
	if r.ctx.Err() != nil {
		if u.claim() {
			o.report(u, false, outcomeCancelled)
		}
		return
	}

	switch {
	case err != nil:
		log.Warn("poll failed", "attempt", u.attempt, "err", err)
	case res.Done:
		if !u.claim() {
			return
		}
		ok := o.collect(u, log)
		if !res.Success {
			log.Warn("engine reported failure")
			ok = false
		}
		o.report(u, ok, outcome(ok))
		return
	case u.caps.Incremental:
		log.Debug("job running", "progress", res.Progress)
		o.collectPartial(u, log)
	}

	if o.Cfg.Poll.Exhausted(u.attempt) {
		if u.claim() {
			log.Warn("poll budget exhausted", "attempts", u.attempt+1)
			o.report(u, false, outcomeFailure)
		}
		return
	}
	delay := retry.CalcDelay(o.Cfg.Poll, u.attempt)
	if err != nil {
		delay = retry.CalcDelay(o.Cfg.Backoff, u.failures)
		u.failures++
	} else {
		u.failures = 0
	}
	u.attempt++
	o.schedule(u, delay)
}

func (o *Orchestrator) activeDone(r *Run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLeft == 0
}

func (o *Orchestrator) drainFollowers(r *Run) {
	r.mu.Lock()
	followers := append([]*unit(nil), r.followers...)
	r.mu.Unlock()
	for _, f := range followers {
		f := f
		if !o.Pool.Submit(func() { o.drain(f) }) {
			go o.drain(f)
		}
	}
}

// drain ends a follower once the active engines are done: stop it, collect
// what it saw and report success.
func (o *Orchestrator) drain(u *unit) {
	if !u.claim() {
		return
	}
	log := o.unitLog(u)
	if u.run.ctx.Err() != nil {
		o.report(u, false, outcomeCancelled)
		return
	}
	if err := u.adapter.Stop(context.WithoutCancel(u.run.ctx), u.job); err != nil {
		log.Warn("stop follower failed", "err", err)
	}
	ok := o.collect(u, log)
	o.report(u, ok, outcome(ok))
}

// collect fetches the final batch. Persisting ignores cancellation so a
// fetched batch is never half written.
func (o *Orchestrator) collect(u *unit, log *slog.Logger) bool {
	ctx := context.WithoutCancel(u.run.ctx)
	dtos, err := u.adapter.FetchFindings(ctx, u.job)
	if err != nil {
		log.Warn("fetch findings failed", "err", err)
		return false
	}
	if err := o.persist(ctx, u, log, dtos); err != nil {
		log.Error("persist findings failed", "err", err)
		return false
	}
	return true
}

func (o *Orchestrator) collectPartial(u *unit, log *slog.Logger) {
	ctx := context.WithoutCancel(u.run.ctx)
	dtos, err := u.adapter.FetchFindings(ctx, u.job)
	if err != nil {
		log.Debug("incremental fetch failed", "err", err)
		return
	}
	if err := o.persist(ctx, u, log, dtos); err != nil {
		log.Warn("incremental persist failed", "err", err)
	}
}

// persist dedups and inserts one batch. Batches of one run are handled one
// at a time so each sees the rows its sibling engines already stored.
func (o *Orchestrator) persist(ctx context.Context, u *unit, log *slog.Logger, dtos []engines.FindingDTO) error {
	if len(dtos) == 0 {
		return nil
	}
	taskID := string(u.run.TaskID)

	if o.Archive != nil {
		if key, err := o.Archive.ArchiveBatch(ctx, taskID, u.engine, dtos); err != nil {
			log.Warn("archive batch failed", "err", err)
		} else {
			log.Debug("batch archived", "key", key)
		}
	}

	fresh := make([]findings.Finding, 0, len(dtos))
	for _, d := range dtos {
		fresh = append(fresh, findings.FromDTO(taskID, u.engine, d))
	}

	u.run.persistMu.Lock()
	defer u.run.persistMu.Unlock()

	existing, err := o.Findings.ExistingByEngine(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load existing findings: %w", err)
	}
	kept, dropped := fresh, 0
	if res, err := o.Dedup.Run(ctx, fresh, existing); err != nil {
		// unique (task, engine, scan_id) still guards exact duplicates
		log.Warn("dedup failed, inserting batch as is", "err", err)
	} else {
		kept, dropped = res.Kept, res.Dropped
	}
	inserted, err := o.Findings.InsertIfAbsent(ctx, taskID, kept)
	if err != nil {
		return fmt.Errorf("insert findings: %w", err)
	}
	log.Info("findings persisted", "fetched", len(dtos), "inserted", len(inserted), "deduplicated", dropped)
	if o.Metrics != nil {
		o.Metrics.Findings(string(u.engine), len(inserted), dropped+len(kept)-len(inserted))
	}
	return nil
}

// report records a unit's terminal result exactly once per unit. The last
// report fires the join.
func (o *Orchestrator) report(u *unit, ok bool, oc string) {
	r := u.run
	r.mu.Lock()
	r.results[u.engine] = ok
	r.pending--
	last := r.pending == 0
	drain := false
	if !u.caps.FollowsActive {
		r.activeLeft--
		drain = r.activeLeft == 0 && len(r.followers) > 0
	}
	r.mu.Unlock()

	if o.Metrics != nil {
		o.Metrics.Unit(string(u.engine), oc)
	}
	if drain {
		o.drainFollowers(r)
	}
	if last {
		r.joinOnce.Do(func() { go o.finalize(r) })
	}
}

func outcome(ok bool) string {
	if ok {
		return outcomeSuccess
	}
	return outcomeFailure
}

// finalize is the join: it runs once per run after every unit reported.
func (o *Orchestrator) finalize(r *Run) {
	ctx := context.WithoutCancel(r.ctx)
	log := o.log().With("task_id", r.TaskID, "run_id", r.ID)
	result := "completed"
	defer func() {
		if r.Port != 0 {
			o.Ports.Release(string(r.TaskID))
		}
		o.unregister(r)
		if o.Metrics != nil {
			o.Metrics.RunFinished(result)
		}
		r.cancel()
		close(r.done)
	}()

	if r.isStopped() {
		result = "stopped"
		log.Info("run stopped")
		return
	}

	task, err := o.Tasks.Get(ctx, r.TaskID)
	if err != nil {
		result = "failed"
		log.Error("finalize failed", "err", err)
		o.fail(ctx, log, r.TaskID, lifecycle.Change{
			To: tasks.StatusFailed, Level: tasklog.LevelError,
			Message: "finalize failed: " + err.Error(),
		})
		return
	}
	if task.Status != tasks.StatusRunning || task.RunID != r.ID {
		result = "noop"
		log.Info("task no longer owned by this run, finalize skipped", "status", task.Status)
		return
	}

	results := r.Results()
	var failed []string
	for _, name := range r.Engines() {
		if results[name] {
			o.Machine.Log(ctx, r.TaskID, tasklog.LevelInfo, fmt.Sprintf("%s scan succeeded", name))
			continue
		}
		failed = append(failed, string(name))
		o.Machine.Log(ctx, r.TaskID, tasklog.LevelError, fmt.Sprintf("%s scan failed", name))
	}
	sort.Strings(failed)

	change := lifecycle.Change{
		To:      tasks.StatusCompleted,
		Level:   tasklog.LevelInfo,
		Message: "scan finished",
		Mutate:  (*tasks.ScanTask).ClearRun,
	}
	if len(failed) > 0 {
		change.Level = tasklog.LevelWarning
		change.Message = "scan finished, engines with problems: " + strings.Join(failed, ", ")
	}
	if _, err := o.Machine.Transition(ctx, r.TaskID, change); err != nil {
		result = "failed"
		log.Error("finalize transition failed", "err", err)
		o.fail(ctx, log, r.TaskID, lifecycle.Change{
			To: tasks.StatusFailed, Level: tasklog.LevelError,
			Message: "finalize failed: " + err.Error(),
			Mutate:  (*tasks.ScanTask).ClearRun,
		})
	}
}
