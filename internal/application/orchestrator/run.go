package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/tasks"
)

// Run is one orchestration of a task: the started engine units plus the
// join that finalizes the task once every unit has reported.
type Run struct {
	ID     string
	TaskID tasks.ID
	Port   int // 0 when no passive listener was leased

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	units      []*unit
	followers  []*unit
	pending    int
	activeLeft int
	results    map[engines.Name]bool
	stopped    bool

	persistMu sync.Mutex
	joinOnce  sync.Once
	done      chan struct{}
}

func newRun(parent context.Context, id string, taskID tasks.ID) *Run {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Run{
		ID:      id,
		TaskID:  taskID,
		ctx:     ctx,
		cancel:  cancel,
		results: map[engines.Name]bool{},
		done:    make(chan struct{}),
	}
}

// Done is closed after the join has finished (or the run was torn down).
func (r *Run) Done() <-chan struct{} { return r.done }

// Results returns a copy of the per-engine outcomes reported so far.
func (r *Run) Results() map[engines.Name]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[engines.Name]bool, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

// Engines returns the engines that were started, in start order.
func (r *Run) Engines() []engines.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engines.Name, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u.engine)
	}
	return out
}

func (r *Run) markStopped() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
}

func (r *Run) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Run) jobs() map[engines.Name]*unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[engines.Name]*unit, len(r.units))
	for _, u := range r.units {
		out[u.engine] = u
	}
	return out
}

// unit is one engine job of a run. Its poll steps form a single chain, so
// attempt needs no locking; claimed decides who performs the final collect.
type unit struct {
	run     *Run
	engine  engines.Name
	adapter engines.Adapter
	caps    engines.Capabilities
	job     engines.JobID
	handle  string

	attempt  int
	failures int // consecutive failed polls
	claimed  atomic.Bool
}

func (u *unit) claim() bool { return u.claimed.CompareAndSwap(false, true) }
