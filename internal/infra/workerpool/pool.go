// Package workerpool runs engine units on a fixed number of workers.
// Delayed resubmission lets a polling unit give its worker back while it
// waits for the next poll.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Pool manages a fixed set of worker goroutines fed from an unbounded queue.
type Pool struct {
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	timers map[*time.Timer]func()
	closed bool

	busy atomic.Int32
	wg   sync.WaitGroup

	// OnPanic, if set, is called with the recovered value of a panicking task.
	OnPanic func(any)
}

// New starts a pool with the given number of workers.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		workers: workers,
		timers:  map[*time.Timer]func(){},
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues a task. Returns false if the pool is closed.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return true
}

// SubmitAfter queues task once d has elapsed. No worker is held during the
// delay. Returns false if the pool is closed. Close runs a still pending
// task early instead of dropping it, so its owner always gets to report.
func (p *Pool) SubmitAfter(d time.Duration, task func()) bool {
	if d <= 0 {
		return p.Submit(task)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// sudah dipindah ke queue oleh Close
		if _, ok := p.timers[t]; !ok {
			return
		}
		delete(p.timers, t)
		p.queue = append(p.queue, task)
		p.cond.Signal()
	})
	p.timers[t] = task
	return true
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	if task == nil {
		return
	}
	p.busy.Add(1)
	defer func() {
		p.busy.Add(-1)
		if r := recover(); r != nil && p.OnPanic != nil {
			p.OnPanic(r)
		}
	}()
	task()
}

// Busy returns the number of workers currently executing a task.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Cap returns the worker count.
func (p *Pool) Cap() int { return p.workers }

// Waiting returns the number of queued tasks not yet picked up.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Scheduled returns the number of delayed tasks whose timer has not fired.
func (p *Pool) Scheduled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Close stops pending timers and queues their tasks, runs everything queued
// and waits for the workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for t, task := range p.timers {
		t.Stop()
		p.queue = append(p.queue, task)
	}
	p.timers = map[*time.Timer]func(){}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
