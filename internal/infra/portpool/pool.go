// Package portpool leases TCP ports from a fixed range to passive scanner
// listeners, one port per task.
package portpool

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

var (
	// ErrResourceExhausted is returned when no port in the range is free.
	ErrResourceExhausted = errors.New("no free port in pool")

	// ErrAlreadyLeased is returned when the task already holds a port.
	ErrAlreadyLeased = errors.New("task already holds a port")
)

const (
	DefaultStart = 7777
	DefaultEnd   = 7799
)

// BindChecker reports whether port can be bound right now.
type BindChecker func(port int) bool

// Gauge receives the number of leased ports after every change.
type Gauge interface {
	SetPortLeases(n int)
}

// Status snapshot
type Status struct {
	Total     int   `json:"total"`
	Allocated int   `json:"allocated"`
	Available int   `json:"available"`
	Leased    []int `json:"leased"`
}

// Pool tracks leases in memory. The range is inclusive on both ends.
type Pool struct {
	start, end int
	check      BindChecker
	gauge      Gauge

	mu     sync.Mutex
	leases map[string]int // taskID -> port
	owners map[int]string // port -> taskID
}

// Option configures a Pool.
type Option func(*Pool)

// WithBindCheck replaces the OS bind check.
func WithBindCheck(p BindChecker) Option { return func(pl *Pool) { pl.check = p } }

// WithCheckHost checks binds on host instead of all interfaces.
func WithCheckHost(host string) Option {
	return func(pl *Pool) { pl.check = BindCheck(host) }
}

// WithGauge reports lease counts to g.
func WithGauge(g Gauge) Option { return func(pl *Pool) { pl.gauge = g } }

// New creates a pool over [start, end].
func New(start, end int, opts ...Option) (*Pool, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	p := &Pool{
		start:  start,
		end:    end,
		check:  BindCheck(""),
		leases: map[string]int{},
		owners: map[int]string{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// BindCheck tries to listen on host:port and closes the listener at once.
func BindCheck(host string) BindChecker {
	return func(port int) bool {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true
	}
}

// Size is the number of ports in the range.
func (p *Pool) Size() int { return p.end - p.start + 1 }

// Allocate leases the lowest port that is neither leased nor bound by
// another process. The check runs under the pool lock so two callers can
// never observe the same port as free.
func (p *Pool) Allocate(taskID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.leases[taskID]; ok {
		return port, fmt.Errorf("%w: task %s has port %d", ErrAlreadyLeased, taskID, port)
	}
	for port := p.start; port <= p.end; port++ {
		if _, taken := p.owners[port]; taken {
			continue
		}
		if !p.check(port) {
			continue
		}
		p.leases[taskID] = port
		p.owners[port] = taskID
		p.report()
		return port, nil
	}
	return 0, fmt.Errorf("%w: range %d-%d", ErrResourceExhausted, p.start, p.end)
}

// Release frees the task's port. Releasing an unknown task is a no-op.
func (p *Pool) Release(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	port, ok := p.leases[taskID]
	if !ok {
		return false
	}
	delete(p.leases, taskID)
	delete(p.owners, port)
	p.report()
	return true
}

// Leased returns the port held by taskID, if any.
func (p *Pool) Leased(taskID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.leases[taskID]
	return port, ok
}

// Status returns totals and the sorted list of leased ports.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	leased := make([]int, 0, len(p.owners))
	for port := range p.owners {
		leased = append(leased, port)
	}
	sort.Ints(leased)
	return Status{
		Total:     p.Size(),
		Allocated: len(leased),
		Available: p.Size() - len(leased),
		Leased:    leased,
	}
}

func (p *Pool) report() {
	if p.gauge != nil {
		p.gauge.SetPortLeases(len(p.leases))
	}
}
