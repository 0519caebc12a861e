package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scanhive"

// Recorder holds every collector of the service on its own registry.
// All methods are safe on a nil *Recorder so components can run without metrics.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	transitions       *prometheus.CounterVec
	runs              *prometheus.CounterVec
	units             *prometheus.CounterVec
	findingsPersisted *prometheus.CounterVec
	findingsDropped   *prometheus.CounterVec
	scansRunning      prometheus.Gauge
	portLeases        prometheus.Gauge
}

// New creates a Recorder with a private registry (don't pollute default).
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Committed task status transitions",
		}, []string{"from", "to"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestration_runs_total",
			Help:      "Orchestration runs by final outcome",
		}, []string{"outcome"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_units_total",
			Help:      "Engine units by engine and outcome",
		}, []string{"engine", "outcome"}),
		findingsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_persisted_total",
			Help:      "Findings inserted after deduplication",
		}, []string{"engine"}),
		findingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_deduplicated_total",
			Help:      "Findings dropped by the deduplicator",
		}, []string{"engine"}),
		scansRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_running",
			Help:      "Orchestration runs currently active",
		}),
		portLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "port_leases",
			Help:      "Passive scanner ports currently leased",
		}),
	}
	reg.MustRegister(
		r.httpRequests, r.httpDuration, r.httpInFlight,
		r.transitions, r.runs, r.units,
		r.findingsPersisted, r.findingsDropped,
		r.scansRunning, r.portLeases,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// PoolStats is what the worker pool reports.
type PoolStats interface {
	Busy() int
	Waiting() int
	Scheduled() int
	Cap() int
}

// WatchPool exports the worker pool occupancy as gauge funcs, read on scrape.
func (r *Recorder) WatchPool(p PoolStats) {
	if r == nil || p == nil {
		return
	}
	gauge := func(name, help string, fn func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}
	r.registry.MustRegister(
		gauge("busy", "Workers executing a unit", p.Busy),
		gauge("queued", "Units waiting for a worker", p.Waiting),
		gauge("scheduled", "Units waiting for their poll delay", p.Scheduled),
		gauge("capacity", "Configured worker count", p.Cap),
	)
}

func (r *Recorder) HTTPStarted() {
	if r == nil {
		return
	}
	r.httpInFlight.Inc()
}

func (r *Recorder) HTTPFinished(method, route string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpInFlight.Dec()
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

// RunStarted / RunFinished track the running gauge and final outcome.
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.scansRunning.Inc()
}

func (r *Recorder) RunFinished(outcome string) {
	if r == nil {
		return
	}
	r.scansRunning.Dec()
	r.runs.WithLabelValues(outcome).Inc()
}

// RunRejected counts a start that never became a run.
func (r *Recorder) RunRejected(outcome string) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Unit(engine, outcome string) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(engine, outcome).Inc()
}

func (r *Recorder) Findings(engine string, persisted, dropped int) {
	if r == nil {
		return
	}
	if persisted > 0 {
		r.findingsPersisted.WithLabelValues(engine).Add(float64(persisted))
	}
	if dropped > 0 {
		r.findingsDropped.WithLabelValues(engine).Add(float64(dropped))
	}
}

func (r *Recorder) SetPortLeases(n int) {
	if r == nil {
		return
	}
	r.portLeases.Set(float64(n))
}
