// Package metrics holds the Prometheus collectors of a scheduler process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/gocycle/pkg/model"
)

const namespace = "gocycle"

var durationBuckets = prometheus.ExponentialBuckets(0.001, 2, 14)

// Metrics groups every collector. Each Metrics owns its registry so that
// tests and multiple schedulers in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	Ticks              prometheus.Counter
	TickDuration       prometheus.Histogram
	TickErrors         prometheus.Counter
	TaskInstances      *prometheus.GaugeVec
	HeldInstances      prometheus.Gauge
	JobsSubmitted      *prometheus.CounterVec
	JobsFinished       *prometheus.CounterVec
	BackendCalls       *prometheus.HistogramVec
	BackendCallErrors  *prometheus.CounterVec
	HandlerDispatches  *prometheus.CounterVec
	CheckpointDuration prometheus.Histogram
	CheckpointFailures prometheus.Counter
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates and registers the collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduling loop iterations.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one scheduling loop iteration.",
			Buckets:   durationBuckets,
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Errors collected during loop iterations.",
		}),
		TaskInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_instances",
			Help:      "Task instances in the pool by state.",
		}, []string{"state"}),
		HeldInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "held_instances",
			Help:      "Held task instances in the pool.",
		}),
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Job submissions by platform and outcome.",
		}, []string{"platform", "result"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Finished jobs by platform and final state.",
		}, []string{"platform", "state"}),
		BackendCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Latency of back-end submit, poll and kill calls.",
			Buckets:   durationBuckets,
		}, []string{"platform", "op"}),
		BackendCallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_call_errors_total",
			Help:      "Failed back-end calls.",
		}, []string{"platform", "op"}),
		HandlerDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_runs_total",
			Help:      "Event handler runs by event and result.",
		}, []string{"event", "result"}),
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time spent writing a checkpoint, including retries.",
			Buckets:   durationBuckets,
		}),
		CheckpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoints abandoned after all retries.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by method and status code.",
		}, []string{"method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Ticks, m.TickDuration, m.TickErrors,
		m.TaskInstances, m.HeldInstances,
		m.JobsSubmitted, m.JobsFinished,
		m.BackendCalls, m.BackendCallErrors,
		m.HandlerDispatches,
		m.CheckpointDuration, m.CheckpointFailures,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTick records one loop iteration.
func (m *Metrics) ObserveTick(d time.Duration, errs int) {
	m.Ticks.Inc()
	m.TickDuration.Observe(d.Seconds())
	m.TickErrors.Add(float64(errs))
}

// SetPool publishes the per-state instance counts. States with no
// instances are reported as zero rather than dropped.
func (m *Metrics) SetPool(totals model.StateTotals, held int) {
	for _, st := range model.AllTaskStates {
		m.TaskInstances.WithLabelValues(st.String()).Set(float64(totals[st]))
	}
	m.HeldInstances.Set(float64(held))
}

// ObserveCall records a back-end call.
func (m *Metrics) ObserveCall(platform, op string, d time.Duration, err error) {
	m.BackendCalls.WithLabelValues(platform, op).Observe(d.Seconds())
	if err != nil {
		m.BackendCallErrors.WithLabelValues(platform, op).Inc()
	}
}

// ObserveRequest records an API request.
func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(d.Seconds())
}
