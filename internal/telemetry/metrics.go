// Package telemetry holds the prometheus collectors for cronward.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cronward/internal/ledger"
)

const namespace = "cronward"

// Metrics owns its registry so tests and multiple instances do not collide
// on the global one.
type Metrics struct {
	reg *prometheus.Registry

	acquires     *prometheus.CounterVec
	zombies      *prometheus.CounterVec
	completions  *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	recoveries   *prometheus.CounterVec
	rateRejects  *prometheus.CounterVec
	heartbeatAge prometheus.Gauge
	healthy      prometheus.Gauge
	scheduled    prometheus.Gauge
	inflight     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "acquire_total", Help: "Lock acquire attempts by outcome",
		}, []string{"task_type", "outcome"}),
		zombies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "zombies_reclaimed_total", Help: "Stale running executions force closed",
		}, []string{"task_type"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "executions_completed_total", Help: "Executions reaching a terminal status",
		}, []string{"task_type", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "execution_duration_seconds", Help: "Wall time of completed executions",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"task_type"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recoveries_total", Help: "Driver recovery attempts by outcome",
		}, []string{"outcome"}),
		rateRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "run_now_rate_limited_total", Help: "Manual runs rejected by the rate limiter",
		}, []string{"task_type"}),
		heartbeatAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduler_heartbeat_age_seconds", Help: "Age of the driver heartbeat at the last health check",
		}),
		healthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "healthy", Help: "1 when the last health check passed",
		}),
		scheduled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scheduled_jobs", Help: "Entries registered in the driver job table",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "executions_inflight", Help: "Job bodies running in this process",
		}),
	}
	m.reg.MustRegister(
		m.acquires, m.zombies, m.completions, m.durations, m.recoveries, m.rateRejects,
		m.heartbeatAge, m.healthy, m.scheduled, m.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

var _ ledger.Observer = (*Metrics)(nil)

func (m *Metrics) AcquireOutcome(taskType, outcome string) {
	m.acquires.WithLabelValues(taskType, outcome).Inc()
}

func (m *Metrics) ZombieReclaimed(taskType string) {
	m.zombies.WithLabelValues(taskType).Inc()
}

func (m *Metrics) Completed(taskType string, status ledger.Status, took time.Duration) {
	m.completions.WithLabelValues(taskType, string(status)).Inc()
	m.durations.WithLabelValues(taskType).Observe(took.Seconds())
}

// Recovery outcomes.
const (
	RecoveryRestarted = "restarted"
	RecoveryThrottled = "throttled"
	RecoveryFailed    = "failed"
)

func (m *Metrics) Recovery(outcome string) { m.recoveries.WithLabelValues(outcome).Inc() }

func (m *Metrics) RateLimited(taskType string) { m.rateRejects.WithLabelValues(taskType).Inc() }

// HealthChecked records the result of one monitor pass.
func (m *Metrics) HealthChecked(healthy bool, heartbeatAge time.Duration, scheduled int) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.healthy.Set(v)
	m.heartbeatAge.Set(heartbeatAge.Seconds())
	m.scheduled.Set(float64(scheduled))
}

func (m *Metrics) JobStarted()  { m.inflight.Inc() }
func (m *Metrics) JobFinished() { m.inflight.Dec() }
