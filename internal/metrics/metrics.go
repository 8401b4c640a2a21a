// Package metrics holds the Prometheus collectors shared by the orchestration
// components. Each Metrics value owns its registry so tests and multiple
// engines in one process never collide on registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	Transitions      *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	AllocationDenied *prometheus.CounterVec
	CrewActive       *prometheus.GaugeVec
	QuotaUsed        *prometheus.GaugeVec
	BusPublished     *prometheus.CounterVec
	DeadLetters      prometheus.Counter
	WorkflowTasks    *prometheus.CounterVec
	PassDuration     *prometheus.HistogramVec
	Anomalies        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "missioncore_mission_transitions_total", Help: "Mission state transitions."},
			[]string{"from", "to"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "missioncore_decisions_total", Help: "Decision engine outcomes."},
			[]string{"action", "source"},
		),
		AllocationDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "missioncore_allocation_denied_total", Help: "Reservation denials by resource class."},
			[]string{"class"},
		),
		CrewActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "missioncore_crew_active", Help: "Missions reserved per crew."},
			[]string{"crew"},
		),
		QuotaUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "missioncore_quota_used", Help: "Units consumed in the current minute per integration."},
			[]string{"integration"},
		),
		BusPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "missioncore_bus_published_total", Help: "Messages published per channel."},
			[]string{"channel"},
		),
		DeadLetters: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "missioncore_bus_dead_letters_total", Help: "Messages whose handler failed."},
		),
		WorkflowTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "missioncore_workflow_tasks_total", Help: "Workflow task outcomes."},
			[]string{"status"},
		),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "missioncore_scheduler_pass_seconds",
			Help:    "Duration of scheduler passes.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
		Anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "missioncore_anomalies_total", Help: "Anomaly alerts raised."},
			[]string{"kind"},
		),
	}
	m.Registry.MustRegister(
		m.Transitions, m.Decisions, m.AllocationDenied, m.CrewActive, m.QuotaUsed,
		m.BusPublished, m.DeadLetters, m.WorkflowTasks, m.PassDuration, m.Anomalies,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Nil-safe recorders; components may run without metrics.

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Decision(action, source string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action, source).Inc()
}

func (m *Metrics) Denied(class string) {
	if m == nil {
		return
	}
	m.AllocationDenied.WithLabelValues(class).Inc()
}

func (m *Metrics) SetCrewActive(crew string, n int) {
	if m == nil {
		return
	}
	m.CrewActive.WithLabelValues(crew).Set(float64(n))
}

func (m *Metrics) SetQuotaUsed(integration string, n int) {
	if m == nil {
		return
	}
	m.QuotaUsed.WithLabelValues(integration).Set(float64(n))
}

func (m *Metrics) Published(channel string) {
	if m == nil {
		return
	}
	m.BusPublished.WithLabelValues(channel).Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.DeadLetters.Inc()
}

func (m *Metrics) Task(status string) {
	if m == nil {
		return
	}
	m.WorkflowTasks.WithLabelValues(status).Inc()
}

func (m *Metrics) ObservePass(loop string, seconds float64) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(loop).Observe(seconds)
}

func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind).Inc()
}
