// Package metrics exposes Prometheus instrumentation for ingestion, ticket
// transitions and outbound notifications.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "helpdesk"

// Outcome labels for processed messages.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

// Result labels for ingestion runs and notification sends.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultLocked   = "locked"
	ResultDisabled = "disabled"
	ResultDropped  = "dropped"
	ResultSent     = "sent"
	ResultLogged   = "logged"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	emailsProcessed *prometheus.CounterVec
	ingestRuns      *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
	notifications   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	transitions     *prometheus.CounterVec
	slaBreaches     prometheus.Counter
}

// New registers the helpdesk collectors on a private registry together with
// the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		emailsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_processed_total",
			Help:      "Inbound messages handled, by outcome",
		}, []string{"outcome"}),
		ingestRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs, by result",
		}, []string{"result"}),
		ingestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_run_duration_seconds",
			Help:      "Duration of completed ingestion runs",
			Buckets:   prometheus.DefBuckets,
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications, by result",
		}, []string{"result"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_queue_depth",
			Help:      "Notifications waiting for a worker",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_transitions_total",
			Help:      "Applied ticket transitions, by name",
		}, []string{"transition"}),
		slaBreaches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_breaches_total",
			Help:      "Tickets whose SLA breach flag flipped to true",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) EmailProcessed(outcome string) {
	if m == nil {
		return
	}
	m.emailsProcessed.WithLabelValues(outcome).Inc()
}

// IngestRun records a finished run. Duration is observed only for runs that
// reached the mailbox.
func (m *Metrics) IngestRun(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ingestRuns.WithLabelValues(result).Inc()
	if result == ResultOK || result == ResultFailed {
		m.ingestDuration.Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Transition(name string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(name).Inc()
}

func (m *Metrics) SLABreached() {
	if m == nil {
		return
	}
	m.slaBreaches.Inc()
}
