package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/renewal-alerts/alerting"
)

// Metrics implements alerting.Recorder on a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	ReconcileActions *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	NotifyLatency    prometheus.Histogram
	StuckRecovered   *prometheus.CounterVec
}

var _ alerting.Recorder = (*Metrics)(nil)

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renewal_alerts",
			Name:      "reconcile_actions_total",
			Help:      "Reconciler decisions by action.",
		}, []string{"action"}),
		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renewal_alerts",
			Name:      "dispatch_outcomes_total",
			Help:      "Dispatcher results per processed instance.",
		}, []string{"outcome"}),
		NotifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "renewal_alerts",
			Name:      "notify_duration_seconds",
			Help:      "Notifier call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		StuckRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renewal_alerts",
			Name:      "stuck_requeued_total",
			Help:      "Expired claims recovered by the stuck sweep, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.ReconcileActions,
		m.DispatchOutcomes,
		m.NotifyLatency,
		m.StuckRecovered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ReconcileAction(a alerting.Action) {
	m.ReconcileActions.WithLabelValues(string(a)).Inc()
}

func (m *Metrics) DispatchOutcome(o alerting.Outcome) {
	m.DispatchOutcomes.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) NotifyDuration(d time.Duration) {
	m.NotifyLatency.Observe(d.Seconds())
}

func (m *Metrics) StuckRequeued(requeued, failed int) {
	m.StuckRecovered.WithLabelValues("requeued").Add(float64(requeued))
	m.StuckRecovered.WithLabelValues("failed").Add(float64(failed))
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
