package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OutcomeSuccess is the outcome label of a successful provisioning
const OutcomeSuccess = "success"

// ProvisioningMetrics records provisioning and reconciliation activity
type ProvisioningMetrics interface {
	ObserveProvisioning(panelType, outcome string, duration time.Duration)
	IncTrialCreated(panelType string)
	IncReconcileTick(status string)
	IncOrphaned()
	ObservationStarted()
	ObservationFinished()
}

type provisioningMetrics struct {
	provisioned  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	trials       *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	orphaned     prometheus.Counter
	observations prometheus.Gauge
}

// New registers the provisioning metrics on registry
func New(registry *prometheus.Registry) ProvisioningMetrics {
	factory := promauto.With(registry)

	return &provisioningMetrics{
		provisioned: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_provisioning_total",
				Help: "Provisioning attempts by panel type and outcome",
			},
			[]string{"panel_type", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "panel_provisioning_duration_seconds",
				Help:    "Duration of provisioning attempts",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
			},
			[]string{"panel_type"},
		),
		trials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_trials_created_total",
				Help: "Free trial accounts created by panel type",
			},
			[]string{"panel_type"},
		),
		ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscription_reconcile_ticks_total",
				Help: "Reconciler ticks by observed status",
			},
			[]string{"status"},
		),
		orphaned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "panel_provisioning_orphaned_total",
				Help: "Panel accounts created but not recorded on the subscription",
			},
		),
		observations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "subscription_observations_active",
				Help: "Subscriptions currently being observed",
			},
		),
	}
}

// ObserveProvisioning counts an attempt and records its duration.
// An empty panel type means the attempt failed before a panel was resolved.
func (m *provisioningMetrics) ObserveProvisioning(panelType, outcome string, duration time.Duration) {
	if panelType == "" {
		panelType = "none"
	}
	m.provisioned.WithLabelValues(panelType, outcome).Inc()
	m.duration.WithLabelValues(panelType).Observe(duration.Seconds())
}

func (m *provisioningMetrics) IncTrialCreated(panelType string) {
	m.trials.WithLabelValues(panelType).Inc()
}

func (m *provisioningMetrics) IncReconcileTick(status string) {
	m.ticks.WithLabelValues(status).Inc()
}

func (m *provisioningMetrics) IncOrphaned() {
	m.orphaned.Inc()
}

func (m *provisioningMetrics) ObservationStarted() {
	m.observations.Inc()
}

func (m *provisioningMetrics) ObservationFinished() {
	m.observations.Dec()
}

type nopMetrics struct{}

// NewNop returns metrics that record nothing
func NewNop() ProvisioningMetrics {
	return nopMetrics{}
}

func (nopMetrics) ObserveProvisioning(string, string, time.Duration) {}
func (nopMetrics) IncTrialCreated(string)                            {}
func (nopMetrics) IncReconcileTick(string)                           {}
func (nopMetrics) IncOrphaned()                                      {}
func (nopMetrics) ObservationStarted()                               {}
func (nopMetrics) ObservationFinished()                              {}
