package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus series this controller exposes, grounded on
// the gauge/counter/histogram shape used throughout the pack's operator
// metrics (e.g. hypershift's KASHealthMetrics) but scoped to one
// reconciliation loop instead of a health probe.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	CycleDuration    prometheus.Histogram
	LastClassification *prometheus.GaugeVec
	BootstrapAttempts prometheus.Counter
}

// NewMetrics builds and registers the controller's metrics with the
// default registry. Call once at startup.
func NewMetrics() *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rsopctl_cycles_total",
			Help: "Reconciliation cycles completed, labeled by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rsopctl_cycle_duration_seconds",
			Help:    "Wall-clock duration of a single reconciliation cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		LastClassification: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rsopctl_last_classification",
			Help: "1 for the ClusterState classified in the most recent cycle, 0 otherwise.",
		}, []string{"state"}),
		BootstrapAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rsopctl_bootstrap_attempts_total",
			Help: "Account Bootstrapper invocations attempted.",
		}),
	}

	prometheus.MustRegister(m.CyclesTotal, m.CycleDuration, m.LastClassification, m.BootstrapAttempts)
	return m
}

func (m *Metrics) observeClassification(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.LastClassification.WithLabelValues(s).Set(v)
	}
}
