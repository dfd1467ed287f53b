package reconciler

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Outcomes      *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invoice_expiry_outcomes_total",
				Help: "Due invoice resolutions by outcome.",
			},
			[]string{"outcome"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "invoice_expiry_sweep_duration_seconds",
				Help:    "Duration of expiry sweeps in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(m.Outcomes, m.SweepDuration)
	return m
}
