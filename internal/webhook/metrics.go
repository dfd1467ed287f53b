package webhook

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Events *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_webhook_events_total",
				Help: "Provider webhook events by type and handling status.",
			},
			[]string{"type", "status"},
		),
	}

	registry.MustRegister(m.Events)
	return m
}
