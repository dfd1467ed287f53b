package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	AdmissionDecisions *prometheus.CounterVec
	InvoiceTransitions *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		AdmissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commission_admission_decisions_total",
				Help: "Admission decisions by outcome.",
			},
			[]string{"decision"},
		),
		InvoiceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commission_invoice_transitions_total",
				Help: "Invoice status transitions applied.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(m.AdmissionDecisions, m.InvoiceTransitions)
	return m
}
