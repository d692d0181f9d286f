// Package monitoring exposes the engine's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the recharge engine.
type Metrics struct {
	// Cycle metrics
	CyclesTotal   *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec

	// Purchase metrics
	PurchasesTotal *prometheus.CounterVec
	AmountTotal    *prometheus.CounterVec

	// Classification metrics
	CandidatesTotal *prometheus.CounterVec

	// Queue metrics
	QueueDepth *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Provider metrics
	ProviderBalance *prometheus.GaugeVec
}

// NewMetrics creates and registers all engine metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recargas_cycles_total",
				Help: "Cycles per service and outcome",
			},
			[]string{"service", "outcome"}, // completed, skipped, blocked, failed
		),
		CycleDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recargas_cycle_duration_seconds",
				Help:    "Wall time of one full cycle",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"service"},
		),
		PurchasesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recargas_purchases_total",
				Help: "Provider purchases per service, provider and result",
			},
			[]string{"service", "provider", "result"}, // ok, failed
		),
		AmountTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recargas_amount_total",
				Help: "Currency spent on successful purchases",
			},
			[]string{"service", "provider"},
		),
		CandidatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recargas_candidates_total",
				Help: "Cycle candidates per classification",
			},
			[]string{"service", "state"}, // vencido, por_vencer, ahorro
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recargas_queue_depth",
				Help: "Auxiliary queue items awaiting commit",
			},
			[]string{"service"},
		),
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recargas_errors_total",
				Help: "Classified errors per service and category",
			},
			[]string{"service", "category"},
		),
		ProviderBalance: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recargas_provider_balance",
				Help: "Last observed carrier account balance",
			},
			[]string{"provider"},
		),
	}
}
