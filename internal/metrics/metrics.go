package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	PaymentCallbacks  *prometheus.CounterVec
	ReconcileOutcomes *prometheus.CounterVec
	ReconcileLatency  *prometheus.HistogramVec
	TicketEvents      *prometheus.CounterVec
	BalanceAdjusts    *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			PaymentCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payment_callbacks_total",
				Help:      "Total inbound payment gateway callbacks by disposition.",
			}, []string{"disposition"}),
			ReconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_outcomes_total",
				Help:      "Total payment reconciliation outcomes.",
			}, []string{"outcome"}),
			ReconcileLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Latency distribution for payment reconciliation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			TicketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticket_events_total",
				Help:      "Total ticket lifecycle events by type and result.",
			}, []string{"event", "result"}),
			BalanceAdjusts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "balance_adjustments_total",
				Help:      "Total balance ledger adjustments by result.",
			}, []string{"result"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.PaymentCallbacks,
			metricsInstance.ReconcileOutcomes,
			metricsInstance.ReconcileLatency,
			metricsInstance.TicketEvents,
			metricsInstance.BalanceAdjusts,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
