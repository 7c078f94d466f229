// Package metrics provides Prometheus metrics for the order and billing engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	OrdersCreated      prometheus.Counter
	OrdersFinalized    prometheus.Counter
	OrderRejections    *prometheus.CounterVec
	InvoicesGenerated  prometheus.Counter
	InvoicesUncovered  prometheus.Counter
	CopayCharged       prometheus.Counter
	LedgerCapExhausted prometheus.Counter
	BillingDuration    prometheus.Histogram
	OutboxPending      prometheus.Gauge
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total medical orders created",
		}),
		OrdersFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_finalized_total",
			Help: "Total medical orders finalized",
		}),
		OrderRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_rejections_total",
			Help: "Order composition rejections by rule",
		}, []string{"rule"}),
		InvoicesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoices_generated_total",
			Help: "Total invoices generated",
		}),
		InvoicesUncovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoices_uncovered_total",
			Help: "Invoices billed without active insurance coverage",
		}),
		CopayCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "copay_charged_total",
			Help: "Cumulative copay charged, in currency units",
		}),
		LedgerCapExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_cap_exhausted_total",
			Help: "Invoices whose copay was reduced by the annual cap",
		}),
		BillingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_duration_seconds",
			Help:    "Invoice generation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
	}

	prometheus.MustRegister(
		m.OrdersCreated,
		m.OrdersFinalized,
		m.OrderRejections,
		m.InvoicesGenerated,
		m.InvoicesUncovered,
		m.CopayCharged,
		m.LedgerCapExhausted,
		m.BillingDuration,
		m.OutboxPending,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
