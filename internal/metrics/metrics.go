package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PaymentMetrics covers the STK push lifecycle from initiation to reconciliation.
type PaymentMetrics struct {
	RequestsCreatedTotal  *prometheus.CounterVec
	RequestsResolvedTotal *prometheus.CounterVec
	GatewayCallsTotal     *prometheus.CounterVec
	GatewayCallDuration   *prometheus.HistogramVec
	CallbacksTotal        *prometheus.CounterVec
	PollsTotal            *prometheus.CounterVec
	LedgerSweptTotal      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *PaymentMetrics {
	f := promauto.With(reg)
	return &PaymentMetrics{
		RequestsCreatedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_requests_created_total",
				Help: "Payment requests accepted into the ledger",
			},
			[]string{"purpose"},
		),
		RequestsResolvedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_requests_resolved_total",
				Help: "Terminal transitions applied to payment requests",
			},
			[]string{"purpose", "status"},
		),
		GatewayCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_gateway_calls_total",
				Help: "STK push submissions by outcome",
			},
			[]string{"outcome"},
		),
		GatewayCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mpesa_gateway_call_duration_seconds",
				Help:    "Latency of STK push submissions including the token exchange",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		CallbacksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mpesa_callbacks_total",
				Help: "Inbound provider callbacks by reconciliation outcome",
			},
			[]string{"outcome"},
		),
		PollsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_status_polls_total",
				Help: "Status polls by observed state",
			},
			[]string{"state"},
		),
		LedgerSweptTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_swept_total",
				Help: "Ledger entries expired or dropped by the reaper",
			},
			[]string{"action"},
		),
	}
}

func (m *PaymentMetrics) ObserveGatewayCall(outcome string, started time.Time) {
	m.GatewayCallsTotal.WithLabelValues(outcome).Inc()
	m.GatewayCallDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}
