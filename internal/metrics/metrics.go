// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})

	// Webhooks counts settlement callbacks by outcome: applied, duplicate, unknown, invalid.
	Webhooks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_webhooks_total",
		Help: "Settlement callbacks received",
	}, []string{"outcome"})

	// CreditJobs counts worker results: credited, retried, parked.
	CreditJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_credit_jobs_total",
		Help: "Credit jobs processed by the worker",
	}, []string{"result"})

	// GatewayDeliveries counts simulator callback attempts: delivered, retry, exhausted.
	GatewayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_gateway_deliveries_total",
		Help: "Simulated gateway callback delivery attempts",
	}, []string{"result"})
)
