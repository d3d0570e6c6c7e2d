// Package krmetrics holds process-wide Prometheus collectors, registered with
// the default registry and exposed on /metrics.
package krmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koradi_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "koradi_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "koradi_rate_limit_hits_total",
			Help: "Total requests rejected by the rate limiter",
		},
	)

	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koradi_messages_created_total",
			Help: "Total messages created",
		},
		[]string{"lang"},
	)

	MessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "koradi_messages_deleted_total",
			Help: "Total messages deleted explicitly",
		},
	)

	MessagesReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "koradi_messages_reaped_total",
			Help: "Total messages removed by expiry sweeps",
		},
	)

	SweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "koradi_sweep_errors_total",
			Help: "Total expiry sweeps that failed",
		},
	)

	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "koradi_backups_total",
			Help: "Total backup attempts",
		},
		[]string{"result"}, // "success" or "error"
	)

	BackupCompressedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "koradi_backup_compressed_bytes",
			Help: "Compressed size of the most recent successful backup",
		},
	)
)
