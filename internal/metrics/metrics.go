// Package metrics holds the broker's Prometheus collectors, registered once
// on the default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hermes"

var (
	// UploadsStarted counts sessions started at the broker, by strategy (single|multipart).
	UploadsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "uploads_started_total",
		Help:      "Upload sessions started, by strategy.",
	}, []string{"strategy"})

	UploadsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "uploads_completed_total",
		Help:      "Upload sessions finalized, by strategy.",
	}, []string{"strategy"})

	UploadsAborted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "uploads_aborted_total",
		Help:      "Multipart uploads aborted on client request.",
	})

	PartsSigned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "parts_signed_total",
		Help:      "Presigned multipart part URLs issued.",
	})

	UploadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "uploaded_bytes_total",
		Help:      "Bytes reported by finalized uploads.",
	})

	// HTTPRequests counts broker responses by route template and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Broker HTTP responses.",
	}, []string{"route", "code"})

	RefreshResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capacity",
		Name:      "refresh_results_total",
		Help:      "Bucket usage refresh outcomes, by status.",
	}, []string{"status"})

	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "capacity",
		Name:      "refresh_duration_seconds",
		Help:      "Time to list and sum one bucket.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	BucketUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "capacity",
		Name:      "bucket_used_bytes",
		Help:      "Last successfully measured usage per bucket.",
	}, []string{"bucket"})
)
