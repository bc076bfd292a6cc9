package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event pipeline metrics
	EventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiguard_events_total",
			Help: "Total number of security events checked",
		},
	)

	ThreatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiguard_threats_total",
			Help: "Total number of threat tags emitted",
		},
		[]string{"threat"},
	)

	PreCheckHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiguard_precheck_hits_total",
			Help: "Total number of known-bad gate short-circuits",
		},
		[]string{"bucket"},
	)

	DetectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apiguard_detection_duration_seconds",
			Help:    "Duration of a full detection pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Detector metrics
	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiguard_detector_errors_total",
			Help: "Total number of detector failures treated as abstentions",
		},
		[]string{"detector"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apiguard_rate_limit_denials_total",
			Help: "Total number of credit-limiter denials",
		},
		[]string{"scope"},
	)

	// Store metrics
	StoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiguard_store_errors_total",
			Help: "Total number of shared-store operation failures",
		},
	)

	// Sink metrics
	RecordErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apiguard_record_errors_total",
			Help: "Total number of verdict recording failures",
		},
	)
)
