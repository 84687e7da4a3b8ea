package daemon

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	shipmetrics "github.com/shipcd/shipcd/pkg/metrics"
)

var (
	requestDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "shipcd",
		Subsystem: "daemon",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{shipmetrics.LabelMethod, shipmetrics.LabelRoute})

	// Triggers wait for at most one run ahead of them, so the queue
	// time is a small multiple of run time.
	queueDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "shipcd",
		Subsystem: "daemon",
		Name:      "queue_duration_seconds",
		Help:      "Duration of time spent in the trigger queue before execution, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 600},
	}, []string{})

	queueLength = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "shipcd",
		Subsystem: "daemon",
		Name:      "queue_length_count",
		Help:      "Count of triggers waiting in the queue to be run.",
	}, []string{})
)
