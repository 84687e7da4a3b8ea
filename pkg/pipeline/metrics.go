package pipeline

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	shipmetrics "github.com/shipcd/shipcd/pkg/metrics"
)

var (
	// Most stages are quick API calls; build dominates the tail.
	stageDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "shipcd",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of individual pipeline stages, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{shipmetrics.LabelStage, shipmetrics.LabelSuccess})

	runDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "shipcd",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Duration of whole pipeline runs, in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{shipmetrics.LabelStatus})
)
