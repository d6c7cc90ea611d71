package jit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Build and cache metrics, registered on the default registry. Serving
// them is the host application's business; the runtime only counts.
var (
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_cache_hits_total",
		Help: "Builds satisfied by an existing cache artifact.",
	})

	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_cache_misses_total",
		Help: "Builds that had to run the compiler.",
	})

	metricCacheCorrupt = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiln_cache_corrupt_total",
		Help: "Cache entries discarded after a failed integrity check.",
	})

	metricBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiln_builds_total",
		Help: "Compiler invocations by outcome.",
	}, []string{"status"})

	metricBuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kiln_build_duration_seconds",
		Help:    "Wall time of compiler invocations.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	metricKernelsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_kernels_loaded",
		Help: "Artifacts currently loaded into the process.",
	})
)
