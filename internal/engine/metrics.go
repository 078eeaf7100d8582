package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Completed generations by backend and finish reason",
		},
		[]string{"backend", "finish"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "engine",
			Name:      "tokens_total",
			Help:      "Generated tokens by backend",
		},
		[]string{"backend"},
	)

	generationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chatd",
			Subsystem: "engine",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of a generation",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(generationsTotal, tokensTotal, generationSeconds)
}
