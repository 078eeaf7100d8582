package session

import "github.com/prometheus/client_golang/prometheus"

var (
	stateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chatd",
			Subsystem: "session",
			Name:      "state",
			Help:      "Session state (1 for the current state, 0 otherwise).",
		},
		[]string{"state"},
	)
	degradedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chatd",
			Subsystem: "session",
			Name:      "degraded",
			Help:      "1 when the session answers from the fallback responder.",
		},
	)
	repliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "session",
			Name:      "replies_total",
			Help:      "Assistant replies by source (model or fallback).",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(stateGauge, degradedGauge, repliesTotal)
}

func setStateMetric(s State, degraded bool) {
	for _, st := range []State{Uninitialized, Ready} {
		v := 0.0
		if st == s {
			v = 1
		}
		stateGauge.WithLabelValues(st.String()).Set(v)
	}
	if degraded {
		degradedGauge.Set(1)
	} else {
		degradedGauge.Set(0)
	}
}
