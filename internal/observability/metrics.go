package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	fixesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pathtrack",
		Subsystem: "tracking",
		Name:      "fixes_total",
		Help:      "Location fixes seen by the tracking session, by outcome.",
	}, []string{"outcome"})

	streamErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pathtrack",
		Subsystem: "tracking",
		Name:      "stream_errors_total",
		Help:      "Per-emission errors delivered by the location watch.",
	})

	persistFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pathtrack",
		Subsystem: "persistence",
		Name:      "write_failures_total",
		Help:      "Coordinate history writes that failed after all retries.",
	})

	pathLengthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pathtrack",
		Subsystem: "tracking",
		Name:      "path_length",
		Help:      "Number of accepted coordinates in the current path.",
	})

	cursorGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pathtrack",
		Subsystem: "tracking",
		Name:      "cursor_timestamp_seconds",
		Help:      "Unix timestamp of the most recently accepted coordinate.",
	})
)

func init() {
	prometheus.MustRegister(fixesCounter, streamErrorCounter, persistFailureCounter, pathLengthGauge, cursorGauge)
}

// RecordFix counts a fix by outcome ("accepted" or a rejection reason).
func RecordFix(outcome string) {
	fixesCounter.WithLabelValues(outcome).Inc()
}

func RecordStreamError() {
	streamErrorCounter.Inc()
}

func RecordPersistFailure() {
	persistFailureCounter.Inc()
}

// RecordPath updates the path watermark gauges.
func RecordPath(length int, cursorMs int64) {
	pathLengthGauge.Set(float64(length))
	if cursorMs > 0 {
		cursorGauge.Set(float64(cursorMs) / 1000)
	}
}
