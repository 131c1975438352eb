package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	toolRunSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocr_tool_run_seconds",
			Help:    "Layout-OCR subprocess duration by device and success.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"device", "success"},
	)

	toolSlotWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocr_tool_slot_wait_seconds",
			Help:    "Time spent waiting for a tool slot.",
			Buckets: []float64{0.01, 0.1, 1, 5, 15, 60, 300},
		},
	)

	fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_fallback_total",
			Help: "Text-only fallback extractions by success.",
		},
		[]string{"success"},
	)
)

func init() {
	register(toolRunSeconds, toolSlotWaitSeconds, fallbacks)
}

// ObserveToolRun records one subprocess attempt
func ObserveToolRun(device string, success bool, seconds float64) {
	toolRunSeconds.WithLabelValues(norm(device), strconv.FormatBool(success)).Observe(seconds)
}

// ObserveSlotWait records how long an attempt queued for a tool slot
func ObserveSlotWait(seconds float64) {
	toolSlotWaitSeconds.Observe(seconds)
}

// IncFallback counts a fallback extraction
func IncFallback(success bool) {
	fallbacks.WithLabelValues(strconv.FormatBool(success)).Inc()
}
