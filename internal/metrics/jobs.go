package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_jobs_finished_total",
			Help: "Jobs that reached a terminal status, by status and result path.",
		},
		[]string{"status", "path"},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocr_jobs_in_flight",
			Help: "Processing runs currently executing.",
		},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocr_job_duration_seconds",
			Help:    "Wall time from processing start to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)

	uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocr_uploads_total",
			Help: "Upload attempts by outcome (accepted/rejected).",
		},
		[]string{"outcome"},
	)
)

func init() {
	register(jobsFinished, jobsInFlight, jobDuration, uploads)
}

// Result paths reported on ocr_jobs_finished_total
const (
	PathTool     = "tool"
	PathFallback = "fallback"
	PathNone     = "none"
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// RunStarted marks a processing run as in flight
func RunStarted() {
	jobsInFlight.Inc()
}

// RunFinished records a terminal status and leaves the in-flight gauge
func RunFinished(status, path string, seconds float64) {
	jobsInFlight.Dec()
	jobsFinished.WithLabelValues(norm(status), norm(path)).Inc()
	jobDuration.WithLabelValues(norm(status)).Observe(seconds)
}

// IncUpload counts an upload attempt
func IncUpload(accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	uploads.WithLabelValues(outcome).Inc()
}
