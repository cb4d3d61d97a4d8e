package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted into a queue"}, []string{"queue"})
	DedupCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Enqueue calls that reused an in-flight job"}, []string{"queue"})
	CompletedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	FailedCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed and will retry"}, []string{"queue"})
	DeadLetterCount  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to the dead-letter sink"}, []string{"queue"})
	RecoveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_stale_recovered_total", Help: "Stale processing jobs reclaimed"}, []string{"queue"})
	RateLimitDenied  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limit_denied_total", Help: "Rate limit checks denied"}, []string{"process_type"})
	ProcessingGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_processing", Help: "Jobs currently being processed"}, []string{"queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupCounter,
			CompletedCounter,
			FailedCounter,
			DeadLetterCount,
			RecoveredCounter,
			RateLimitDenied,
			ProcessingGauge,
		)
	})
	return promhttp.Handler()
}
