package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RegistrationsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "registrations_submitted_total", Help: "Registration submissions accepted"})
	DuplicateSubmissions   = prometheus.NewCounter(prometheus.CounterOpts{Name: "registrations_duplicate_total", Help: "Submissions short-circuited by details hash"})
	RateLimitRejects       = prometheus.NewCounter(prometheus.CounterOpts{Name: "registrations_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	JobsCompleted          = prometheus.NewCounter(prometheus.CounterOpts{Name: "registration_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried            = prometheus.NewCounter(prometheus.CounterOpts{Name: "registration_jobs_retried_total", Help: "Jobs that failed and were rescheduled"})
	JobsDiscarded          = prometheus.NewCounter(prometheus.CounterOpts{Name: "registration_jobs_discarded_total", Help: "Jobs acknowledged as failed without retry"})
	JobsDeadLettered       = prometheus.NewCounter(prometheus.CounterOpts{Name: "registration_jobs_dead_letter_total", Help: "Jobs moved to the DLQ"})
	JobsReconciled         = prometheus.NewCounter(prometheus.CounterOpts{Name: "registration_jobs_reconciled_total", Help: "Orphaned records re-enqueued by the sweep"})
	ProviderErrors         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "provider_errors_total", Help: "Provider call failures by classification"}, []string{"kind"})
	QueueDepthGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "registration_queue_depth", Help: "Ready queue depth"})
	InFlightGauge          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "registration_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RegistrationsSubmitted,
			DuplicateSubmissions,
			RateLimitRejects,
			JobsCompleted,
			JobsRetried,
			JobsDiscarded,
			JobsDeadLettered,
			JobsReconciled,
			ProviderErrors,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
