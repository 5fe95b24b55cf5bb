package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	JobsProcessedTotal *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	RetryAttemptsTotal *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec

	EmailsPolledTotal      prometheus.Counter
	BatchesDispatchedTotal *prometheus.CounterVec
	RepliesSentTotal       prometheus.Counter
}

// NewMetrics builds the metric set on its own registry so tests can stand up
// several instances in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		JobsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobs_processed_total",
				Help: "Total number of jobs processed",
			},
			[]string{"handler", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "job_duration_seconds",
				Help:    "Handler execution time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),
		RetryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_attempts_total",
				Help: "Total number of job retry attempts",
			},
			[]string{"handler"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current queue depth",
			},
			[]string{"queue"},
		),
		EmailsPolledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "emails_polled_total",
				Help: "Total number of emails retrieved from the transport",
			},
		),
		BatchesDispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batches_dispatched_total",
				Help: "Total number of batches shipped to the external API",
			},
			[]string{"result"},
		),
		RepliesSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "replies_sent_total",
				Help: "Total number of completion replies sent to senders",
			},
		),
	}
}
