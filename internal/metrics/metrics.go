// Package metrics holds the Prometheus collectors of both services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadflow_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)

	jobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"kind"},
	)

	jobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status or requeued for retry",
		},
		[]string{"kind", "status"},
	)

	candidatesUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_candidates_upserted_total",
			Help: "Total number of search results written as candidates",
		},
		[]string{"created"},
	)

	enrichmentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_enrichment_outcomes_total",
			Help: "Total number of enrichment attempts by outcome",
		},
		[]string{"outcome"},
	)

	stagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_outreach_stages_sent_total",
			Help: "Total number of outreach stage messages sent",
		},
		[]string{"stage", "manual"},
	)

	sendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leadflow_outreach_send_failures_total",
			Help: "Total number of failed outreach sends",
		},
	)

	outreachStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_outreach_stopped_total",
			Help: "Total number of outreach sequences stopped",
		},
		[]string{"reason"},
	)

	integrationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadflow_integration_errors_total",
			Help: "Total number of integration errors",
		},
		[]string{"service"},
	)

	passDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadflow_worker_pass_duration_seconds",
			Help:    "Duration of worker passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pass", "result"},
	)
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and durations per route
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func RecordJobEnqueued(kind string) {
	jobsEnqueued.WithLabelValues(kind).Inc()
}

func RecordJobClaimed(kind string) {
	jobsClaimed.WithLabelValues(kind).Inc()
}

func RecordJobFinished(kind, status string) {
	jobsFinished.WithLabelValues(kind, status).Inc()
}

func RecordCandidate(created bool) {
	candidatesUpserted.WithLabelValues(strconv.FormatBool(created)).Inc()
}

func RecordEnrichment(outcome string) {
	enrichmentOutcomes.WithLabelValues(outcome).Inc()
}

func RecordStageSent(stage string, manual bool) {
	stagesSent.WithLabelValues(stage, strconv.FormatBool(manual)).Inc()
}

func RecordSendFailure() {
	sendFailures.Inc()
}

func RecordOutreachStopped(reason string) {
	outreachStopped.WithLabelValues(reason).Inc()
}

func RecordIntegrationError(service string) {
	integrationErrors.WithLabelValues(service).Inc()
}

// ObservePass records how long a worker pass took
func ObservePass(pass string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	passDuration.WithLabelValues(pass, result).Observe(took.Seconds())
}
