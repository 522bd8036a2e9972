// Package metrics provides Prometheus metrics for the Clarity service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks payee resolutions by outcome
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clarity",
			Subsystem: "matching",
			Name:      "resolutions_total",
			Help:      "Total number of payee resolutions by status and match type",
		},
		[]string{"status", "match_type"},
	)

	// ResolutionDuration tracks single-record resolution duration in seconds
	ResolutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clarity",
			Subsystem: "matching",
			Name:      "resolution_duration_seconds",
			Help:      "Duration of single payee resolutions in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// ArbiterReviewsTotal tracks ambiguous-band escalations by outcome
	ArbiterReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clarity",
			Subsystem: "matching",
			Name:      "arbiter_reviews_total",
			Help:      "Total number of arbiter escalations by outcome",
		},
		[]string{"outcome"},
	)

	// EnrichmentJobsTotal tracks enrichment jobs by terminal status
	EnrichmentJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clarity",
			Subsystem: "enrichment",
			Name:      "jobs_total",
			Help:      "Total number of enrichment jobs by terminal status",
		},
		[]string{"status"},
	)

	// EnrichmentJobDuration tracks submission-to-settlement duration
	EnrichmentJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clarity",
			Subsystem: "enrichment",
			Name:      "job_duration_seconds",
			Help:      "Duration from job submission to settlement in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"status"},
	)

	// EnrichmentCompletionsTotal tracks which channel settled each job
	EnrichmentCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clarity",
			Subsystem: "enrichment",
			Name:      "completions_total",
			Help:      "Total number of job completions by delivery channel",
		},
		[]string{"channel"},
	)

	// WebhookEventsTotal tracks webhook deliveries by disposition
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clarity",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total number of webhook deliveries by disposition",
		},
		[]string{"disposition"},
	)

	// ReconciliationGapsTotal tracks records found stuck by the reconciler
	ReconciliationGapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clarity",
			Subsystem: "enrichment",
			Name:      "reconciliation_gaps_total",
			Help:      "Total number of stuck records resubmitted by the reconciler",
		},
	)

	// BatchesTotal tracks batches by terminal status
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clarity",
			Subsystem: "batch",
			Name:      "batches_total",
			Help:      "Total number of batches by terminal status",
		},
		[]string{"status"},
	)

	// StageDuration tracks per-stage processing duration
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clarity",
			Subsystem: "batch",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 600, 1800, 3600},
		},
		[]string{"stage"},
	)
)
