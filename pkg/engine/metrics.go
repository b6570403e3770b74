package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmax-ai/raciflow/pkg/reconcile"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

var (
	// PassTotal counts reconciliation passes by kind (full, deletion) and outcome.
	PassTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raciflow_pass_total",
			Help: "Total number of reconciliation passes",
		},
		[]string{"kind", "outcome"},
	)

	// PassDuration tracks how long passes take.
	PassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raciflow_pass_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// ArtifactsCreated counts synthetic artifacts built by passes.
	ArtifactsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raciflow_artifacts_created_total",
			Help: "Synthetic artifacts created, by artifact type",
		},
		[]string{"artifact"},
	)

	// ArtifactsRemoved counts synthetic nodes removed by orphan collection.
	ArtifactsRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raciflow_artifacts_removed_total",
			Help: "Synthetic nodes removed by orphan collection",
		},
	)

	// ValidationIssues counts reported issues by rule and severity.
	ValidationIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raciflow_validation_issues_total",
			Help: "Validation issues reported, by rule and severity",
		},
		[]string{"rule", "severity"},
	)

	// BufferDepth is the number of pending matrix edits.
	BufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raciflow_buffer_depth",
			Help: "Matrix edits waiting in the change buffer",
		},
	)

	// WebhookDeliveries counts webhook deliveries by status.
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raciflow_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by final status",
		},
		[]string{"status"},
	)

	// EventsArchived counts events moved to blob storage.
	EventsArchived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raciflow_events_archived_total",
			Help: "Events moved from the event log to blob storage",
		},
	)
)

func init() {
	prometheus.MustRegister(PassTotal)
	prometheus.MustRegister(PassDuration)
	prometheus.MustRegister(ArtifactsCreated)
	prometheus.MustRegister(ArtifactsRemoved)
	prometheus.MustRegister(ValidationIssues)
	prometheus.MustRegister(BufferDepth)
	prometheus.MustRegister(WebhookDeliveries)
	prometheus.MustRegister(EventsArchived)
}

func passOutcome(res reconcile.Result) string {
	switch {
	case res.Error != "":
		return "failed"
	case res.Blocked():
		return "blocked"
	case len(res.Errors) > 0:
		return "errors"
	default:
		return "ok"
	}
}

func observePass(kind string, res reconcile.Result, d time.Duration) {
	PassTotal.WithLabelValues(kind, passOutcome(res)).Inc()
	PassDuration.WithLabelValues(kind).Observe(d.Seconds())
	ArtifactsCreated.WithLabelValues("role").Add(float64(res.RolesCreated))
	ArtifactsCreated.WithLabelValues("assignment").Add(float64(res.Assignments))
	ArtifactsCreated.WithLabelValues("chain").Add(float64(res.ChainNodes))
	ArtifactsCreated.WithLabelValues("gateway").Add(float64(res.GatewaysCreated))
	ArtifactsRemoved.Add(float64(res.ElementsRemoved))
}

func observeValidation(vr validation.Result) {
	for _, issue := range vr.Errors {
		ValidationIssues.WithLabelValues(string(issue.Rule), string(issue.Severity)).Inc()
	}
	for _, issue := range vr.Warnings {
		ValidationIssues.WithLabelValues(string(issue.Rule), string(issue.Severity)).Inc()
	}
}
