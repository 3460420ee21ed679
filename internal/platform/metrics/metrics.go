package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	WebhookEvents       *prometheus.CounterVec
	ApprovalChanges     *prometheus.CounterVec
	ApplyDuration       *prometheus.HistogramVec
	GroupFailures       prometheus.Counter
	DecisionPublishErrs prometheus.Counter
	ReportCacheResults  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers against reg; tests pass a fresh registry.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotkeeper_webhook_events_total",
			Help: "Provider webhook deliveries by event kind and result",
		}, []string{"event", "result"}),
		ApprovalChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotkeeper_approval_changes_total",
			Help: "Committed booking status changes by new status and policy",
		}, []string{"status", "policy"}),
		ApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spotkeeper_apply_duration_seconds",
			Help:    "Time spent applying a policy decision, dry runs included",
			Buckets: prometheus.DefBuckets,
		}, []string{"dry_run"}),
		GroupFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "spotkeeper_bulk_group_failures_total",
			Help: "Groups whose policy run failed during a bulk action",
		}),
		DecisionPublishErrs: f.NewCounter(prometheus.CounterOpts{
			Name: "spotkeeper_decision_publish_errors_total",
			Help: "Decision events that could not be published",
		}),
		ReportCacheResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spotkeeper_report_cache_total",
			Help: "Report cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncrementWebhookEvent(event, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(event, result).Inc()
}

func (m *Metrics) IncrementApprovalChange(status, policy string) {
	if m == nil {
		return
	}
	m.ApprovalChanges.WithLabelValues(status, policy).Inc()
}

func (m *Metrics) ObserveApply(dryRun bool, started time.Time) {
	if m == nil {
		return
	}
	label := "false"
	if dryRun {
		label = "true"
	}
	m.ApplyDuration.WithLabelValues(label).Observe(time.Since(started).Seconds())
}

func (m *Metrics) IncrementGroupFailure() {
	if m == nil {
		return
	}
	m.GroupFailures.Inc()
}

func (m *Metrics) IncrementPublishError() {
	if m == nil {
		return
	}
	m.DecisionPublishErrs.Inc()
}

func (m *Metrics) IncrementReportCache(result string) {
	if m == nil {
		return
	}
	m.ReportCacheResults.WithLabelValues(result).Inc()
}
