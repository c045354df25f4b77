package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kaloumo/plansync/pkg/plansync"
)

// Metrics implements plansync.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	planChangesTotal          *prometheus.CounterVec
	storeOperationsTotal      *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Total number of webhook events received.",
		}, []string{"event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "errors_total",
			Help:      "Total number of webhook errors before processing.",
		}, []string{"error_type"}),

		planChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plans",
			Name:      "changes_total",
			Help:      "Total number of plan transitions between tiers.",
		}, []string{"from_plan", "to_plan"}),

		storeOperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of store operations by outcome.",
		}, []string{"operation", "status"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordPlanChange(fromPlan, toPlan string) {
	m.planChangesTotal.WithLabelValues(fromPlan, toPlan).Inc()
}

func (m *Metrics) RecordStoreOperation(operation, status string) {
	m.storeOperationsTotal.WithLabelValues(operation, status).Inc()
}

// DefaultMetrics creates a Metrics instance registered on the default
// Prometheus registry.
func DefaultMetrics(namespace string) plansync.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
