package plansync

import "time"

// Metrics defines the interface for tracking webhook and plan operations.
// All methods are optional - callers should pass NoopMetrics when unused.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the provider.
	// status: "success", "duplicate", "skipped" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took end to end.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook failure before processing started.
	// errorType: e.g. "auth_failed", "invalid_payload", "storage_error"
	RecordWebhookError(errorType string)

	// RecordPlanChange records a user moving between tiers.
	RecordPlanChange(fromPlan, toPlan string)

	// RecordStoreOperation records a store call outcome.
	// status: "success" or "error"
	RecordStoreOperation(operation, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordPlanChange(_, _ string)                              {}
func (n *NoopMetrics) RecordStoreOperation(_, _ string)                          {}
