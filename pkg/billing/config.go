package billing

import (
	"net/http"

	"github.com/kaloumo/plansync/pkg/plansync"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Service is the plansync Service the provider applies plan changes
	// through (required)
	Service *plansync.Service

	// WebhookSecret verifies incoming webhook requests (e.g. the Stripe
	// signing secret)
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider
	// (checkout session and customer creation)
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is an optional structured logger. Defaults to NoopLogger.
	Logger plansync.Logger

	// Metrics is an optional metrics collector for webhook and API
	// operations. Defaults to NoopMetrics.
	Metrics plansync.Metrics
}
