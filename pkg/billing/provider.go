package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a payment backend must implement.
// Keeping the surface generic lets the application swap Stripe for
// another provider without touching the plan-sync core.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes the
	// provider's asynchronous event notifications. The implementation
	// handles signature verification, deduplication and plan updates
	// internally.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session upgrading userID to
	// the paid plan and returns its URL. Empty successURL/cancelURL fall
	// back to the configured defaults.
	CheckoutURL(ctx context.Context, userID, successURL, cancelURL string) (string, error)
}
