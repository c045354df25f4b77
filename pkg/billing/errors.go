package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing a
	// required setting (API key, service handle, price id)
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingSignature is returned when the webhook request carries no
	// signature header
	ErrMissingSignature = errors.New("missing webhook signature header")

	// ErrMissingWebhookSecret is returned when no signing secret is
	// configured. This is a server misconfiguration, not a client error.
	ErrMissingWebhookSecret = errors.New("webhook signing secret not configured")

	// ErrInvalidSignature is returned when cryptographic verification of
	// the webhook payload fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a verified payload cannot
	// be decoded
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an
	// error on an outbound call
	ErrProviderAPIError = errors.New("billing provider API error")
)
