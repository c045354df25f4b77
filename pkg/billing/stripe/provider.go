package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/kaloumo/plansync/pkg/billing"
	"github.com/kaloumo/plansync/pkg/billing/internal"
	"github.com/kaloumo/plansync/pkg/plansync"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	webhookBodyLimit         = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Service, Logger, Metrics, etc.)

	// StripeAPIKey authenticates outbound API calls (checkout, customers)
	StripeAPIKey string

	// StripeWebhookSecret is the endpoint signing secret ("whsec_...")
	StripeWebhookSecret string

	// ProPriceID is the Stripe price the pro subscription checkout uses
	ProPriceID string

	// SuccessURL / CancelURL are the default HTTPS redirect targets for
	// checkout sessions. Stripe rejects non-HTTPS schemes here.
	SuccessURL string
	CancelURL  string
}

// Provider implements the billing.Provider interface for Stripe.
//
// The Stripe client is constructed once here with its credential and
// owned by the provider; nothing in this package reaches for a
// process-wide client.
type Provider struct {
	service       *plansync.Service
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	proPriceID    string
	successURL    string
	cancelURL     string
	stripeClient  *stripe.Client
	logger        plansync.Logger
	metrics       plansync.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Service == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = &plansync.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &plansync.NoopMetrics{}
	}

	return &Provider{
		service:       config.Service,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: strings.TrimSpace(config.StripeWebhookSecret),
		proPriceID:    strings.TrimSpace(config.ProPriceID),
		successURL:    config.SuccessURL,
		cancelURL:     config.CancelURL,
		stripeClient:  stripe.NewClient(apiKey),
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}
