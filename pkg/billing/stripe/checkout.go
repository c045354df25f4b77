package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/kaloumo/plansync/pkg/billing"
	"github.com/kaloumo/plansync/pkg/plansync"
)

// CheckoutURL creates a subscription-mode Stripe Checkout Session for the
// pro plan and returns its URL.
//
// The session metadata carries the application's own user id, which is
// what lets the webhook resolver map the completion event straight back
// to the record without any provider-side lookup.
func (p *Provider) CheckoutURL(ctx context.Context, userID, successURL, cancelURL string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", billing.ErrProviderNotConfigured)
	}
	if p.proPriceID == "" {
		return "", fmt.Errorf("%w: pro price id missing", billing.ErrProviderNotConfigured)
	}

	if successURL == "" {
		successURL = p.successURL
	}
	if cancelURL == "" {
		cancelURL = p.cancelURL
	}
	if successURL == "" || cancelURL == "" {
		return "", fmt.Errorf("%w: checkout redirect URLs missing", billing.ErrProviderNotConfigured)
	}

	customerID, err := p.ensureCustomer(ctx, userID)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(p.proPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}

	// The webhook resolver's first lookup step depends on this metadata.
	params.AddMetadata("uid", userID)
	params.AddMetadata("chosenPlan", string(plansync.PlanPro))

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.logger.Info("checkout session created",
		plansync.Field{Key: "uid", Value: userID},
		plansync.Field{Key: "customer_id", Value: customerID},
	)
	return session.URL, nil
}

// ensureCustomer returns the user's Stripe customer id, creating the
// customer on first use and persisting the sticky link on the record.
func (p *Provider) ensureCustomer(ctx context.Context, userID string) (string, error) {
	user, err := p.service.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, plansync.ErrUserNotFound) {
		return "", fmt.Errorf("resolve customer: %w", err)
	}
	if user != nil && user.StripeCustomerID != "" {
		return user.StripeCustomerID, nil
	}

	params := &stripe.CustomerCreateParams{}
	params.AddMetadata("uid", userID)

	cust, err := p.stripeClient.V1Customers.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: create customer: %v", billing.ErrProviderAPIError, err)
	}

	if err := p.service.SetCustomerID(ctx, userID, cust.ID); err != nil {
		return "", err
	}
	return cust.ID, nil
}
