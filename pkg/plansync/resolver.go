package plansync

import (
	"context"
	"errors"
	"fmt"
)

// Resolver locates the user record a webhook event refers to.
//
// Stripe delivers different identifier sets per event type: checkout
// completions carry the application's own user id as metadata, later
// lifecycle events only carry Stripe-side ids. Resolution is therefore an
// ordered fallback chain, not a single key lookup.
type Resolver struct {
	store  Store
	logger Logger
}

// NewResolver creates a resolver backed by store.
func NewResolver(store Store, logger Logger) *Resolver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the user id the hints refer to.
//
// Order: the direct UserID hint wins unconditionally (it was attached by
// the application at checkout time), then an exact-match lookup on
// StripeSubscriptionID, then on StripeCustomerID. Returns
// ErrUserNotResolved when no hint maps to a record; store failures other
// than not-found propagate.
func (r *Resolver) Resolve(ctx context.Context, hints Hints) (string, error) {
	if hints.UserID != "" {
		return hints.UserID, nil
	}

	if hints.SubscriptionID != "" {
		user, err := r.store.FindUserBySubscriptionID(ctx, hints.SubscriptionID)
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return "", fmt.Errorf("lookup by subscription id: %w", err)
		}
	}

	if hints.CustomerID != "" {
		user, err := r.store.FindUserByCustomerID(ctx, hints.CustomerID)
		if err == nil {
			return user.ID, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return "", fmt.Errorf("lookup by customer id: %w", err)
		}
	}

	r.logger.Warn("no user matched event hints",
		Field{Key: "customer_id", Value: hints.CustomerID},
		Field{Key: "subscription_id", Value: hints.SubscriptionID},
	)
	return "", ErrUserNotResolved
}
