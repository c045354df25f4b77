package plansync

import (
	"context"
	"time"
)

// Store is the document-store boundary this package runs against.
// Implementations live under storage/ (memory, firestore, redis, postgres).
//
// Consistency requirements are deliberately small: single-document merge
// writes and a single-key conditional create. No multi-document
// transactions are assumed.
type Store interface {
	// GetUser returns the user record for id, or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)

	// FindUserBySubscriptionID returns the user whose StripeSubscriptionID
	// exactly matches subscriptionID, or ErrUserNotFound. The field is
	// unique per active subscription, so at most one record matches.
	FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*User, error)

	// FindUserByCustomerID returns the user whose StripeCustomerID exactly
	// matches customerID, or ErrUserNotFound.
	FindUserByCustomerID(ctx context.Context, customerID string) (*User, error)

	// ApplyPlanUpdate merge-writes the update onto the user record,
	// creating the record if it does not exist. Fields outside the update
	// are left untouched.
	ApplyPlanUpdate(ctx context.Context, userID string, update PlanUpdate) error

	// SetCustomerID records the Stripe customer id on the user record
	// without changing anything else. Used by the checkout path.
	SetCustomerID(ctx context.Context, userID, customerID string) error

	// SeenEvent reports whether eventID has already been claimed.
	SeenEvent(ctx context.Context, eventID string) (bool, error)

	// ClaimEvent records eventID with a single conditional create.
	// Returns false when the id was already present, which is the
	// duplicate signal. The entry is never mutated or deleted afterwards.
	ClaimEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error)
}
