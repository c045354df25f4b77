package plansync

import "time"

// Plan is a subscription tier
type Plan string

const (
	// PlanFree is the default tier for every user
	PlanFree Plan = "free"
	// PlanPro is the paid tier
	PlanPro Plan = "pro"
)

// Valid reports whether the plan is one of the known tiers
func (p Plan) Valid() bool {
	return p == PlanFree || p == PlanPro
}

// PlanConfig holds the entitlements derived from a plan
type PlanConfig struct {
	ListingLimit int
	Premium      bool
}

// planConfigs is the static tier table. Derived user fields are always
// recomputed from this table, never carried over from the previous state.
var planConfigs = map[Plan]PlanConfig{
	PlanFree: {ListingLimit: 3, Premium: false},
	PlanPro:  {ListingLimit: 50, Premium: true},
}

// ConfigFor returns the derived entitlements for a plan.
// Unknown plans fall back to the free tier config.
func ConfigFor(plan Plan) PlanConfig {
	if cfg, ok := planConfigs[plan]; ok {
		return cfg
	}
	return planConfigs[PlanFree]
}

// User is the subset of the application's user record this package reads
// and mutates. Fields not listed here are never touched by a plan update.
type User struct {
	ID           string
	Plan         Plan
	ListingLimit int
	IsPremium    bool

	// ProSince is set while the user is on the pro plan, absent otherwise
	ProSince *time.Time

	// StripeCustomerID is sticky: once set it survives downgrades, it is
	// the durable link to the Stripe customer object
	StripeCustomerID string

	// StripeSubscriptionID is present only while the user is on the pro plan
	StripeSubscriptionID string

	UpdatedAt time.Time
}

// Hints carries the partial identifiers extracted from a webhook event.
// Any subset may be empty depending on the event type.
type Hints struct {
	// UserID is the application's own id, attached as checkout metadata.
	// When present it is authoritative and no lookup is performed.
	UserID string

	// CustomerID is the Stripe customer id
	CustomerID string

	// SubscriptionID is the Stripe subscription id
	SubscriptionID string
}

// Linkage carries the Stripe identifiers to persist alongside a plan change
type Linkage struct {
	CustomerID     string
	SubscriptionID string
}

// PlanUpdate describes a field-level merge against a user record.
// Storage adapters translate the Clear flags into their own delete
// sentinel (Firestore delete, SQL NULL, hash field removal).
type PlanUpdate struct {
	Plan         Plan
	ListingLimit int
	IsPremium    bool

	// ProSince is written when non-nil; ClearProSince removes the field
	ProSince      *time.Time
	ClearProSince bool

	// SubscriptionID is written when non-empty; ClearSubscriptionID
	// removes the field. At most one of the two is set.
	SubscriptionID      string
	ClearSubscriptionID bool

	// CustomerID is written only when non-empty, never cleared
	CustomerID string

	UpdatedAt time.Time
}
