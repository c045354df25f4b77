package plansync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Applier performs plan transitions on user records.
//
// A transition is a pure function of the target plan plus linkage, not a
// delta against the previous state, so applying the same target twice
// yields the same record. That property is what makes redelivered and
// out-of-order webhook events safe.
type Applier struct {
	store   Store
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewApplier creates an applier backed by store. The clock defaults to
// time.Now and is injectable for tests.
func NewApplier(store Store, logger Logger, metrics Metrics) *Applier {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Applier{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// WithClock overrides the applier's clock. Test hook.
func (a *Applier) WithClock(now func() time.Time) *Applier {
	a.now = now
	return a
}

// ApplyPlan moves the user to targetPlan, recomputing derived fields from
// the tier table and persisting the Stripe linkage:
//
//   - pro sets ProSince (kept from the existing record when the user is
//     already pro) and, when supplied, StripeSubscriptionID
//   - free clears ProSince and StripeSubscriptionID
//   - StripeCustomerID is only ever added, never cleared
//
// The write is a field-level merge: user data outside these fields is
// untouched.
func (a *Applier) ApplyPlan(ctx context.Context, userID string, targetPlan Plan, linkage Linkage) error {
	if !targetPlan.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlan, targetPlan)
	}

	existing, err := a.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		a.metrics.RecordStoreOperation("get_user", "error")
		return fmt.Errorf("get user: %w", err)
	}

	cfg := ConfigFor(targetPlan)
	now := a.now().UTC()

	update := PlanUpdate{
		Plan:         targetPlan,
		ListingLimit: cfg.ListingLimit,
		IsPremium:    cfg.Premium,
		CustomerID:   linkage.CustomerID,
		UpdatedAt:    now,
	}

	if targetPlan == PlanPro {
		// Keep the original upgrade time across repeated pro events so a
		// redelivered or reinforcing event changes nothing but UpdatedAt.
		if existing != nil && existing.ProSince != nil {
			update.ProSince = existing.ProSince
		} else {
			update.ProSince = &now
		}
		if linkage.SubscriptionID != "" {
			update.SubscriptionID = linkage.SubscriptionID
		}
	} else {
		update.ClearProSince = true
		update.ClearSubscriptionID = true
	}

	if err := a.store.ApplyPlanUpdate(ctx, userID, update); err != nil {
		a.metrics.RecordStoreOperation("apply_plan_update", "error")
		return fmt.Errorf("apply plan update: %w", err)
	}
	a.metrics.RecordStoreOperation("apply_plan_update", "success")

	previousPlan := PlanFree
	if existing != nil && existing.Plan.Valid() {
		previousPlan = existing.Plan
	}
	if previousPlan != targetPlan {
		a.metrics.RecordPlanChange(string(previousPlan), string(targetPlan))
	}

	a.logger.Info("plan applied",
		Field{Key: "user_id", Value: userID},
		Field{Key: "plan", Value: string(targetPlan)},
	)
	return nil
}
