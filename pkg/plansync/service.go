package plansync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds Service configuration
type Config struct {
	// Logger is an optional structured logger. Defaults to NoopLogger.
	Logger Logger

	// Metrics is an optional metrics collector. Defaults to NoopMetrics.
	Metrics Metrics

	// Clock overrides the time source. Defaults to time.Now. Test hook.
	Clock func() time.Time
}

// Service bundles the resolver, the applier and the idempotency ledger
// over a single Store. It is the handle webhook providers run against,
// constructed explicitly at process start-up.
type Service struct {
	store    Store
	resolver *Resolver
	applier  *Applier
	logger   Logger
	metrics  Metrics
	now      func() time.Time
}

// NewService creates a Service backed by store.
func NewService(store Store, config *Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}

	applier := NewApplier(store, logger, metrics)
	applier.WithClock(now)

	return &Service{
		store:    store,
		resolver: NewResolver(store, logger),
		applier:  applier,
		logger:   logger,
		metrics:  metrics,
		now:      now,
	}, nil
}

// SeenEvent reports whether eventID has already been claimed in the
// ledger. Used as the duplicate short-circuit before any work starts.
func (s *Service) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	seen, err := s.store.SeenEvent(ctx, eventID)
	if err != nil {
		s.metrics.RecordStoreOperation("seen_event", "error")
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	s.metrics.RecordStoreOperation("seen_event", "success")
	return seen, nil
}

// ClaimEvent durably records eventID after the state change committed.
// Returns false when a concurrent delivery claimed the id first; the
// double-applied transition is harmless because application is
// idempotent.
//
// Ordering is deliberate: claiming before the state change would let a
// storage failure strand the event as "processed" with no effect, and
// the provider's retry would then be skipped as a duplicate. Applying
// first keeps retries effective at the cost of a narrow re-apply window.
func (s *Service) ClaimEvent(ctx context.Context, eventID string) (bool, error) {
	first, err := s.store.ClaimEvent(ctx, eventID, s.now().UTC())
	if err != nil {
		s.metrics.RecordStoreOperation("claim_event", "error")
		return false, fmt.Errorf("ledger claim: %w", err)
	}
	s.metrics.RecordStoreOperation("claim_event", "success")
	return first, nil
}

// Resolve maps event hints to a user id. See Resolver.Resolve.
func (s *Service) Resolve(ctx context.Context, hints Hints) (string, error) {
	return s.resolver.Resolve(ctx, hints)
}

// ApplyPlan performs the plan transition. See Applier.ApplyPlan.
func (s *Service) ApplyPlan(ctx context.Context, userID string, targetPlan Plan, linkage Linkage) error {
	return s.applier.ApplyPlan(ctx, userID, targetPlan, linkage)
}

// Transition resolves the hints and applies targetPlan to the matched
// user. Returns applied=false with a nil error when no user matched:
// orphan events (test events, deleted users) are logged and skipped, not
// failed, so they cannot wedge the provider's delivery queue.
func (s *Service) Transition(ctx context.Context, hints Hints, targetPlan Plan, linkage Linkage) (applied bool, err error) {
	userID, err := s.resolver.Resolve(ctx, hints)
	if err != nil {
		if errors.Is(err, ErrUserNotResolved) {
			return false, nil
		}
		return false, err
	}

	if err := s.applier.ApplyPlan(ctx, userID, targetPlan, linkage); err != nil {
		return false, err
	}
	return true, nil
}

// GetUser returns the user record for id, or ErrUserNotFound.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.store.GetUser(ctx, userID)
}

// SetCustomerID persists the sticky Stripe customer link on the user
// record. Used by the checkout path when a customer is first created.
func (s *Service) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if err := s.store.SetCustomerID(ctx, userID, customerID); err != nil {
		s.metrics.RecordStoreOperation("set_customer_id", "error")
		return fmt.Errorf("set customer id: %w", err)
	}
	s.metrics.RecordStoreOperation("set_customer_id", "success")
	return nil
}
