// Package redis provides a Redis implementation of the plansync.Store
// interface. User records are hashes; exact-match lookups by Stripe ids go
// through secondary-index keys maintained on every write; the idempotency
// ledger uses SETNX as its conditional-create primitive.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kaloumo/plansync/pkg/plansync"
)

const (
	hashPlan           = "plan"
	hashListingLimit   = "listingLimit"
	hashIsPremium      = "isPremium"
	hashProSince       = "proSince"
	hashCustomerID     = "stripeCustomerId"
	hashSubscriptionID = "stripeSubscriptionId"
	hashUpdatedAt      = "updatedAt"
)

// Store implements plansync.Store using Redis
type Store struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis store configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "plansync:")
	KeyPrefix string

	// EventTTL is the TTL for ledger entries (0 = no expiration).
	// Stripe stops retrying within days, so a bounded TTL is safe when
	// ledger growth matters.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "plansync:",
		EventTTL:  0,
	}
}

// New creates a new Redis store adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "plansync:"
	}
	return &Store{client: client, config: config}, nil
}

func (s *Store) userKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Store) subIndexKey(subscriptionID string) string {
	return s.config.KeyPrefix + "subidx:" + subscriptionID
}

func (s *Store) custIndexKey(customerID string) string {
	return s.config.KeyPrefix + "custidx:" + customerID
}

func (s *Store) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

// GetUser implements plansync.Store
func (s *Store) GetUser(ctx context.Context, userID string) (*plansync.User, error) {
	data, err := s.client.HGetAll(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(data) == 0 {
		return nil, plansync.ErrUserNotFound
	}
	return userFromHash(userID, data), nil
}

// FindUserBySubscriptionID implements plansync.Store
func (s *Store) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*plansync.User, error) {
	if subscriptionID == "" {
		return nil, plansync.ErrUserNotFound
	}
	return s.findByIndex(ctx, s.subIndexKey(subscriptionID))
}

// FindUserByCustomerID implements plansync.Store
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (*plansync.User, error) {
	if customerID == "" {
		return nil, plansync.ErrUserNotFound
	}
	return s.findByIndex(ctx, s.custIndexKey(customerID))
}

func (s *Store) findByIndex(ctx context.Context, indexKey string) (*plansync.User, error) {
	userID, err := s.client.Get(ctx, indexKey).Result()
	if err == redis.Nil {
		return nil, plansync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// ApplyPlanUpdate implements plansync.Store. The hash write and the
// index maintenance run in one pipeline; the previous subscription id is
// read first so its index entry can be dropped on clear or change.
func (s *Store) ApplyPlanUpdate(ctx context.Context, userID string, update plansync.PlanUpdate) error {
	if userID == "" {
		return fmt.Errorf("invalid user id")
	}

	key := s.userKey(userID)

	prevSub, err := s.client.HGet(ctx, key, hashSubscriptionID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read previous subscription id: %w", err)
	}

	fields := map[string]interface{}{
		hashPlan:         string(update.Plan),
		hashListingLimit: strconv.Itoa(update.ListingLimit),
		hashIsPremium:    strconv.FormatBool(update.IsPremium),
		hashUpdatedAt:    update.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	var deletes []string

	if update.ClearProSince {
		deletes = append(deletes, hashProSince)
	} else if update.ProSince != nil {
		fields[hashProSince] = update.ProSince.UTC().Format(time.RFC3339Nano)
	}

	if update.ClearSubscriptionID {
		deletes = append(deletes, hashSubscriptionID)
	} else if update.SubscriptionID != "" {
		fields[hashSubscriptionID] = update.SubscriptionID
	}

	if update.CustomerID != "" {
		fields[hashCustomerID] = update.CustomerID
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if len(deletes) > 0 {
		pipe.HDel(ctx, key, deletes...)
	}

	if prevSub != "" && (update.ClearSubscriptionID || (update.SubscriptionID != "" && update.SubscriptionID != prevSub)) {
		pipe.Del(ctx, s.subIndexKey(prevSub))
	}
	if update.SubscriptionID != "" && !update.ClearSubscriptionID {
		pipe.Set(ctx, s.subIndexKey(update.SubscriptionID), userID, 0)
	}
	if update.CustomerID != "" {
		pipe.Set(ctx, s.custIndexKey(update.CustomerID), userID, 0)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to apply plan update: %w", err)
	}
	return nil
}

// SetCustomerID implements plansync.Store
func (s *Store) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("invalid customer link")
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.userKey(userID), hashCustomerID, customerID)
	pipe.Set(ctx, s.custIndexKey(customerID), userID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	return nil
}

// SeenEvent implements plansync.Store
func (s *Store) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// ClaimEvent implements plansync.Store
func (s *Store) ClaimEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("invalid event id")
	}

	ok, err := s.client.SetNX(ctx,
		s.eventKey(eventID),
		processedAt.UTC().Format(time.RFC3339Nano),
		s.config.EventTTL,
	).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return ok, nil
}

func userFromHash(userID string, data map[string]string) *plansync.User {
	user := &plansync.User{
		ID:                   userID,
		Plan:                 plansync.Plan(data[hashPlan]),
		StripeCustomerID:     data[hashCustomerID],
		StripeSubscriptionID: data[hashSubscriptionID],
	}
	if v, err := strconv.Atoi(data[hashListingLimit]); err == nil {
		user.ListingLimit = v
	}
	if v, err := strconv.ParseBool(data[hashIsPremium]); err == nil {
		user.IsPremium = v
	}
	if t, err := time.Parse(time.RFC3339Nano, data[hashProSince]); err == nil {
		user.ProSince = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, data[hashUpdatedAt]); err == nil {
		user.UpdatedAt = t
	}
	return user
}
