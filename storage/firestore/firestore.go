// Package firestore provides a Firestore implementation of the
// plansync.Store interface. Users live in one collection keyed by user id;
// the idempotency ledger is a second collection keyed by event id whose
// entries are created once and never touched again.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kaloumo/plansync/pkg/plansync"
)

const (
	fieldPlan           = "plan"
	fieldListingLimit   = "listingLimit"
	fieldIsPremium      = "isPremium"
	fieldProSince       = "proSince"
	fieldCustomerID     = "stripeCustomerId"
	fieldSubscriptionID = "stripeSubscriptionId"
	fieldUpdatedAt      = "updatedAt"
	fieldProcessedAt    = "processedAt"
)

// Store implements plansync.Store using Google Cloud Firestore
type Store struct {
	client           *firestore.Client
	usersCollection  string
	eventsCollection string
}

// Config holds Firestore store configuration
type Config struct {
	// UsersCollection is the Firestore collection holding user records
	// Default: "users"
	UsersCollection string

	// EventsCollection is the Firestore collection holding the
	// processed-event ledger
	// Default: "stripe_events"
	EventsCollection string
}

// New creates a new Firestore store adapter
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "stripe_events"
	}

	return &Store{
		client:           client,
		usersCollection:  config.UsersCollection,
		eventsCollection: config.EventsCollection,
	}, nil
}

// GetUser implements plansync.Store
func (s *Store) GetUser(ctx context.Context, userID string) (*plansync.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, plansync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, plansync.ErrUserNotFound
	}
	return userFromDoc(userID, snap.Data()), nil
}

// FindUserBySubscriptionID implements plansync.Store
func (s *Store) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*plansync.User, error) {
	return s.findUserBy(ctx, fieldSubscriptionID, subscriptionID)
}

// FindUserByCustomerID implements plansync.Store
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (*plansync.User, error) {
	return s.findUserBy(ctx, fieldCustomerID, customerID)
}

func (s *Store) findUserBy(ctx context.Context, field, value string) (*plansync.User, error) {
	if value == "" {
		return nil, plansync.ErrUserNotFound
	}

	iter := s.client.Collection(s.usersCollection).
		Where(field, "==", value).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, plansync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query users by %s: %w", field, err)
	}
	return userFromDoc(snap.Ref.ID, snap.Data()), nil
}

// ApplyPlanUpdate implements plansync.Store using a merge write, so
// fields outside the update survive untouched. Cleared fields use the
// Firestore delete sentinel.
func (s *Store) ApplyPlanUpdate(ctx context.Context, userID string, update plansync.PlanUpdate) error {
	if userID == "" {
		return fmt.Errorf("invalid user id")
	}

	data := map[string]interface{}{
		fieldPlan:         string(update.Plan),
		fieldListingLimit: update.ListingLimit,
		fieldIsPremium:    update.IsPremium,
		fieldUpdatedAt:    update.UpdatedAt,
	}

	if update.ClearProSince {
		data[fieldProSince] = firestore.Delete
	} else if update.ProSince != nil {
		data[fieldProSince] = *update.ProSince
	}

	if update.ClearSubscriptionID {
		data[fieldSubscriptionID] = firestore.Delete
	} else if update.SubscriptionID != "" {
		data[fieldSubscriptionID] = update.SubscriptionID
	}

	if update.CustomerID != "" {
		data[fieldCustomerID] = update.CustomerID
	}

	doc := s.client.Collection(s.usersCollection).Doc(userID)
	if _, err := doc.Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to apply plan update: %w", err)
	}
	return nil
}

// SetCustomerID implements plansync.Store
func (s *Store) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("invalid customer link")
	}

	doc := s.client.Collection(s.usersCollection).Doc(userID)
	_, err := doc.Set(ctx, map[string]interface{}{
		fieldCustomerID: customerID,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	return nil
}

// SeenEvent implements plansync.Store
func (s *Store) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	snap, err := s.client.Collection(s.eventsCollection).Doc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return snap.Exists(), nil
}

// ClaimEvent implements plansync.Store. Create is the conditional-create
// primitive: AlreadyExists means another delivery claimed the id first.
func (s *Store) ClaimEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("invalid event id")
	}

	doc := s.client.Collection(s.eventsCollection).Doc(eventID)
	_, err := doc.Create(ctx, map[string]interface{}{
		fieldProcessedAt: processedAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return true, nil
}

func userFromDoc(userID string, data map[string]interface{}) *plansync.User {
	user := &plansync.User{
		ID:                   userID,
		Plan:                 plansync.Plan(getString(data, fieldPlan)),
		ListingLimit:         getInt(data, fieldListingLimit),
		IsPremium:            getBool(data, fieldIsPremium),
		StripeCustomerID:     getString(data, fieldCustomerID),
		StripeSubscriptionID: getString(data, fieldSubscriptionID),
		UpdatedAt:            getTime(data, fieldUpdatedAt),
	}
	if proSince, ok := data[fieldProSince].(time.Time); ok && !proSince.IsZero() {
		user.ProSince = &proSince
	}
	return user
}

// Helper functions for safe type assertions

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
