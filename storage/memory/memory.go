// Package memory provides an in-memory implementation of the plansync.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kaloumo/plansync/pkg/plansync"
)

// Store implements plansync.Store using in-memory maps
type Store struct {
	mu     sync.RWMutex
	users  map[string]*plansync.User
	events map[string]time.Time
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		users:  make(map[string]*plansync.User),
		events: make(map[string]time.Time),
	}
}

// PutUser seeds a user record. Test helper, not part of plansync.Store.
func (s *Store) PutUser(user *plansync.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userCopy := *user
	s.users[user.ID] = &userCopy
}

// GetUser implements plansync.Store
func (s *Store) GetUser(ctx context.Context, userID string) (*plansync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, plansync.ErrUserNotFound
	}

	// Return a copy to prevent external mutations
	userCopy := *user
	return &userCopy, nil
}

// FindUserBySubscriptionID implements plansync.Store
func (s *Store) FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (*plansync.User, error) {
	if subscriptionID == "" {
		return nil, plansync.ErrUserNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.StripeSubscriptionID == subscriptionID {
			userCopy := *user
			return &userCopy, nil
		}
	}
	return nil, plansync.ErrUserNotFound
}

// FindUserByCustomerID implements plansync.Store
func (s *Store) FindUserByCustomerID(ctx context.Context, customerID string) (*plansync.User, error) {
	if customerID == "" {
		return nil, plansync.ErrUserNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, user := range s.users {
		if user.StripeCustomerID == customerID {
			userCopy := *user
			return &userCopy, nil
		}
	}
	return nil, plansync.ErrUserNotFound
}

// ApplyPlanUpdate implements plansync.Store with merge semantics:
// the record is created when absent, and only the fields the update
// names are touched.
func (s *Store) ApplyPlanUpdate(ctx context.Context, userID string, update plansync.PlanUpdate) error {
	if userID == "" {
		return fmt.Errorf("invalid user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		user = &plansync.User{ID: userID}
		s.users[userID] = user
	}

	user.Plan = update.Plan
	user.ListingLimit = update.ListingLimit
	user.IsPremium = update.IsPremium
	user.UpdatedAt = update.UpdatedAt

	if update.ClearProSince {
		user.ProSince = nil
	} else if update.ProSince != nil {
		t := *update.ProSince
		user.ProSince = &t
	}

	if update.ClearSubscriptionID {
		user.StripeSubscriptionID = ""
	} else if update.SubscriptionID != "" {
		user.StripeSubscriptionID = update.SubscriptionID
	}

	if update.CustomerID != "" {
		user.StripeCustomerID = update.CustomerID
	}

	return nil
}

// SetCustomerID implements plansync.Store
func (s *Store) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("invalid customer link")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		user = &plansync.User{ID: userID}
		s.users[userID] = user
	}
	user.StripeCustomerID = customerID
	return nil
}

// SeenEvent implements plansync.Store
func (s *Store) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventID]
	return ok, nil
}

// ClaimEvent implements plansync.Store
func (s *Store) ClaimEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("invalid event id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[eventID]; ok {
		return false, nil
	}
	s.events[eventID] = processedAt
	return true, nil
}
