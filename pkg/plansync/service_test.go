package plansync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaloumo/plansync/pkg/plansync"
	"github.com/kaloumo/plansync/storage/memory"
)

func newTestService(t *testing.T, store plansync.Store) *plansync.Service {
	t.Helper()
	service, err := plansync.NewService(store, &plansync.Config{
		Clock: fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return service
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := plansync.NewService(nil, nil)
	require.Error(t, err)
}

func TestClaimEvent_FirstClaimOnly(t *testing.T) {
	service := newTestService(t, memory.New())
	ctx := context.Background()

	seen, err := service.SeenEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := service.ClaimEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = service.ClaimEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, first, "second claim of the same event id must lose")

	seen, err = service.SeenEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestTransition_AppliesPlan(t *testing.T) {
	store := memory.New()
	store.PutUser(&plansync.User{ID: "u1", Plan: plansync.PlanFree})
	service := newTestService(t, store)

	applied, err := service.Transition(context.Background(),
		plansync.Hints{UserID: "u1"},
		plansync.PlanPro,
		plansync.Linkage{CustomerID: "cus_1", SubscriptionID: "sub_1"},
	)
	require.NoError(t, err)
	assert.True(t, applied)

	user, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPro, user.Plan)
}

func TestTransition_OrphanEventSkipped(t *testing.T) {
	service := newTestService(t, memory.New())

	// No user carries these ids; the event is an orphan (test event,
	// deleted user) and must be skipped without error.
	applied, err := service.Transition(context.Background(),
		plansync.Hints{SubscriptionID: "sub_ghost", CustomerID: "cus_ghost"},
		plansync.PlanPro,
		plansync.Linkage{},
	)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSetCustomerID_Sticky(t *testing.T) {
	store := memory.New()
	service := newTestService(t, store)
	ctx := context.Background()

	require.NoError(t, service.SetCustomerID(ctx, "u1", "cus_1"))

	user, err := service.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", user.StripeCustomerID)
}
