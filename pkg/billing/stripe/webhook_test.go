package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/kaloumo/plansync/pkg/billing"
	"github.com/kaloumo/plansync/pkg/plansync"
	"github.com/kaloumo/plansync/storage/memory"
)

const (
	testAPIKey        = "sk_test_123"
	testWebhookSecret = "whsec_test_secret"
)

// trackingStore counts plan writes so tests can assert exactly-once
// application across duplicate deliveries.
type trackingStore struct {
	*memory.Store
	applyCalls int
}

func (s *trackingStore) ApplyPlanUpdate(ctx context.Context, userID string, update plansync.PlanUpdate) error {
	s.applyCalls++
	return s.Store.ApplyPlanUpdate(ctx, userID, update)
}

func newTestProvider(t *testing.T, store plansync.Store) *Provider {
	t.Helper()

	service, err := plansync.NewService(store, nil)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	provider, err := NewProvider(Config{
		Config: billing.Config{
			Service: service,
		},
		StripeAPIKey:        testAPIKey,
		StripeWebhookSecret: testWebhookSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider
}

// signPayload computes a valid Stripe-Signature header for payload.
func signPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// eventPayload builds the raw JSON body for an event carrying object as
// its data payload.
func eventPayload(t *testing.T, eventID, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": object,
		},
	})
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return body
}

func deliver(provider *Provider, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)
	return w
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestWebhookHandler_MissingSecret(t *testing.T) {
	store := memory.New()
	service, err := plansync.NewService(store, nil)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	provider, err := NewProvider(Config{
		Config:       billing.Config{Service: service},
		StripeAPIKey: testAPIKey,
		// No webhook secret configured
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]interface{}{})
	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d for missing secret, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestWebhookHandler_MissingSignature(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]interface{}{})
	w := deliver(provider, payload, "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for missing signature, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestWebhookHandler_InvalidSignature_NoSideEffects(t *testing.T) {
	store := &trackingStore{Store: memory.New()}
	store.PutUser(&plansync.User{ID: "u1", Plan: plansync.PlanFree})
	provider := newTestProvider(t, store)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"id":       "cs_1",
		"metadata": map[string]string{"uid": "u1"},
	})
	w := deliver(provider, payload, signPayload(payload, "whsec_wrong_secret", time.Now()))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for invalid signature, got %d", http.StatusBadRequest, w.Code)
	}

	// Neither the ledger nor the user record may have been touched.
	seen, err := store.SeenEvent(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if seen {
		t.Errorf("Ledger entry created for unverified event")
	}
	if store.applyCalls != 0 {
		t.Errorf("Plan applied for unverified event")
	}
}

func TestWebhookHandler_TamperedPayload(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]interface{}{})
	sig := signPayload(payload, testWebhookSecret, time.Now())

	tampered := bytes.Replace(payload, []byte("evt_1"), []byte("evt_2"), 1)
	w := deliver(provider, tampered, sig)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for tampered payload, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestWebhookHandler_CheckoutCompleted(t *testing.T) {
	store := &trackingStore{Store: memory.New()}
	store.PutUser(&plansync.User{ID: "u1", Plan: plansync.PlanFree, ListingLimit: 3})
	provider := newTestProvider(t, store)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"uid": "u1"},
	})
	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Received || resp.Duplicate {
		t.Errorf("Expected {received:true}, got %+v", resp)
	}

	user, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if user.Plan != plansync.PlanPro {
		t.Errorf("Expected plan pro, got %s", user.Plan)
	}
	if user.ListingLimit != 50 || !user.IsPremium {
		t.Errorf("Derived fields not recomputed: limit=%d premium=%v", user.ListingLimit, user.IsPremium)
	}
	if user.StripeCustomerID != "cus_1" || user.StripeSubscriptionID != "sub_1" {
		t.Errorf("Linkage not persisted: customer=%q subscription=%q", user.StripeCustomerID, user.StripeSubscriptionID)
	}
	if user.ProSince == nil {
		t.Errorf("Expected ProSince set")
	}
}

func TestWebhookHandler_DuplicateDelivery(t *testing.T) {
	store := &trackingStore{Store: memory.New()}
	store.PutUser(&plansync.User{ID: "u1", Plan: plansync.PlanFree})
	provider := newTestProvider(t, store)

	payload := eventPayload(t, "evt_1", "checkout.session.completed", map[string]interface{}{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"uid": "u1"},
	})

	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("First delivery failed: %d", w.Code)
	}

	// Stripe retry of the same event id.
	w = deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("Duplicate delivery must still return 200, got %d", w.Code)
	}

	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Received || !resp.Duplicate {
		t.Errorf("Expected {received:true, duplicate:true}, got %+v", resp)
	}

	if store.applyCalls != 1 {
		t.Errorf("Expected exactly one plan application, got %d", store.applyCalls)
	}
}

func TestWebhookHandler_InvoicePaymentSucceeded(t *testing.T) {
	store := memory.New()
	// Completion event was missed: user still free but the subscription
	// id is known. The invoice event repairs the state.
	store.PutUser(&plansync.User{
		ID:                   "u1",
		Plan:                 plansync.PlanFree,
		StripeSubscriptionID: "sub_1",
	})
	provider := newTestProvider(t, store)

	payload := eventPayload(t, "evt_inv", "invoice.payment_succeeded", map[string]interface{}{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
	})
	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	user, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if user.Plan != plansync.PlanPro {
		t.Errorf("Expected invoice event to ensure pro, got %s", user.Plan)
	}
}

func TestWebhookHandler_SubscriptionDeleted(t *testing.T) {
	store := memory.New()
	proSince := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.PutUser(&plansync.User{
		ID:                   "u1",
		Plan:                 plansync.PlanPro,
		ListingLimit:         50,
		IsPremium:            true,
		ProSince:             &proSince,
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
	})
	provider := newTestProvider(t, store)

	payload := eventPayload(t, "evt_del", "customer.subscription.deleted", map[string]interface{}{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "canceled",
	})
	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	user, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if user.Plan != plansync.PlanFree || user.ListingLimit != 3 || user.IsPremium {
		t.Errorf("Expected free tier fields, got plan=%s limit=%d premium=%v",
			user.Plan, user.ListingLimit, user.IsPremium)
	}
	if user.StripeSubscriptionID != "" {
		t.Errorf("Expected subscription id cleared, got %q", user.StripeSubscriptionID)
	}
	if user.ProSince != nil {
		t.Errorf("Expected ProSince cleared")
	}
	if user.StripeCustomerID != "cus_1" {
		t.Errorf("Customer id must survive downgrade, got %q", user.StripeCustomerID)
	}
}

func TestWebhookHandler_OrphanEventAcknowledged(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	// No user matches; the event must still be acknowledged so Stripe
	// stops retrying it.
	payload := eventPayload(t, "evt_orphan", "customer.subscription.deleted", map[string]interface{}{
		"id":       "sub_ghost",
		"customer": "cus_ghost",
	})
	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for orphan event, got %d", w.Code)
	}
}

func TestWebhookHandler_UnknownEventType(t *testing.T) {
	store := &trackingStore{Store: memory.New()}
	store.PutUser(&plansync.User{ID: "u1", Plan: plansync.PlanFree})
	provider := newTestProvider(t, store)

	payload := eventPayload(t, "evt_other", "customer.updated", map[string]interface{}{
		"id": "cus_1",
	})
	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for unknown event type, got %d", w.Code)
	}

	var resp webhookResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !resp.Received {
		t.Errorf("Expected {received:true}, got %+v", resp)
	}

	if store.applyCalls != 0 {
		t.Errorf("Unknown event type must not mutate users")
	}

	// The id is still claimed so retries of the same event short-circuit.
	seen, err := store.SeenEvent(context.Background(), "evt_other")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !seen {
		t.Errorf("Expected unknown event id to be claimed")
	}
}

// failingLedgerStore fails the claim write to exercise the
// apply-before-claim ordering.
type failingLedgerStore struct {
	*memory.Store
	failApply bool
	failClaim bool
}

func (s *failingLedgerStore) ApplyPlanUpdate(ctx context.Context, userID string, update plansync.PlanUpdate) error {
	if s.failApply {
		return plansync.ErrStorageUnavailable
	}
	return s.Store.ApplyPlanUpdate(ctx, userID, update)
}

func (s *failingLedgerStore) ClaimEvent(ctx context.Context, eventID string, processedAt time.Time) (bool, error) {
	if s.failClaim {
		return false, plansync.ErrStorageUnavailable
	}
	return s.Store.ClaimEvent(ctx, eventID, processedAt)
}

func TestWebhookHandler_ApplyFailureLeavesLedgerUnclaimed(t *testing.T) {
	store := &failingLedgerStore{Store: memory.New(), failApply: true}
	store.PutUser(&plansync.User{ID: "u1", Plan: plansync.PlanFree})
	provider := newTestProvider(t, store)

	payload := eventPayload(t, "evt_fail", "checkout.session.completed", map[string]interface{}{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"uid": "u1"},
	})
	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500 on storage failure, got %d", w.Code)
	}

	// The ledger must not mark the event processed, so the retry can
	// run the whole event again.
	seen, err := store.SeenEvent(context.Background(), "evt_fail")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if seen {
		t.Errorf("Event must not be claimed when the plan write failed")
	}

	// The retry succeeds once storage recovers.
	store.failApply = false
	w = deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected retry to succeed, got %d", w.Code)
	}

	user, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if user.Plan != plansync.PlanPro {
		t.Errorf("Expected retry to apply the plan, got %s", user.Plan)
	}
}

func TestWebhookHandler_ClaimFailureIsRetryable(t *testing.T) {
	store := &failingLedgerStore{Store: memory.New(), failClaim: true}
	store.PutUser(&plansync.User{ID: "u1", Plan: plansync.PlanFree})
	provider := newTestProvider(t, store)

	payload := eventPayload(t, "evt_claim_fail", "checkout.session.completed", map[string]interface{}{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"uid": "u1"},
	})
	w := deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500 on claim failure, got %d", w.Code)
	}

	// The retry re-applies (idempotent) and claims.
	store.failClaim = false
	w = deliver(provider, payload, signPayload(payload, testWebhookSecret, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected retry to succeed, got %d", w.Code)
	}

	user, err := store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if user.Plan != plansync.PlanPro {
		t.Errorf("Expected plan pro after retry, got %s", user.Plan)
	}
}
