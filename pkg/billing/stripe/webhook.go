package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/kaloumo/plansync/pkg/billing/internal"
	"github.com/kaloumo/plansync/pkg/plansync"
)

// webhookResponse is the acknowledgment body Stripe receives. Duplicate
// is set when the event id was already in the ledger; Stripe treats any
// 2xx as success either way, the field only helps debugging deliveries.
type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// handleWebhook processes incoming Stripe webhook events.
//
// Order is strict: signature verification runs on the exact raw bytes
// before anything looks at payload semantics, then the ledger duplicate
// check, then routing. A 4xx tells Stripe not to retry; a 5xx leaves the
// event in its retry queue.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusInternalServerError)
		p.metrics.RecordWebhookError("missing_secret")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		http.Error(w, "missing signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError("missing_signature")
		return
	}

	event, err := stripe.ConstructEvent(body, sig, p.webhookSecret)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError("auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	p.logger.Info("stripe webhook received",
		plansync.Field{Key: "event_id", Value: event.ID},
		plansync.Field{Key: "event_type", Value: eventType},
	)

	duplicate, err := p.processEvent(r.Context(), &event)
	if err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.logger.Error("webhook processing failed",
			plansync.Field{Key: "event_id", Value: event.ID},
			plansync.Field{Key: "event_type", Value: eventType},
			plansync.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookEvent(eventType, "error")
		p.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		return
	}

	status := "success"
	if duplicate {
		status = "duplicate"
	}
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Duplicate: duplicate})

	p.metrics.RecordWebhookEvent(eventType, status)
	p.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
}

// processEvent runs the ledger check, routes the event and claims its id.
//
// The state mutation commits before the ledger claim. If the claim ran
// first, a storage failure during the mutation would strand the event as
// "processed" and Stripe's retry would be skipped as a duplicate. With
// this ordering a failed mutation leaves the ledger untouched and the
// retry runs the whole event again; the worst case is a re-applied
// transition, which is a no-op because transitions are idempotent.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) (duplicate bool, err error) {
	seen, err := p.service.SeenEvent(ctx, event.ID)
	if err != nil {
		return false, err
	}
	if seen {
		p.logger.Info("duplicate event ignored",
			plansync.Field{Key: "event_id", Value: event.ID},
		)
		return true, nil
	}

	variant, err := decodeEvent(event)
	if err != nil {
		return false, err
	}

	if err := p.routeEvent(ctx, variant); err != nil {
		return false, err
	}

	first, err := p.service.ClaimEvent(ctx, event.ID)
	if err != nil {
		return false, err
	}
	if !first {
		// A concurrent delivery of the same id won the claim race after
		// we both applied the transition. Harmless, report duplicate.
		return true, nil
	}
	return false, nil
}

// routeEvent dispatches a decoded event to the matching transition.
// Events that resolve to no user are logged and skipped, not failed.
func (p *Provider) routeEvent(ctx context.Context, variant eventVariant) error {
	switch v := variant.(type) {
	case checkoutCompleted:
		applied, err := p.service.Transition(ctx,
			plansync.Hints{UserID: v.uid, CustomerID: v.customerID},
			plansync.PlanPro,
			plansync.Linkage{CustomerID: v.customerID, SubscriptionID: v.subscriptionID},
		)
		if err != nil {
			return err
		}
		if applied {
			p.logger.Info("upgraded to pro",
				plansync.Field{Key: "uid", Value: v.uid},
				plansync.Field{Key: "customer_id", Value: v.customerID},
			)
		}
		return nil

	case invoicePaid:
		applied, err := p.service.Transition(ctx,
			plansync.Hints{SubscriptionID: v.subscriptionID, CustomerID: v.customerID},
			plansync.PlanPro,
			plansync.Linkage{CustomerID: v.customerID, SubscriptionID: v.subscriptionID},
		)
		if err != nil {
			return err
		}
		if applied {
			p.logger.Info("pro plan reinforced by paid invoice",
				plansync.Field{Key: "subscription_id", Value: v.subscriptionID},
			)
		}
		return nil

	case subscriptionCanceled:
		applied, err := p.service.Transition(ctx,
			plansync.Hints{SubscriptionID: v.subscriptionID, CustomerID: v.customerID},
			plansync.PlanFree,
			plansync.Linkage{CustomerID: v.customerID},
		)
		if err != nil {
			return err
		}
		if applied {
			p.logger.Info("downgraded to free",
				plansync.Field{Key: "subscription_id", Value: v.subscriptionID},
			)
		}
		return nil

	case unknownEvent:
		p.logger.Debug("unhandled event type acknowledged",
			plansync.Field{Key: "event_type", Value: v.eventType},
		)
		return nil

	default:
		return nil
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
