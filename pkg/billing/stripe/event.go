package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/kaloumo/plansync/pkg/billing"
)

// eventVariant is the closed set of decoded webhook events. Each variant
// carries only the identifiers its handler needs; payloads are decoded
// exactly once, at the router boundary, after signature verification.
type eventVariant interface {
	isEventVariant()
}

// checkoutCompleted is a checkout.session.completed event: the user
// finished paying for the pro subscription. The uid comes from session
// metadata attached at checkout-session creation time.
type checkoutCompleted struct {
	uid            string
	customerID     string
	subscriptionID string
}

// invoicePaid is an invoice.payment_succeeded event. It reinforces the
// pro state: if the completion event was missed or arrived out of order,
// this one repairs the record.
type invoicePaid struct {
	customerID     string
	subscriptionID string
}

// subscriptionCanceled is a customer.subscription.deleted event: the
// subscription ended and the user drops back to the free plan.
type subscriptionCanceled struct {
	customerID     string
	subscriptionID string
}

// unknownEvent is any event type this service does not act on. It is
// acknowledged without action so Stripe can add event types freely.
type unknownEvent struct {
	eventType string
}

func (checkoutCompleted) isEventVariant()    {}
func (invoicePaid) isEventVariant()          {}
func (subscriptionCanceled) isEventVariant() {}
func (unknownEvent) isEventVariant()         {}

// decodeEvent maps a verified Stripe event onto the variant set.
func decodeEvent(event *stripe.Event) (eventVariant, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidWebhookPayload, err)
		}
		v := checkoutCompleted{}
		if session.Metadata != nil {
			v.uid = session.Metadata["uid"]
		}
		if session.Customer != nil {
			v.customerID = session.Customer.ID
		}
		if session.Subscription != nil {
			v.subscriptionID = session.Subscription.ID
		}
		return v, nil

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
		}
		v := invoicePaid{
			subscriptionID: invoiceSubscriptionID(event.Data.Raw),
		}
		if invoice.Customer != nil {
			v.customerID = invoice.Customer.ID
		}
		return v, nil

	case "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		v := subscriptionCanceled{
			subscriptionID: subscription.ID,
		}
		if subscription.Customer != nil {
			v.customerID = subscription.Customer.ID
		}
		return v, nil

	default:
		return unknownEvent{eventType: string(event.Type)}, nil
	}
}

// invoiceSubscriptionID digs the subscription id out of the raw invoice
// JSON. The v83 Invoice struct does not expose the field directly, and
// Stripe sends it either as a plain id string or as an expanded object.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	switch v := data["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}
