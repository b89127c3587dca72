package payments

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// EventCheckoutCompleted is the only event type that grants sessions.
const EventCheckoutCompleted = "checkout.session.completed"

// WebhookEvent is a verified processor event.
type WebhookEvent struct {
	ID      string
	Type    string
	Session CheckoutSession
}

// WebhookVerifier authenticates webhook payloads with the endpoint signing secret.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier constructs a verifier for secret.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrInvalidGatewayConfig
	}
	return &WebhookVerifier{secret: secret}, nil
}

// Verify checks the signature header and decodes the checkout session carried by checkout events.
func (verifier *WebhookVerifier) Verify(payload []byte, signatureHeader string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, verifier.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhookSignature, err)
	}
	verified := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if verified.Type != EventCheckoutCompleted || event.Data == nil {
		return verified, nil
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode checkout session: %w", err)
	}
	verified.Session = toCheckoutSession(&session)
	return verified, nil
}
