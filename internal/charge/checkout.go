package charge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/payments"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"go.uber.org/zap"
)

// PaymentMethods lists a client's saved cards.
type PaymentMethods struct {
	HasStripeCustomer bool
	Methods           []payments.PaymentMethod
}

// ListPaymentMethods returns the cards saved on the client's processor customer.
func (orchestrator *Orchestrator) ListPaymentMethods(ctx context.Context, clientID ledger.UserID) (PaymentMethods, error) {
	client, err := orchestrator.ledger.Client(ctx, clientID)
	if err != nil {
		return PaymentMethods{}, err
	}
	if client.StripeCustomerID == "" {
		return PaymentMethods{Methods: []payments.PaymentMethod{}}, nil
	}
	methods, err := orchestrator.gateway.ListPaymentMethods(ctx, client.StripeCustomerID)
	if err != nil {
		return PaymentMethods{}, fmt.Errorf("list payment methods for client %d: %w", clientID.Int64(), err)
	}
	return PaymentMethods{HasStripeCustomer: true, Methods: methods}, nil
}

// VerifyCheckoutSession grants the cart behind a paid checkout session owned by userID.
func (orchestrator *Orchestrator) VerifyCheckoutSession(ctx context.Context, userID ledger.UserID, checkoutSessionID string) (ledger.GrantResult, error) {
	checkoutSessionID = strings.TrimSpace(checkoutSessionID)
	if checkoutSessionID == "" {
		return ledger.GrantResult{}, fmt.Errorf("%w: checkout session id is required", ledger.ErrInvalidInput)
	}
	session, err := orchestrator.gateway.RetrieveCheckoutSession(ctx, checkoutSessionID)
	if err != nil {
		return ledger.GrantResult{}, fmt.Errorf("retrieve checkout session %s: %w", checkoutSessionID, err)
	}
	if !session.Paid {
		return ledger.GrantResult{}, ledger.ErrPaymentNotCompleted
	}
	cart, err := orchestrator.ledger.CartForCheckoutSession(ctx, checkoutSessionID)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	if cart.UserID != userID {
		return ledger.GrantResult{}, ledger.ErrCartNotFound
	}
	return orchestrator.ledger.GrantSessionsForCart(ctx, cart.CartID, cart.UserID, ledger.TriggerVerifySession)
}

// HandleWebhookEvent grants the cart of a completed checkout. Events other than paid checkout
// completions, and checkouts with no matching cart, are acknowledged without side effects.
func (orchestrator *Orchestrator) HandleWebhookEvent(ctx context.Context, event payments.WebhookEvent) (ledger.GrantResult, error) {
	if event.Type != payments.EventCheckoutCompleted {
		orchestrator.logger.Debug("ignoring webhook event", zap.String("event_id", event.ID), zap.String("type", event.Type))
		return ledger.GrantResult{}, nil
	}
	if !event.Session.Paid {
		orchestrator.logger.Info("checkout completed without payment", zap.String("checkout_session_id", event.Session.ID))
		return ledger.GrantResult{}, nil
	}
	cart, err := orchestrator.ledger.CartForCheckoutSession(ctx, event.Session.ID)
	if errors.Is(err, ledger.ErrCartNotFound) {
		orchestrator.logger.Warn("paid checkout has no cart",
			zap.String("event_id", event.ID),
			zap.String("checkout_session_id", event.Session.ID),
		)
		return ledger.GrantResult{}, nil
	}
	if err != nil {
		return ledger.GrantResult{}, err
	}
	return orchestrator.ledger.GrantSessionsForCart(ctx, cart.CartID, cart.UserID, ledger.TriggerWebhook)
}
