package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

const (
	paymentMethodTypeCard = "card"
	networkErrorCode      = "network_error"
)

// StripeGateway implements Gateway on top of the Stripe API client.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway constructs a gateway for secretKey. A nil backends value uses Stripe's default endpoints.
func NewStripeGateway(secretKey string, backends *stripe.Backends) (*StripeGateway, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, ErrInvalidGatewayConfig
	}
	return &StripeGateway{api: client.New(secretKey, backends)}, nil
}

// CreateCharge confirms an off-session PaymentIntent against a saved card.
func (gateway *StripeGateway) CreateCharge(ctx context.Context, params ChargeParams) (Charge, error) {
	intentParams := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(params.AmountCents),
		Currency:      stripe.String(strings.ToLower(params.Currency)),
		Customer:      stripe.String(params.CustomerID),
		PaymentMethod: stripe.String(params.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if params.Description != "" {
		intentParams.Description = stripe.String(params.Description)
	}
	for key, value := range params.Metadata {
		intentParams.AddMetadata(key, value)
	}
	if params.IdempotencyKey != "" {
		intentParams.SetIdempotencyKey(params.IdempotencyKey)
	}
	intentParams.Context = ctx

	intent, err := gateway.api.PaymentIntents.New(intentParams)
	if err != nil {
		return Charge{}, translateStripeError(err)
	}
	return Charge{ID: intent.ID, Status: ChargeStatus(intent.Status), AmountCents: intent.Amount}, nil
}

// Refund refunds the full amount of a PaymentIntent.
func (gateway *StripeGateway) Refund(ctx context.Context, paymentIntentID string) (Refund, error) {
	refundParams := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	refundParams.Context = ctx
	refund, err := gateway.api.Refunds.New(refundParams)
	if err != nil {
		return Refund{}, translateStripeError(err)
	}
	return Refund{ID: refund.ID, Status: string(refund.Status)}, nil
}

// ListPaymentMethods returns the cards saved on a customer.
func (gateway *StripeGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	listParams := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerID),
		Type:     stripe.String(paymentMethodTypeCard),
	}
	listParams.Context = ctx
	iterator := gateway.api.PaymentMethods.List(listParams)
	methods := make([]PaymentMethod, 0)
	for iterator.Next() {
		methods = append(methods, toPaymentMethod(iterator.PaymentMethod()))
	}
	if err := iterator.Err(); err != nil {
		return nil, translateStripeError(err)
	}
	return methods, nil
}

// RetrievePaymentMethod loads a single saved card with its owning customer.
func (gateway *StripeGateway) RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (PaymentMethod, error) {
	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	method, err := gateway.api.PaymentMethods.Get(paymentMethodID, params)
	if err != nil {
		return PaymentMethod{}, translateStripeError(err)
	}
	return toPaymentMethod(method), nil
}

// RetrieveCheckoutSession loads a hosted checkout session.
func (gateway *StripeGateway) RetrieveCheckoutSession(ctx context.Context, checkoutSessionID string) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := gateway.api.CheckoutSessions.Get(checkoutSessionID, params)
	if err != nil {
		return CheckoutSession{}, translateStripeError(err)
	}
	return toCheckoutSession(session), nil
}

func toPaymentMethod(method *stripe.PaymentMethod) PaymentMethod {
	if method == nil {
		return PaymentMethod{}
	}
	converted := PaymentMethod{ID: method.ID}
	if method.Customer != nil {
		converted.CustomerID = method.Customer.ID
	}
	if method.Card != nil {
		converted.Brand = string(method.Card.Brand)
		converted.Last4 = method.Card.Last4
		converted.ExpMonth = method.Card.ExpMonth
		converted.ExpYear = method.Card.ExpYear
	}
	return converted
}

func toCheckoutSession(session *stripe.CheckoutSession) CheckoutSession {
	converted := CheckoutSession{
		ID:       session.ID,
		Paid:     session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Metadata: session.Metadata,
	}
	if session.PaymentIntent != nil {
		converted.PaymentIntentID = session.PaymentIntent.ID
	}
	return converted
}

func translateStripeError(err error) error {
	var stripeError *stripe.Error
	if errors.As(err, &stripeError) {
		return &GatewayError{
			Code:       string(stripeError.Code),
			Message:    stripeError.Msg,
			Retryable:  isRetryableStatus(stripeError.HTTPStatusCode),
			StatusCode: stripeError.HTTPStatusCode,
		}
	}
	return &GatewayError{Code: networkErrorCode, Message: err.Error(), Retryable: true}
}

func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}
