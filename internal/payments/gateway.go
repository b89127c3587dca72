// Package payments adapts the card processor behind a narrow Gateway interface.
package payments

import (
	"context"
	"errors"
	"fmt"
)

// Gateway is the capture, refund and lookup surface the ledger needs from a card processor.
type Gateway interface {
	CreateCharge(ctx context.Context, params ChargeParams) (Charge, error)
	Refund(ctx context.Context, paymentIntentID string) (Refund, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (PaymentMethod, error)
	RetrieveCheckoutSession(ctx context.Context, checkoutSessionID string) (CheckoutSession, error)
}

// ChargeStatus is the processor-reported state of a capture.
type ChargeStatus string

const (
	ChargeStatusSucceeded      ChargeStatus = "succeeded"
	ChargeStatusProcessing     ChargeStatus = "processing"
	ChargeStatusRequiresAction ChargeStatus = "requires_action"
)

// ChargeParams describes an off-session, immediately confirmed card capture.
type ChargeParams struct {
	AmountCents     int64
	Currency        string
	CustomerID      string
	PaymentMethodID string
	Description     string
	Metadata        map[string]string
	// IdempotencyKey makes retries of the same capture return the original charge.
	IdempotencyKey string
}

// Charge is the result of a capture request.
type Charge struct {
	ID          string
	Status      ChargeStatus
	AmountCents int64
}

// Succeeded reports whether the funds were captured.
func (charge Charge) Succeeded() bool {
	return charge.Status == ChargeStatusSucceeded
}

// Refund is the result of a refund request.
type Refund struct {
	ID     string
	Status string
}

// PaymentMethod is a stored card.
type PaymentMethod struct {
	ID         string
	CustomerID string
	Brand      string
	Last4      string
	ExpMonth   int64
	ExpYear    int64
}

// CheckoutSession is a hosted checkout the client completed.
type CheckoutSession struct {
	ID              string
	Paid            bool
	PaymentIntentID string
	Metadata        map[string]string
}

// GatewayError is the processor-agnostic failure shape.
type GatewayError struct {
	Code       string
	Message    string
	Retryable  bool
	StatusCode int
}

func (gatewayError *GatewayError) Error() string {
	if gatewayError.Code == "" {
		return gatewayError.Message
	}
	return fmt.Sprintf("%s: %s", gatewayError.Code, gatewayError.Message)
}

// ErrInvalidGatewayConfig is returned when a gateway is constructed without credentials.
var ErrInvalidGatewayConfig = errors.New("invalid payment gateway config")

// ErrInvalidWebhookSignature is returned when a webhook payload fails verification.
var ErrInvalidWebhookSignature = errors.New("invalid webhook signature")
