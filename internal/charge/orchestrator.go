// Package charge runs admin card charges as a capture-first saga with a compensating refund.
package charge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/payments"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName            = "github.com/MarkoPoloResearchLab/sessionledger/internal/charge"
	refundFailureLogger   = "refund-failure"
	manualInterventionTag = "manual_intervention"
	chargeCurrency        = "USD"
	adminNotesTemplate    = "Admin card charge %s (%s ****%s)"
	captureKeyPrefix      = "admin-charge-"
)

// Coded failures raised by the orchestrator itself.
var (
	ErrStripeCustomerNotFound = ledger.NewCodedError(ledger.CodeStripeCustomerNotFound, "client has no stripe customer")
	ErrChargeFailed           = ledger.NewCodedError(ledger.CodeStripeChargeFailed, "card charge failed")
	ErrOwnershipMismatch      = ledger.NewCodedError(ledger.CodeStripeOwnershipMismatch, "payment method does not belong to client")
	ErrRefundFailed           = ledger.NewCodedError(ledger.CodeStripeRefundFailed, "charge captured but grant and refund failed")

	ErrInvalidOrchestratorConfig = errors.New("invalid charge orchestrator config")
	ErrMissingPaymentMethod      = fmt.Errorf("%w: payment method id is required", ledger.ErrInvalidInput)
)

// Ledger is the slice of the ledger service the orchestrator composes.
type Ledger interface {
	Client(ctx context.Context, userID ledger.UserID) (ledger.Client, error)
	Package(ctx context.Context, packageID ledger.PackageID) (ledger.Package, error)
	IdempotencyTokenUsed(ctx context.Context, token ledger.IdempotencyToken) (bool, error)
	ApplyPackagePayment(ctx context.Context, request ledger.PackagePaymentRequest) (ledger.PackagePaymentResult, error)
	RecordRefundFailure(ctx context.Context, failure ledger.RefundFailure) error
	CartForCheckoutSession(ctx context.Context, checkoutSessionID string) (ledger.CartRef, error)
	GrantSessionsForCart(ctx context.Context, cartID ledger.CartID, userID ledger.UserID, trigger ledger.TriggerSource) (ledger.GrantResult, error)
}

// Request is an admin instruction to charge a saved card for one package.
type Request struct {
	ClientID         ledger.UserID
	StorefrontItemID ledger.PackageID
	PaymentMethodID  string
	IdempotencyToken ledger.IdempotencyToken
	AdminUserID      ledger.UserID
	Force            bool
	ForceReason      string
}

// Result is a completed charge together with the recorded payment.
type Result struct {
	Payment            ledger.PackagePaymentResult
	ChargedAmount      decimal.Decimal
	PaymentIntentID    string
	PaymentMethodBrand string
	PaymentMethodLast4 string
}

// RefundFailedError reports a captured charge that could not be granted or refunded.
type RefundFailedError struct {
	PaymentIntentID string
	GrantError      error
	RefundError     error
}

func (refundError *RefundFailedError) Error() string {
	return fmt.Sprintf("%s: payment intent %s: grant: %v: refund: %v",
		ErrRefundFailed.Error(), refundError.PaymentIntentID, refundError.GrantError, refundError.RefundError)
}

// Unwrap exposes the coded sentinel.
func (refundError *RefundFailedError) Unwrap() error {
	return ErrRefundFailed
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracer overrides the tracer used for saga spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(orchestrator *Orchestrator) {
		if tracer != nil {
			orchestrator.tracer = tracer
		}
	}
}

// Orchestrator charges saved cards and grants the purchased sessions.
type Orchestrator struct {
	ledger       Ledger
	gateway      payments.Gateway
	logger       *zap.Logger
	refundLogger *zap.Logger
	tracer       trace.Tracer
}

// NewOrchestrator validates dependencies and constructs an Orchestrator.
func NewOrchestrator(ledgerService Ledger, gateway payments.Gateway, logger *zap.Logger, options ...Option) (*Orchestrator, error) {
	if ledgerService == nil || gateway == nil {
		return nil, ErrInvalidOrchestratorConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	orchestrator := &Orchestrator{
		ledger:       ledgerService,
		gateway:      gateway,
		logger:       logger,
		refundLogger: logger.Named(refundFailureLogger),
		tracer:       otel.Tracer(tracerName),
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// ChargeCard captures the package price on the client's saved card, then records the payment.
// A failed grant is always followed by a refund attempt before returning.
func (orchestrator *Orchestrator) ChargeCard(ctx context.Context, request Request) (Result, error) {
	ctx, span := orchestrator.tracer.Start(ctx, "charge.ChargeCard", trace.WithAttributes(
		attribute.Int64("client.id", request.ClientID.Int64()),
		attribute.Int64("package.id", request.StorefrontItemID.Int64()),
	))
	defer span.End()

	result, err := orchestrator.chargeCard(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (orchestrator *Orchestrator) chargeCard(ctx context.Context, request Request) (Result, error) {
	if err := validateRequest(request); err != nil {
		return Result{}, err
	}

	client, err := orchestrator.ledger.Client(ctx, request.ClientID)
	if err != nil {
		return Result{}, err
	}
	if !client.Role.CanHoldSessions() {
		return Result{}, fmt.Errorf("%w: role %q", ledger.ErrInvalidRole, client.Role)
	}
	if client.StripeCustomerID == "" {
		return Result{}, ErrStripeCustomerNotFound
	}
	used, err := orchestrator.ledger.IdempotencyTokenUsed(ctx, request.IdempotencyToken)
	if err != nil {
		return Result{}, err
	}
	if used {
		return Result{}, ledger.ErrDuplicateIdempotencyKey
	}

	method, err := orchestrator.gateway.RetrievePaymentMethod(ctx, request.PaymentMethodID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrChargeFailed, err)
	}
	if method.CustomerID != client.StripeCustomerID {
		return Result{}, ErrOwnershipMismatch
	}

	pkg, err := orchestrator.ledger.Package(ctx, request.StorefrontItemID)
	if err != nil {
		return Result{}, err
	}
	if !pkg.IsActive && !request.Force {
		return Result{}, ledger.ErrPackageInactive
	}
	if pkg.SessionCount() <= 0 {
		return Result{}, ledger.ErrNoSessionsInPackage
	}
	amount := pkg.ChargeAmount()
	if !amount.IsPositive() {
		return Result{}, ledger.ErrPackageHasNoPrice
	}

	captured, err := orchestrator.capture(ctx, request, client, method, amount)
	if err != nil {
		return Result{}, err
	}

	payment, grantErr := orchestrator.grant(ctx, request, captured, method)
	if grantErr == nil {
		orchestrator.logger.Info("card charge applied",
			zap.Int64("client_id", request.ClientID.Int64()),
			zap.String("payment_intent_id", captured.ID),
			zap.String("order_number", payment.OrderNumber),
			zap.Int64("sessions_added", payment.SessionsAdded),
		)
		return Result{
			Payment:            payment,
			ChargedAmount:      amount,
			PaymentIntentID:    captured.ID,
			PaymentMethodBrand: method.Brand,
			PaymentMethodLast4: method.Last4,
		}, nil
	}
	return Result{}, orchestrator.compensate(ctx, request, captured, method, amount, grantErr)
}

func (orchestrator *Orchestrator) capture(ctx context.Context, request Request, client ledger.Client, method payments.PaymentMethod, amount decimal.Decimal) (payments.Charge, error) {
	ctx, span := orchestrator.tracer.Start(ctx, "charge.capture")
	defer span.End()

	captured, err := orchestrator.gateway.CreateCharge(ctx, payments.ChargeParams{
		AmountCents:     ledger.AmountInCents(amount),
		Currency:        chargeCurrency,
		CustomerID:      client.StripeCustomerID,
		PaymentMethodID: method.ID,
		Description:     fmt.Sprintf("Session package %d for client %d", request.StorefrontItemID.Int64(), request.ClientID.Int64()),
		Metadata: map[string]string{
			"clientId":         strconv.FormatInt(request.ClientID.Int64(), 10),
			"storefrontItemId": strconv.FormatInt(request.StorefrontItemID.Int64(), 10),
			"adminUserId":      strconv.FormatInt(request.AdminUserID.Int64(), 10),
			"idempotencyToken": request.IdempotencyToken.String(),
		},
		IdempotencyKey: captureKeyPrefix + request.IdempotencyToken.String(),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		orchestrator.logger.Warn("card capture failed", zap.Int64("client_id", request.ClientID.Int64()), zap.Error(err))
		return payments.Charge{}, fmt.Errorf("%w: %w", ErrChargeFailed, err)
	}
	span.SetAttributes(attribute.String("payment_intent.id", captured.ID), attribute.String("payment_intent.status", string(captured.Status)))
	if !captured.Succeeded() {
		span.SetStatus(codes.Error, "capture not succeeded")
		return payments.Charge{}, fmt.Errorf("%w: payment intent %s status %s", ErrChargeFailed, captured.ID, captured.Status)
	}
	return captured, nil
}

func (orchestrator *Orchestrator) grant(ctx context.Context, request Request, captured payments.Charge, method payments.PaymentMethod) (ledger.PackagePaymentResult, error) {
	ctx, span := orchestrator.tracer.Start(ctx, "charge.grant")
	defer span.End()

	payment, err := orchestrator.ledger.ApplyPackagePayment(ctx, ledger.PackagePaymentRequest{
		ClientID:         request.ClientID,
		StorefrontItemID: request.StorefrontItemID,
		PaymentMethod:    ledger.PaymentMethodStripe,
		PaymentReference: captured.ID,
		AdminNotes:       fmt.Sprintf(adminNotesTemplate, captured.ID, method.Brand, method.Last4),
		AdminUserID:      request.AdminUserID,
		IdempotencyToken: request.IdempotencyToken,
		Force:            request.Force,
		ForceReason:      request.ForceReason,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grant failed")
	}
	return payment, err
}

// compensate refunds a captured charge after a failed grant. The returned error is grantErr when the
// refund succeeds and a *RefundFailedError otherwise.
func (orchestrator *Orchestrator) compensate(ctx context.Context, request Request, captured payments.Charge, method payments.PaymentMethod, amount decimal.Decimal, grantErr error) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := orchestrator.tracer.Start(ctx, "charge.refund", trace.WithAttributes(attribute.String("payment_intent.id", captured.ID)))
	defer span.End()

	orchestrator.logger.Warn("grant failed after capture, refunding",
		zap.Int64("client_id", request.ClientID.Int64()),
		zap.String("payment_intent_id", captured.ID),
		zap.Error(grantErr),
	)
	refund, refundErr := orchestrator.gateway.Refund(ctx, captured.ID)
	if refundErr == nil {
		orchestrator.logger.Info("charge refunded", zap.String("payment_intent_id", captured.ID), zap.String("refund_id", refund.ID))
		return grantErr
	}

	span.RecordError(refundErr)
	span.SetStatus(codes.Error, "refund failed")
	orchestrator.refundLogger.Error("charge captured but neither granted nor refunded",
		zap.String("alert", manualInterventionTag),
		zap.Int64("client_id", request.ClientID.Int64()),
		zap.Int64("package_id", request.StorefrontItemID.Int64()),
		zap.Int64("admin_user_id", request.AdminUserID.Int64()),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("payment_intent_id", captured.ID),
		zap.String("card", maskedCard(method)),
		zap.NamedError("grant_error", grantErr),
		zap.NamedError("refund_error", refundErr),
	)
	auditErr := orchestrator.ledger.RecordRefundFailure(ctx, ledger.RefundFailure{
		ClientID:         request.ClientID,
		PackageID:        request.StorefrontItemID,
		AdminUserID:      request.AdminUserID,
		Amount:           amount,
		PaymentIntentID:  captured.ID,
		CardBrand:        method.Brand,
		CardLast4:        method.Last4,
		GrantError:       grantErr,
		RefundError:      refundErr,
		IdempotencyToken: request.IdempotencyToken,
	})
	if auditErr != nil {
		orchestrator.refundLogger.Error("refund failure audit write failed",
			zap.String("alert", manualInterventionTag),
			zap.String("payment_intent_id", captured.ID),
			zap.Error(auditErr),
		)
	}
	return &RefundFailedError{PaymentIntentID: captured.ID, GrantError: grantErr, RefundError: refundErr}
}

func maskedCard(method payments.PaymentMethod) string {
	if method.Last4 == "" {
		return ""
	}
	return fmt.Sprintf("%s ****%s", method.Brand, method.Last4)
}

func validateRequest(request Request) error {
	if _, err := ledger.NewUserID(request.ClientID.Int64()); err != nil {
		return err
	}
	if _, err := ledger.NewPackageID(request.StorefrontItemID.Int64()); err != nil {
		return err
	}
	if strings.TrimSpace(request.PaymentMethodID) == "" {
		return ErrMissingPaymentMethod
	}
	if request.IdempotencyToken.IsZero() {
		return fmt.Errorf("%w: token is required", ledger.ErrInvalidIdempotencyToken)
	}
	if request.Force && strings.TrimSpace(request.ForceReason) == "" {
		return ledger.ErrForceReasonRequired
	}
	return nil
}
