package charge

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/payments"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/stretchr/testify/mock"
)

type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (recorder *callRecorder) record(name string) func(mock.Arguments) {
	return func(mock.Arguments) {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		recorder.calls = append(recorder.calls, name)
	}
}

func (recorder *callRecorder) sequence() []string {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]string(nil), recorder.calls...)
}

type mockLedger struct {
	mock.Mock
}

func (ledgerMock *mockLedger) Client(ctx context.Context, userID ledger.UserID) (ledger.Client, error) {
	args := ledgerMock.Called(ctx, userID)
	return args.Get(0).(ledger.Client), args.Error(1)
}

func (ledgerMock *mockLedger) Package(ctx context.Context, packageID ledger.PackageID) (ledger.Package, error) {
	args := ledgerMock.Called(ctx, packageID)
	return args.Get(0).(ledger.Package), args.Error(1)
}

func (ledgerMock *mockLedger) IdempotencyTokenUsed(ctx context.Context, token ledger.IdempotencyToken) (bool, error) {
	args := ledgerMock.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func (ledgerMock *mockLedger) ApplyPackagePayment(ctx context.Context, request ledger.PackagePaymentRequest) (ledger.PackagePaymentResult, error) {
	args := ledgerMock.Called(ctx, request)
	return args.Get(0).(ledger.PackagePaymentResult), args.Error(1)
}

func (ledgerMock *mockLedger) RecordRefundFailure(ctx context.Context, failure ledger.RefundFailure) error {
	args := ledgerMock.Called(ctx, failure)
	return args.Error(0)
}

func (ledgerMock *mockLedger) CartForCheckoutSession(ctx context.Context, checkoutSessionID string) (ledger.CartRef, error) {
	args := ledgerMock.Called(ctx, checkoutSessionID)
	return args.Get(0).(ledger.CartRef), args.Error(1)
}

func (ledgerMock *mockLedger) GrantSessionsForCart(ctx context.Context, cartID ledger.CartID, userID ledger.UserID, trigger ledger.TriggerSource) (ledger.GrantResult, error) {
	args := ledgerMock.Called(ctx, cartID, userID, trigger)
	return args.Get(0).(ledger.GrantResult), args.Error(1)
}

type mockGateway struct {
	mock.Mock
}

func (gatewayMock *mockGateway) CreateCharge(ctx context.Context, params payments.ChargeParams) (payments.Charge, error) {
	args := gatewayMock.Called(ctx, params)
	return args.Get(0).(payments.Charge), args.Error(1)
}

func (gatewayMock *mockGateway) Refund(ctx context.Context, paymentIntentID string) (payments.Refund, error) {
	args := gatewayMock.Called(ctx, paymentIntentID)
	return args.Get(0).(payments.Refund), args.Error(1)
}

func (gatewayMock *mockGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]payments.PaymentMethod, error) {
	args := gatewayMock.Called(ctx, customerID)
	methods, _ := args.Get(0).([]payments.PaymentMethod)
	return methods, args.Error(1)
}

func (gatewayMock *mockGateway) RetrievePaymentMethod(ctx context.Context, paymentMethodID string) (payments.PaymentMethod, error) {
	args := gatewayMock.Called(ctx, paymentMethodID)
	return args.Get(0).(payments.PaymentMethod), args.Error(1)
}

func (gatewayMock *mockGateway) RetrieveCheckoutSession(ctx context.Context, checkoutSessionID string) (payments.CheckoutSession, error) {
	args := gatewayMock.Called(ctx, checkoutSessionID)
	return args.Get(0).(payments.CheckoutSession), args.Error(1)
}
