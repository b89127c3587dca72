package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// CreditAdjustment is the outcome of ApplyPaymentCredits.
type CreditAdjustment struct {
	ClientID        UserID
	SessionsAdded   int64
	PreviousBalance int64
	NewBalance      int64
}

// ApplyPaymentCredits adds sessions to a client without creating an order.
func (service *Service) ApplyPaymentCredits(ctx context.Context, clientID UserID, sessions int64, note string) (CreditAdjustment, error) {
	if _, err := NewUserID(clientID.Int64()); err != nil {
		return CreditAdjustment{}, err
	}
	if sessions <= 0 {
		return CreditAdjustment{}, fmt.Errorf("%w: must be positive", ErrInvalidSessionCount)
	}
	var adjustment CreditAdjustment
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		client, err := transactionStore.LockClient(ctx, clientID)
		if err != nil {
			return err
		}
		if !client.Role.CanHoldSessions() {
			return fmt.Errorf("%w: role %q", ErrInvalidRole, client.Role)
		}
		if err := transactionStore.IncrementAvailableSessions(ctx, clientID, sessions); err != nil {
			return err
		}
		adjustment = CreditAdjustment{
			ClientID:        clientID,
			SessionsAdded:   sessions,
			PreviousBalance: client.AvailableSessions,
			NewBalance:      client.AvailableSessions + sessions,
		}
		return nil
	})
	reference := strings.TrimSpace(note)
	if reference == "" {
		reference = paymentCreditsNote
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationApplyCredits,
		UserID:    clientID,
		Sessions:  sessions,
		Trigger:   TriggerAdmin,
		Reference: reference,
		Error:     operationError,
	})
	if operationError != nil {
		return CreditAdjustment{}, operationError
	}
	return adjustment, nil
}

// ClientsNeedingPayment lists clients with no credits and at least one upcoming booking.
func (service *Service) ClientsNeedingPayment(ctx context.Context) ([]ClientNeedingPayment, error) {
	clients, err := service.store.ListClientsWithoutCredits(ctx, []Role{RoleClient, RoleUser})
	if err != nil {
		return nil, err
	}
	now := service.now()
	needing := make([]ClientNeedingPayment, 0, len(clients))
	for _, client := range clients {
		upcoming, err := service.store.ListUpcomingSessions(ctx, client.ID, now)
		if err != nil {
			return nil, err
		}
		if len(upcoming) == 0 {
			continue
		}
		next := upcoming[0].SessionDate
		for _, session := range upcoming[1:] {
			if session.SessionDate.Before(next) {
				next = session.SessionDate
			}
		}
		needing = append(needing, ClientNeedingPayment{
			Client:           client,
			UpcomingSessions: int64(len(upcoming)),
			NextSessionDate:  next,
		})
	}
	return needing, nil
}

// ClientLastPackage returns the package of the client's latest completed order.
func (service *Service) ClientLastPackage(ctx context.Context, clientID UserID) (LastPackage, bool, error) {
	if _, err := NewUserID(clientID.Int64()); err != nil {
		return LastPackage{}, false, err
	}
	return service.store.LastCompletedPackage(ctx, clientID)
}

// RefundFailure describes a captured charge that could be neither granted nor refunded.
type RefundFailure struct {
	ClientID         UserID
	PackageID        PackageID
	AdminUserID      UserID
	Amount           decimal.Decimal
	PaymentIntentID  string
	CardBrand        string
	CardLast4        string
	GrantError       error
	RefundError      error
	IdempotencyToken IdempotencyToken
}

// RecordRefundFailure appends a failed financial transaction flagging manual intervention.
func (service *Service) RecordRefundFailure(ctx context.Context, failure RefundFailure) error {
	metadata := map[string]any{
		"storefrontItemId":     failure.PackageID.Int64(),
		metadataKeyAdminUserID: failure.AdminUserID.Int64(),
		"requiresManualAction": true,
	}
	if failure.CardLast4 != "" {
		metadata["card"] = fmt.Sprintf("%s ****%s", failure.CardBrand, failure.CardLast4)
	}
	if failure.GrantError != nil {
		metadata["grantError"] = failure.GrantError.Error()
	}
	if failure.RefundError != nil {
		metadata["refundError"] = failure.RefundError.Error()
	}
	if !failure.IdempotencyToken.IsZero() {
		metadata["idempotencyToken"] = failure.IdempotencyToken.String()
	}
	operationError := service.store.CreateFinancialTransaction(ctx, FinancialTransactionInput{
		UserID:          failure.ClientID,
		Amount:          failure.Amount,
		Currency:        defaultCurrency,
		Status:          TransactionStatusFailed,
		PaymentMethod:   PaymentMethodStripe,
		PaymentIntentID: failure.PaymentIntentID,
		Description:     refundFailureSubject,
		Metadata:        metadata,
		ProcessedAt:     service.now(),
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefundFailure,
		UserID:    failure.ClientID,
		PackageID: failure.PackageID,
		Reference: failure.PaymentIntentID,
		Error:     operationError,
	})
	return operationError
}
