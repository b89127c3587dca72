package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PackagePaymentRequest applies an externally collected payment for one package.
type PackagePaymentRequest struct {
	ClientID         UserID
	StorefrontItemID PackageID
	PaymentMethod    PaymentMethod
	PaymentReference string
	AdminNotes       string
	AdminUserID      UserID
	IdempotencyToken IdempotencyToken
	Force            bool
	ForceReason      string
}

// PackagePaymentResult describes the records created by ApplyPackagePayment.
type PackagePaymentResult struct {
	OrderID         OrderID
	OrderNumber     string
	CartID          CartID
	SessionsAdded   int64
	PreviousBalance int64
	NewBalance      int64
	PackageName     string
	TotalAmount     decimal.Decimal
}

// ApplyPackagePayment records a manual package payment and credits its sessions.
//
// All guards run before the first write. The client row stays locked for the whole
// transaction, so concurrent payments for the same client observe each other's orders
// when evaluating the duplicate window.
func (service *Service) ApplyPackagePayment(ctx context.Context, request PackagePaymentRequest) (PackagePaymentResult, error) {
	if err := validatePackagePaymentRequest(request); err != nil {
		return PackagePaymentResult{}, err
	}
	if err := service.store.ModelsAvailable(ctx); err != nil {
		return PackagePaymentResult{}, err
	}

	var result PackagePaymentResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		client, err := transactionStore.LockClient(ctx, request.ClientID)
		if err != nil {
			return err
		}
		if !client.Role.CanHoldSessions() {
			return fmt.Errorf("%w: role %q", ErrInvalidRole, client.Role)
		}
		pkg, err := transactionStore.GetPackage(ctx, request.StorefrontItemID)
		if err != nil {
			return err
		}
		if !pkg.IsActive {
			if !request.Force {
				return fmt.Errorf("%w: %s", ErrPackageInactive, pkg.Name)
			}
			if strings.TrimSpace(request.ForceReason) == "" {
				return ErrForceReasonRequired
			}
		}
		sessionsToAdd := pkg.SessionCount()
		if sessionsToAdd <= 0 {
			return fmt.Errorf("%w: %s", ErrNoSessionsInPackage, pkg.Name)
		}

		now := service.now()
		recent, found, err := transactionStore.FindRecentOrder(ctx, request.ClientID, request.StorefrontItemID, now.Add(-DuplicatePaymentWindow))
		if err != nil {
			return err
		}
		if found {
			return &DuplicateWindowError{
				Window:      DuplicatePaymentWindow,
				Elapsed:     now.Sub(recent.CompletedAt),
				OrderNumber: recent.OrderNumber,
			}
		}

		totalAmount := pkg.ChargeAmount()
		cartID, err := transactionStore.CreateCart(ctx, CartInput{
			UserID:      request.ClientID,
			PackageID:   pkg.ID,
			Quantity:    1,
			Price:       totalAmount,
			Total:       totalAmount,
			GrantedBy:   TriggerAdmin,
			CompletedAt: now,
		})
		if err != nil {
			return err
		}
		notes := strings.TrimSpace(request.AdminNotes)
		if notes == "" {
			notes = fmt.Sprintf(adminNotesTemplate, request.PaymentMethod)
		}
		if !pkg.IsActive {
			notes = appendNote(notes, fmt.Sprintf(forceAppliedNote, strings.TrimSpace(request.ForceReason)))
		}
		order, err := transactionStore.CreateOrder(ctx, OrderInput{
			UserID:           request.ClientID,
			CartID:           cartID,
			OrderNumber:      service.orderNumberFn(),
			TotalAmount:      totalAmount,
			PaymentMethod:    request.PaymentMethod,
			PaymentReference: strings.TrimSpace(request.PaymentReference),
			PaymentAppliedBy: request.AdminUserID,
			IdempotencyToken: request.IdempotencyToken,
			BillingName:      client.DisplayName(),
			BillingEmail:     client.Email,
			Notes:            notes,
			CompletedAt:      now,
		})
		if err != nil {
			return err
		}
		metadata := OrderItemMetadata{
			SessionsGranted: sessionsToAdd,
			PricePerSession: pkg.UnitPrice().StringFixed(2),
			AdminRecovery:   true,
		}
		if !pkg.IsActive {
			metadata.ForceApplied = true
			metadata.ForceReason = strings.TrimSpace(request.ForceReason)
		}
		if err := transactionStore.CreateOrderItem(ctx, OrderItemInput{
			OrderID:   order.ID,
			PackageID: pkg.ID,
			Name:      pkg.Name,
			Quantity:  1,
			Price:     totalAmount,
			Subtotal:  totalAmount,
			Metadata:  metadata,
		}); err != nil {
			return err
		}
		transactionMetadata := map[string]any{
			"orderNumber":          order.OrderNumber,
			"storefrontItemId":     pkg.ID.Int64(),
			"sessionsGranted":      sessionsToAdd,
			metadataKeyAdminUserID: request.AdminUserID.Int64(),
		}
		if metadata.ForceApplied {
			transactionMetadata["forceReason"] = metadata.ForceReason
		}
		paymentIntentID := ""
		if request.PaymentMethod == PaymentMethodStripe {
			paymentIntentID = strings.TrimSpace(request.PaymentReference)
		}
		if err := transactionStore.CreateFinancialTransaction(ctx, FinancialTransactionInput{
			UserID:          request.ClientID,
			OrderID:         order.ID,
			CartID:          cartID,
			Amount:          totalAmount,
			Currency:        defaultCurrency,
			Status:          TransactionStatusCompleted,
			PaymentMethod:   request.PaymentMethod,
			PaymentIntentID: paymentIntentID,
			Description:     fmt.Sprintf("%s - %d sessions", pkg.Name, sessionsToAdd),
			Metadata:        transactionMetadata,
			ProcessedAt:     now,
		}); err != nil {
			return err
		}
		if err := transactionStore.IncrementAvailableSessions(ctx, request.ClientID, sessionsToAdd); err != nil {
			return err
		}
		if err := transactionStore.RecordPurchase(ctx, request.ClientID, now); err != nil {
			return err
		}
		if client.Role == RoleUser {
			if err := transactionStore.UpdateRole(ctx, request.ClientID, RoleClient); err != nil {
				return err
			}
		}
		result = PackagePaymentResult{
			OrderID:         order.ID,
			OrderNumber:     order.OrderNumber,
			CartID:          cartID,
			SessionsAdded:   sessionsToAdd,
			PreviousBalance: client.AvailableSessions,
			NewBalance:      client.AvailableSessions + sessionsToAdd,
			PackageName:     pkg.Name,
			TotalAmount:     totalAmount,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:        operationApplyPayment,
		UserID:           request.ClientID,
		CartID:           result.CartID,
		PackageID:        request.StorefrontItemID,
		Sessions:         result.SessionsAdded,
		Trigger:          TriggerAdmin,
		IdempotencyToken: request.IdempotencyToken,
		Reference:        result.OrderNumber,
		Error:            operationError,
	})
	if operationError != nil {
		return PackagePaymentResult{}, operationError
	}
	return result, nil
}

func validatePackagePaymentRequest(request PackagePaymentRequest) error {
	if _, err := NewUserID(request.ClientID.Int64()); err != nil {
		return err
	}
	if _, err := NewPackageID(request.StorefrontItemID.Int64()); err != nil {
		return err
	}
	if _, err := ParsePaymentMethod(string(request.PaymentMethod)); err != nil {
		return err
	}
	return nil
}
