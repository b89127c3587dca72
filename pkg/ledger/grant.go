package ledger

import (
	"context"
	"fmt"
)

// GrantResult reports the outcome of GrantSessionsForCart.
type GrantResult struct {
	Granted          bool
	SessionsAdded    int64
	AlreadyProcessed bool
}

// GrantSessionsForCart credits the sessions purchased in a cart exactly once.
//
// The cart row is locked before the user row, and the SessionsGranted flag is the only
// idempotency gate: a replay returns AlreadyProcessed without touching the user.
func (service *Service) GrantSessionsForCart(ctx context.Context, cartID CartID, userID UserID, trigger TriggerSource) (GrantResult, error) {
	if _, err := NewCartID(cartID.Int64()); err != nil {
		return GrantResult{}, err
	}
	if _, err := NewUserID(userID.Int64()); err != nil {
		return GrantResult{}, err
	}
	if _, err := ParseTriggerSource(string(trigger)); err != nil {
		return GrantResult{}, err
	}

	var result GrantResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		cart, err := transactionStore.LockCart(ctx, cartID, userID)
		if err != nil {
			return err
		}
		if cart.SessionsGranted {
			result = GrantResult{AlreadyProcessed: true}
			return nil
		}
		sessionsToAdd := cart.SessionsToGrant()
		completedAt := service.now()
		if sessionsToAdd > 0 {
			if _, err := transactionStore.LockClient(ctx, userID); err != nil {
				return err
			}
			if err := transactionStore.IncrementAvailableSessions(ctx, userID, sessionsToAdd); err != nil {
				return err
			}
			if err := transactionStore.RecordPurchase(ctx, userID, completedAt); err != nil {
				return err
			}
		}
		if err := transactionStore.CompleteCart(ctx, CartCompletion{
			CartID:      cartID,
			UserID:      userID,
			GrantedBy:   trigger,
			CompletedAt: completedAt,
		}); err != nil {
			return err
		}
		result = GrantResult{Granted: true, SessionsAdded: sessionsToAdd}
		return nil
	})
	if operationError != nil {
		operationError = fmt.Errorf("grant cart %d: %w", cartID, operationError)
	}
	entry := OperationLog{
		Operation: operationGrant,
		UserID:    userID,
		CartID:    cartID,
		Sessions:  result.SessionsAdded,
		Trigger:   trigger,
		Error:     operationError,
	}
	if result.AlreadyProcessed {
		entry.Status = operationStatusReplayed
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return GrantResult{}, operationError
	}
	return result, nil
}
