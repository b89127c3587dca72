package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DeductionReport aggregates one deduction batch.
type DeductionReport struct {
	Processed int
	Deducted  int
	NoCredits []NoCreditSession
	Errors    []DeductionFailure
}

// NoCreditSession is a session completed without a credit because the client ran out.
type NoCreditSession struct {
	ClientID   UserID
	SessionID  SessionID
	ClientName string
}

// DeductionFailure is a session whose user group could not be processed.
type DeductionFailure struct {
	SessionID SessionID
	Reason    string
}

type userDeduction struct {
	deducted  int
	noCredits []NoCreditSession
}

// ProcessSessionDeductions consumes one credit for every past, undeducted booking.
//
// Sessions are grouped by user and each group runs in its own transaction with a single
// atomic decrement of min(sessions, balance). A failing group is reported and does not
// affect the others.
func (service *Service) ProcessSessionDeductions(ctx context.Context) (DeductionReport, error) {
	now := service.now()
	sessions, err := service.store.ListDeductibleSessions(ctx, now)
	if err != nil {
		return DeductionReport{}, fmt.Errorf("list deductible sessions: %w", err)
	}

	groups := make(map[UserID][]SessionID)
	userOrder := make([]UserID, 0)
	for _, session := range sessions {
		if _, seen := groups[session.UserID]; !seen {
			userOrder = append(userOrder, session.UserID)
		}
		groups[session.UserID] = append(groups[session.UserID], session.ID)
	}

	report := DeductionReport{
		NoCredits: []NoCreditSession{},
		Errors:    []DeductionFailure{},
	}
	for _, userID := range userOrder {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sessionIDs := groups[userID]
		outcome, groupError := service.deductForUser(ctx, userID, sessionIDs)
		service.logOperation(ctx, OperationLog{
			Operation: operationDeduct,
			UserID:    userID,
			Sessions:  int64(outcome.deducted),
			Error:     groupError,
		})
		report.Processed += len(sessionIDs)
		if groupError != nil {
			reason := groupError.Error()
			if code, ok := CodeOf(groupError); ok && code == CodeClientNotFound {
				reason = orphanSessionReason
				if completeErr := service.completeOrphanSessions(ctx, userID, sessionIDs); completeErr != nil {
					reason = fmt.Sprintf("%s: %v", orphanSessionReason, completeErr)
				}
			}
			for _, sessionID := range sessionIDs {
				report.Errors = append(report.Errors, DeductionFailure{SessionID: sessionID, Reason: reason})
			}
			continue
		}
		report.Deducted += outcome.deducted
		report.NoCredits = append(report.NoCredits, outcome.noCredits...)
	}
	return report, nil
}

func (service *Service) deductForUser(ctx context.Context, userID UserID, sessionIDs []SessionID) (userDeduction, error) {
	var outcome userDeduction
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		outcome = userDeduction{}
		client, err := transactionStore.LockClient(ctx, userID)
		if err != nil {
			return err
		}
		if client.AvailableSessions < 0 {
			return WrapError("service", "balance", "negative", ErrInvalidBalance)
		}
		locked, err := transactionStore.LockDeductibleSessions(ctx, userID, sessionIDs)
		if err != nil {
			return err
		}
		sort.SliceStable(locked, func(left, right int) bool {
			if locked[left].SessionDate.Equal(locked[right].SessionDate) {
				return locked[left].ID < locked[right].ID
			}
			return locked[left].SessionDate.Before(locked[right].SessionDate)
		})

		deductible := int64(len(locked))
		if client.AvailableSessions < deductible {
			deductible = client.AvailableSessions
		}
		if deductible > 0 {
			if err := transactionStore.DecrementAvailableSessions(ctx, userID, deductible); err != nil {
				return err
			}
		}

		now := service.now()
		stamp := now.Format(noteTimestampLayout)
		for index, session := range locked {
			deducted := int64(index) < deductible
			template := noCreditsNoteTemplate
			if deducted {
				template = deductedNoteTemplate
			}
			note := appendNote(session.Notes, fmt.Sprintf(template, stamp))
			if err := transactionStore.CompleteSession(ctx, session.ID, deducted, now, note); err != nil {
				return err
			}
			if deducted {
				outcome.deducted++
				continue
			}
			outcome.noCredits = append(outcome.noCredits, NoCreditSession{
				ClientID:   userID,
				SessionID:  session.ID,
				ClientName: client.DisplayName(),
			})
		}
		return nil
	})
	if err != nil {
		return userDeduction{}, err
	}
	return outcome, nil
}

// completeOrphanSessions closes sessions whose user no longer exists so later batches skip them.
func (service *Service) completeOrphanSessions(ctx context.Context, userID UserID, sessionIDs []SessionID) error {
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockDeductibleSessions(ctx, userID, sessionIDs)
		if err != nil {
			return err
		}
		now := service.now()
		stamp := now.Format(noteTimestampLayout)
		for _, session := range locked {
			note := appendNote(session.Notes, fmt.Sprintf(orphanNoteTemplate, stamp))
			if err := transactionStore.CompleteSession(ctx, session.ID, false, now, note); err != nil {
				return err
			}
		}
		return nil
	})
}

func appendNote(existing string, addition string) string {
	trimmed := strings.TrimSpace(existing)
	if trimmed == "" {
		return addition
	}
	return trimmed + "\n" + addition
}
