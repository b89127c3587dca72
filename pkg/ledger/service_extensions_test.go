package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestApplyPaymentCredits(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name         string
		clientID     UserID
		sessions     int64
		wantErr      error
		wantPrevious int64
		wantNew      int64
	}{
		{name: "client", clientID: clientIDValue, sessions: 3, wantPrevious: 2, wantNew: 5},
		{name: "user", clientID: otherClientIDValue, sessions: 1, wantPrevious: 0, wantNew: 1},
		{name: "trainer", clientID: trainerIDValue, sessions: 1, wantErr: ErrInvalidRole},
		{name: "missing", clientID: 404, sessions: 1, wantErr: ErrClientNotFound},
		{name: "zero sessions", clientID: clientIDValue, sessions: 0, wantErr: ErrInvalidSessionCount},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := seededStore(test)
			service := mustNewService(test, store)
			adjustment, err := service.ApplyPaymentCredits(context.Background(), testCase.clientID, testCase.sessions, "comp session")
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					test.Fatalf(errorMismatch, testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				test.Fatalf("apply credits: %v", err)
			}
			if adjustment.PreviousBalance != testCase.wantPrevious || adjustment.NewBalance != testCase.wantNew {
				test.Fatalf("unexpected adjustment %+v", adjustment)
			}
			if store.snapshot().clients[testCase.clientID].AvailableSessions != testCase.wantNew {
				test.Fatalf("expected stored balance %d", testCase.wantNew)
			}
		})
	}
}

func TestClientsNeedingPayment(test *testing.T) {
	test.Parallel()
	store := seededStore(test)
	store.addSession(pastSession(501, otherClientIDValue, -48, SessionStatusScheduled))
	store.addSession(pastSession(502, otherClientIDValue, -24, SessionStatusConfirmed))
	store.addSession(pastSession(503, clientIDValue, -24, SessionStatusScheduled))
	store.addSession(pastSession(504, trainerIDValue, -24, SessionStatusScheduled))
	service := mustNewService(test, store)

	needing, err := service.ClientsNeedingPayment(context.Background())
	if err != nil {
		test.Fatalf("clients needing payment: %v", err)
	}
	if len(needing) != 1 {
		test.Fatalf("expected one client, got %+v", needing)
	}
	entry := needing[0]
	if entry.Client.ID != otherClientIDValue || entry.UpcomingSessions != 2 || !entry.NextSessionDate.Equal(fixedNow.Add(24*time.Hour)) {
		test.Fatalf("unexpected entry %+v", entry)
	}
}

func TestClientLastPackage(test *testing.T) {
	test.Parallel()
	store := seededStore(test)
	service := mustNewService(test, store)
	if _, found, err := service.ClientLastPackage(context.Background(), clientIDValue); err != nil || found {
		test.Fatalf("expected no package yet, found=%v err=%v", found, err)
	}
	if _, err := service.ApplyPackagePayment(context.Background(), cashPayment(clientIDValue, packageIDValue)); err != nil {
		test.Fatalf("apply payment: %v", err)
	}
	last, found, err := service.ClientLastPackage(context.Background(), clientIDValue)
	if err != nil || !found {
		test.Fatalf("expected package, found=%v err=%v", found, err)
	}
	if last.Package.ID != packageIDValue || last.OrderNumber != "REC-TEST-1" {
		test.Fatalf("unexpected last package %+v", last)
	}
}

func TestRecordRefundFailureWritesFailedTransaction(test *testing.T) {
	test.Parallel()
	store := seededStore(test)
	service := mustNewService(test, store)
	err := service.RecordRefundFailure(context.Background(), RefundFailure{
		ClientID:        clientIDValue,
		PackageID:       packageIDValue,
		AdminUserID:     adminIDValue,
		Amount:          decimal.RequireFromString("500"),
		PaymentIntentID: "pi_123",
		CardBrand:       "visa",
		CardLast4:       "4242",
		GrantError:      ErrPackageInactive,
		RefundError:     errors.New("card_declined"),
	})
	if err != nil {
		test.Fatalf("record refund failure: %v", err)
	}
	state := store.snapshot()
	if len(state.transactions) != 1 {
		test.Fatalf("expected one transaction, got %d", len(state.transactions))
	}
	transaction := state.transactions[0]
	if transaction.Status != TransactionStatusFailed || transaction.PaymentIntentID != "pi_123" || transaction.Description != refundFailureSubject {
		test.Fatalf("unexpected audit row %+v", transaction)
	}
	if transaction.Metadata["refundError"] != "card_declined" || transaction.Metadata["card"] != "visa ****4242" {
		test.Fatalf("expected refund error in metadata, got %+v", transaction.Metadata)
	}
}
