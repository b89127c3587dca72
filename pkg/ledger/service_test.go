package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const (
	clientIDValue      UserID    = 7
	otherClientIDValue UserID    = 8
	trainerIDValue     UserID    = 9
	adminIDValue       UserID    = 1
	packageIDValue     PackageID = 11
	inactivePackageID  PackageID = 12
	emptyPackageID     PackageID = 13
	cartIDValue        CartID    = 21
	tokenValue                   = "6f1c1d6e-7a51-4d7c-9d0a-3e1f3b2a9c10"
	errorMismatch                = "expected %v, got %v"
)

var (
	fixedNow        = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	errStoreFailure = errors.New("store error")
)

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithOrderNumbers(sequentialOrderNumbers())}, options...)
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func sequentialOrderNumbers() func() string {
	counter := 0
	return func() string {
		counter++
		return fmt.Sprintf("REC-TEST-%d", counter)
	}
}

func mustToken(test *testing.T, raw string) IdempotencyToken {
	test.Helper()
	token, err := NewIdempotencyToken(raw)
	if err != nil {
		test.Fatalf("token: %v", err)
	}
	return token
}

func seededStore(test *testing.T) *stubStore {
	test.Helper()
	store := newStubStore(test)
	store.addClient(Client{ID: clientIDValue, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Role: RoleClient, AvailableSessions: 2, StripeCustomerID: "cus_ada"})
	store.addClient(Client{ID: otherClientIDValue, FirstName: "Alan", Email: "alan@example.com", Role: RoleUser})
	store.addClient(Client{ID: trainerIDValue, FirstName: "Tess", Role: RoleTrainer})
	store.addPackage(Package{ID: packageIDValue, Name: "Ten Pack", Sessions: 10, Price: decimal.RequireFromString("500"), IsActive: true})
	store.addPackage(Package{ID: inactivePackageID, Name: "Legacy", Sessions: 4, Price: decimal.RequireFromString("160"), IsActive: false})
	store.addPackage(Package{ID: emptyPackageID, Name: "Consult", Price: decimal.RequireFromString("50"), IsActive: true})
	return store
}

func TestNewServiceRejectsMissingDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, time.Now); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatch, ErrInvalidServiceConfig, err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatch, ErrInvalidServiceConfig, err)
	}
}

func TestGrantSessionsForCartCreditsOnceAndReplays(test *testing.T) {
	test.Parallel()
	store := seededStore(test)
	pkg := (*store.state).packages[packageIDValue]
	store.addCart(Cart{ID: cartIDValue, UserID: clientIDValue, Status: CartStatusPendingPayment, Lines: []CartLine{{Quantity: 2, Package: &pkg}}}, "cs_1")
	service := mustNewService(test, store)

	first, err := service.GrantSessionsForCart(context.Background(), cartIDValue, clientIDValue, TriggerWebhook)
	if err != nil {
		test.Fatalf("first grant: %v", err)
	}
	if !first.Granted || first.SessionsAdded != 20 || first.AlreadyProcessed {
		test.Fatalf("unexpected first result %+v", first)
	}

	callsBeforeReplay := len(store.recordedCalls())
	second, err := service.GrantSessionsForCart(context.Background(), cartIDValue, clientIDValue, TriggerVerifySession)
	if err != nil {
		test.Fatalf("replay grant: %v", err)
	}
	if second != (GrantResult{AlreadyProcessed: true}) {
		test.Fatalf("unexpected replay result %+v", second)
	}
	for _, call := range store.recordedCalls()[callsBeforeReplay:] {
		if call == "LockClient" || call == "IncrementAvailableSessions" {
			test.Fatalf("replay touched the user row via %s", call)
		}
	}

	state := store.snapshot()
	if state.clients[clientIDValue].AvailableSessions != 22 {
		test.Fatalf("expected balance 22, got %d", state.clients[clientIDValue].AvailableSessions)
	}
	if state.carts[cartIDValue].grantedBy != TriggerWebhook {
		test.Fatalf("expected first trigger recorded, got %q", state.carts[cartIDValue].grantedBy)
	}
}

func TestGrantSessionsForCartIgnoresDescriptiveStatus(test *testing.T) {
	test.Parallel()
	store := seededStore(test)
	pkg := (*store.state).packages[packageIDValue]
	store.addCart(Cart{ID: cartIDValue, UserID: clientIDValue, Status: CartStatusCompleted, Lines: []CartLine{{Quantity: 1, Package: &pkg}}}, "")
	service := mustNewService(test, store)

	result, err := service.GrantSessionsForCart(context.Background(), cartIDValue, clientIDValue, TriggerVerifySession)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if !result.Granted || result.SessionsAdded != 10 {
		test.Fatalf("expected grant despite completed status, got %+v", result)
	}
}

func TestGrantSessionsForCartWithoutSessionsSkipsUserRow(test *testing.T) {
	test.Parallel()
	store := seededStore(test)
	store.addCart(Cart{ID: cartIDValue, UserID: clientIDValue, Lines: []CartLine{{Quantity: 3, Package: nil}}}, "")
	service := mustNewService(test, store)

	result, err := service.GrantSessionsForCart(context.Background(), cartIDValue, clientIDValue, TriggerWebhook)
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if !result.Granted || result.SessionsAdded != 0 {
		test.Fatalf("unexpected result %+v", result)
	}
	if store.called("LockClient") {
		test.Fatalf("expected user row untouched")
	}
	if !store.snapshot().carts[cartIDValue].cart.SessionsGranted {
		test.Fatalf("expected cart flagged granted")
	}
}

func TestGrantSessionsForCartErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		cartID   CartID
		userID   UserID
		trigger  TriggerSource
		failures map[string]error
		wantErr  error
	}{
		{name: "foreign cart", cartID: cartIDValue, userID: otherClientIDValue, trigger: TriggerWebhook, wantErr: ErrCartNotFound},
		{name: "missing cart", cartID: 999, userID: clientIDValue, trigger: TriggerWebhook, wantErr: ErrCartNotFound},
		{name: "invalid trigger", cartID: cartIDValue, userID: clientIDValue, trigger: "cron", wantErr: ErrInvalidTriggerSource},
		{name: "invalid cart id", cartID: 0, userID: clientIDValue, trigger: TriggerWebhook, wantErr: ErrInvalidCartID},
		{name: "increment failure", cartID: cartIDValue, userID: clientIDValue, trigger: TriggerWebhook, failures: map[string]error{"IncrementAvailableSessions": errStoreFailure}, wantErr: errStoreFailure},
		{name: "complete failure", cartID: cartIDValue, userID: clientIDValue, trigger: TriggerWebhook, failures: map[string]error{"CompleteCart": errStoreFailure}, wantErr: errStoreFailure},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := seededStore(test)
			pkg := (*store.state).packages[packageIDValue]
			store.addCart(Cart{ID: cartIDValue, UserID: clientIDValue, Lines: []CartLine{{Quantity: 1, Package: &pkg}}}, "")
			for name, failure := range testCase.failures {
				store.failures[name] = failure
			}
			service := mustNewService(test, store)
			_, err := service.GrantSessionsForCart(context.Background(), testCase.cartID, testCase.userID, testCase.trigger)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatch, testCase.wantErr, err)
			}
			state := store.snapshot()
			if state.clients[clientIDValue].AvailableSessions != 2 {
				test.Fatalf("expected rollback to keep balance 2, got %d", state.clients[clientIDValue].AvailableSessions)
			}
			if state.carts[cartIDValue].cart.SessionsGranted {
				test.Fatalf("expected cart to stay ungranted")
			}
		})
	}
}

func TestGrantLocksCartBeforeUser(test *testing.T) {
	test.Parallel()
	store := seededStore(test)
	pkg := (*store.state).packages[packageIDValue]
	store.addCart(Cart{ID: cartIDValue, UserID: clientIDValue, Lines: []CartLine{{Quantity: 1, Package: &pkg}}}, "")
	service := mustNewService(test, store)
	if _, err := service.GrantSessionsForCart(context.Background(), cartIDValue, clientIDValue, TriggerWebhook); err != nil {
		test.Fatalf("grant: %v", err)
	}
	cartIndex, userIndex := -1, -1
	for index, call := range store.recordedCalls() {
		if call == "LockCart" && cartIndex < 0 {
			cartIndex = index
		}
		if call == "LockClient" && userIndex < 0 {
			userIndex = index
		}
	}
	if cartIndex < 0 || userIndex < 0 || cartIndex > userIndex {
		test.Fatalf("expected cart lock before user lock, calls=%v", store.recordedCalls())
	}
}
