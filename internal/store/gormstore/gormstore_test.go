package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testClientID  int64 = 7
	testUserID    int64 = 8
	testPackageID int64 = 11
	testTokenA          = "9a8f0a64-0a5e-4f0e-8a36-6d3c2f1b7e21"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func openTestDatabase(test *testing.T) *gorm.DB {
	test.Helper()
	path := filepath.Join(test.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestStore(test *testing.T) (*Store, *gorm.DB) {
	test.Helper()
	db := openTestDatabase(test)
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	customerID := "cus_7"
	mustCreate(test, db, &User{ID: testClientID, FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Role: "client", AvailableSessions: 2, StripeCustomerID: &customerID})
	mustCreate(test, db, &User{ID: testUserID, FirstName: "Alan", Email: "alan@example.com", Role: "user"})
	mustCreate(test, db, &StorefrontItem{ID: testPackageID, Name: "Ten Pack", Sessions: 10, Price: decimal.RequireFromString("500.00"), IsActive: true})
	return New(db), db
}

func mustCreate(test *testing.T, db *gorm.DB, value any) {
	test.Helper()
	if err := db.Create(value).Error; err != nil {
		test.Fatalf("create %T: %v", value, err)
	}
}

func mustService(test *testing.T, store ledger.Store, now func() time.Time) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(store, now)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func createPendingCart(test *testing.T, db *gorm.DB, cartID int64, userID int64, quantity int64, checkoutSessionID string) {
	test.Helper()
	packageID := testPackageID
	cart := ShoppingCart{
		ID:            cartID,
		UserID:        userID,
		Status:        string(ledger.CartStatusPendingPayment),
		PaymentStatus: "pending",
		Items:         []CartItem{{StorefrontItemID: &packageID, Quantity: quantity, Price: decimal.RequireFromString("500.00")}},
	}
	if checkoutSessionID != "" {
		cart.CheckoutSessionID = &checkoutSessionID
	}
	mustCreate(test, db, &cart)
}

func balanceOf(test *testing.T, db *gorm.DB, userID int64) int64 {
	test.Helper()
	var user User
	if err := db.Where("id = ?", userID).Take(&user).Error; err != nil {
		test.Fatalf("load user: %v", err)
	}
	return user.AvailableSessions
}

func TestModelsAvailableReportsMissingTables(test *testing.T) {
	test.Parallel()
	db := openTestDatabase(test)
	store := New(db)
	err := store.ModelsAvailable(context.Background())
	if !errors.Is(err, ledger.ErrModelsUnavailable) {
		test.Fatalf("expected ErrModelsUnavailable, got %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if err := store.ModelsAvailable(context.Background()); err != nil {
		test.Fatalf("expected models available, got %v", err)
	}
	if !db.Migrator().HasTable("workout_sessions") {
		test.Fatalf("expected workout_sessions table")
	}
}

func TestConcurrentGrantTriggersCreditOnce(test *testing.T) {
	test.Parallel()
	store, db := newTestStore(test)
	createPendingCart(test, db, 31, testClientID, 1, "cs_31")
	service := mustService(test, store, func() time.Time { return testNow })

	triggers := []ledger.TriggerSource{ledger.TriggerWebhook, ledger.TriggerVerifySession, ledger.TriggerWebhook, ledger.TriggerVerifySession}
	results := make([]ledger.GrantResult, len(triggers))
	errs := make([]error, len(triggers))
	var waitGroup sync.WaitGroup
	for index, trigger := range triggers {
		waitGroup.Add(1)
		go func(index int, trigger ledger.TriggerSource) {
			defer waitGroup.Done()
			results[index], errs[index] = service.GrantSessionsForCart(context.Background(), 31, ledger.UserID(testClientID), trigger)
		}(index, trigger)
	}
	waitGroup.Wait()

	granted := 0
	for index := range triggers {
		if errs[index] != nil {
			test.Fatalf("grant %d: %v", index, errs[index])
		}
		if results[index].Granted {
			granted++
			if results[index].SessionsAdded != 10 {
				test.Fatalf("expected 10 sessions, got %d", results[index].SessionsAdded)
			}
		} else if !results[index].AlreadyProcessed || results[index].SessionsAdded != 0 {
			test.Fatalf("unexpected replay result %+v", results[index])
		}
	}
	if granted != 1 {
		test.Fatalf("expected exactly one grant, got %d", granted)
	}
	if balance := balanceOf(test, db, testClientID); balance != 12 {
		test.Fatalf("expected balance 12, got %d", balance)
	}
	var cart ShoppingCart
	if err := db.Where("id = ?", 31).Take(&cart).Error; err != nil {
		test.Fatalf("load cart: %v", err)
	}
	if !cart.SessionsGranted || cart.Status != string(ledger.CartStatusCompleted) || cart.GrantedBy == nil || cart.CompletedAt == nil {
		test.Fatalf("unexpected cart state %+v", cart)
	}
}

func TestConcurrentGrantsAcrossCartsDoNotLoseUpdates(test *testing.T) {
	test.Parallel()
	store, db := newTestStore(test)
	const cartCount = 6
	for index := 0; index < cartCount; index++ {
		createPendingCart(test, db, int64(100+index), testUserID, int64(index%2+1), "")
	}
	service := mustService(test, store, func() time.Time { return testNow })

	var waitGroup sync.WaitGroup
	errs := make(chan error, cartCount)
	for index := 0; index < cartCount; index++ {
		waitGroup.Add(1)
		go func(cartID int64) {
			defer waitGroup.Done()
			_, err := service.GrantSessionsForCart(context.Background(), ledger.CartID(cartID), ledger.UserID(testUserID), ledger.TriggerWebhook)
			errs <- err
		}(int64(100 + index))
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			test.Fatalf("grant: %v", err)
		}
	}
	if balance := balanceOf(test, db, testUserID); balance != 90 {
		test.Fatalf("expected balance 90, got %d", balance)
	}
}

func TestLockCartScopesByOwner(test *testing.T) {
	test.Parallel()
	store, db := newTestStore(test)
	createPendingCart(test, db, 41, testClientID, 1, "cs_41")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore ledger.Store) error {
		_, lockErr := txStore.LockCart(ctx, 41, ledger.UserID(testUserID))
		return lockErr
	})
	if !errors.Is(err, ledger.ErrCartNotFound) {
		test.Fatalf("expected ErrCartNotFound, got %v", err)
	}
	ref, err := store.CartForCheckoutSession(context.Background(), "cs_41")
	if err != nil || ref.CartID != 41 || ref.UserID != ledger.UserID(testClientID) {
		test.Fatalf("unexpected cart ref %+v (%v)", ref, err)
	}
	if _, err := store.CartForCheckoutSession(context.Background(), "cs_missing"); !errors.Is(err, ledger.ErrCartNotFound) {
		test.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestApplyPackagePaymentPersistsAuditTrail(test *testing.T) {
	test.Parallel()
	store, db := newTestStore(test)
	clock := testNow
	service := mustService(test, store, func() time.Time { return clock })
	token, err := ledger.NewIdempotencyToken(testTokenA)
	if err != nil {
		test.Fatalf("token: %v", err)
	}
	request := ledger.PackagePaymentRequest{
		ClientID:         ledger.UserID(testUserID),
		StorefrontItemID: ledger.PackageID(testPackageID),
		PaymentMethod:    ledger.PaymentMethodCheck,
		PaymentReference: "check-1001",
		AdminUserID:      1,
		IdempotencyToken: token,
	}
	result, err := service.ApplyPackagePayment(context.Background(), request)
	if err != nil {
		test.Fatalf("apply payment: %v", err)
	}
	if result.NewBalance != 10 || balanceOf(test, db, testUserID) != 10 {
		test.Fatalf("unexpected balance, result=%+v", result)
	}

	var user User
	if err := db.Where("id = ?", testUserID).Take(&user).Error; err != nil {
		test.Fatalf("load user: %v", err)
	}
	if user.Role != "client" || !user.HasPurchasedBefore {
		test.Fatalf("expected upgraded purchasing client, got %+v", user)
	}
	var item OrderItem
	if err := db.Where("order_id = ?", result.OrderID.Int64()).Take(&item).Error; err != nil {
		test.Fatalf("load order item: %v", err)
	}
	if string(item.Metadata) == "" || item.ItemType != "package" {
		test.Fatalf("unexpected order item %+v", item)
	}
	var transactions []FinancialTransaction
	if err := db.Where("user_id = ?", testUserID).Find(&transactions).Error; err != nil {
		test.Fatalf("load transactions: %v", err)
	}
	if len(transactions) != 1 || transactions[0].Status != "completed" || transactions[0].OrderID == nil {
		test.Fatalf("unexpected transactions %+v", transactions)
	}

	clock = testNow.Add(20 * time.Second)
	request.IdempotencyToken = ledger.IdempotencyToken{}
	_, err = service.ApplyPackagePayment(context.Background(), request)
	var duplicateError *ledger.DuplicateWindowError
	if !errors.As(err, &duplicateError) || duplicateError.OrderNumber != result.OrderNumber {
		test.Fatalf("expected duplicate window error, got %v", err)
	}

	clock = testNow.Add(10 * time.Minute)
	request.IdempotencyToken = token
	_, err = service.ApplyPackagePayment(context.Background(), request)
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey from unique index, got %v", err)
	}
	var orderCount int64
	if err := db.Model(&Order{}).Count(&orderCount).Error; err != nil {
		test.Fatalf("count orders: %v", err)
	}
	if orderCount != 1 || balanceOf(test, db, testUserID) != 10 {
		test.Fatalf("expected rejected payments to leave one order, got %d", orderCount)
	}

	last, found, err := store.LastCompletedPackage(context.Background(), ledger.UserID(testUserID))
	if err != nil || !found || last.Package.ID != ledger.PackageID(testPackageID) {
		test.Fatalf("unexpected last package %+v found=%v err=%v", last, found, err)
	}
}

func TestProcessSessionDeductionsAgainstDatabase(test *testing.T) {
	test.Parallel()
	store, db := newTestStore(test)
	clientID := testClientID
	userID := testUserID
	for index, hoursAgo := range []int{72, 48, 24} {
		mustCreate(test, db, &WorkoutSession{
			ID:          int64(200 + index),
			UserID:      &clientID,
			Status:      string(ledger.SessionStatusScheduled),
			SessionDate: testNow.Add(-time.Duration(hoursAgo) * time.Hour),
		})
	}
	mustCreate(test, db, &WorkoutSession{ID: 210, UserID: &userID, Status: string(ledger.SessionStatusConfirmed), SessionDate: testNow.Add(-time.Hour)})
	mustCreate(test, db, &WorkoutSession{ID: 211, UserID: &userID, Status: string(ledger.SessionStatusScheduled), SessionDate: testNow.Add(-time.Hour), IsBlocked: true})
	mustCreate(test, db, &WorkoutSession{ID: 212, Status: string(ledger.SessionStatusScheduled), SessionDate: testNow.Add(-time.Hour)})
	mustCreate(test, db, &WorkoutSession{ID: 213, UserID: &userID, Status: string(ledger.SessionStatusScheduled), SessionDate: testNow.Add(48 * time.Hour)})
	service := mustService(test, store, func() time.Time { return testNow })

	report, err := service.ProcessSessionDeductions(context.Background())
	if err != nil {
		test.Fatalf("deductions: %v", err)
	}
	if report.Processed != 4 || report.Deducted != 2 || len(report.NoCredits) != 2 || len(report.Errors) != 0 {
		test.Fatalf("unexpected report %+v", report)
	}
	if balanceOf(test, db, testClientID) != 0 || balanceOf(test, db, testUserID) != 0 {
		test.Fatalf("expected both balances drained")
	}
	var deducted int64
	if err := db.Model(&WorkoutSession{}).Where("session_deducted = ?", true).Count(&deducted).Error; err != nil {
		test.Fatalf("count: %v", err)
	}
	if deducted != 2 {
		test.Fatalf("expected 2 deducted sessions, got %d", deducted)
	}

	needing, err := service.ClientsNeedingPayment(context.Background())
	if err != nil {
		test.Fatalf("clients needing payment: %v", err)
	}
	if len(needing) != 1 || needing[0].Client.ID != ledger.UserID(testUserID) || needing[0].UpcomingSessions != 1 {
		test.Fatalf("unexpected clients needing payment %+v", needing)
	}
}

func TestDecrementRefusesToGoNegative(test *testing.T) {
	test.Parallel()
	store, _ := newTestStore(test)
	err := store.DecrementAvailableSessions(context.Background(), ledger.UserID(testClientID), 3)
	if !errors.Is(err, ledger.ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}

func TestRecordRefundFailureAgainstDatabase(test *testing.T) {
	test.Parallel()
	store, db := newTestStore(test)
	service := mustService(test, store, func() time.Time { return testNow })
	err := service.RecordRefundFailure(context.Background(), ledger.RefundFailure{
		ClientID:        ledger.UserID(testClientID),
		PackageID:       ledger.PackageID(testPackageID),
		Amount:          decimal.RequireFromString("500"),
		PaymentIntentID: "pi_failed",
		RefundError:     fmt.Errorf("refund declined"),
	})
	if err != nil {
		test.Fatalf("record refund failure: %v", err)
	}
	var row FinancialTransaction
	if err := db.Where("stripe_payment_intent_id = ?", "pi_failed").Take(&row).Error; err != nil {
		test.Fatalf("load audit row: %v", err)
	}
	if row.Status != "failed" || row.OrderID != nil {
		test.Fatalf("unexpected audit row %+v", row)
	}
}
