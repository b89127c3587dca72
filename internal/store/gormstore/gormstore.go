package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintOrderIdempotencyToken = "idx_orders_idempotency_token"
	columnIdempotencyToken          = "idempotency_token"
	defaultMetadataJSON             = "{}"
	pgUniqueViolationCode           = "23505"
	sqliteConstraintCode            = 19
	orderStatusCompleted            = "completed"
	cartPaymentStatusPaid           = "paid"
	orderItemTypePackage            = "package"
	errorOperationStore             = "store"
	errorSubjectCart                = "cart"
	errorSubjectUser                = "user"
	errorSubjectPackage             = "package"
	errorSubjectSession             = "session"
	errorSubjectOrder               = "order"
	errorSubjectOrderItem           = "order_item"
	errorSubjectTransaction         = "financial_transaction"
	errorSubjectSchema              = "schema"
	errorCodeCreate                 = "create"
	errorCodeDecrement              = "decrement"
	errorCodeDuplicate              = "duplicate"
	errorCodeEncode                 = "encode"
	errorCodeGet                    = "get"
	errorCodeIncrement              = "increment"
	errorCodeList                   = "list"
	errorCodeLock                   = "lock"
	errorCodeLookup                 = "lookup"
	errorCodeMissing                = "missing"
	errorCodeUpdate                 = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates every ledger table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeCreate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) ModelsAvailable(ctx context.Context) error {
	migrator := store.db.WithContext(ctx).Migrator()
	for _, model := range []any{&Order{}, &StorefrontItem{}, &ShoppingCart{}} {
		if !migrator.HasTable(model) {
			return wrapStoreError(errorSubjectSchema, errorCodeMissing, ledger.ErrModelsUnavailable)
		}
	}
	return nil
}

func (store *Store) LockCart(ctx context.Context, cartID ledger.CartID, userID ledger.UserID) (ledger.Cart, error) {
	var cart ShoppingCart
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", cartID.Int64(), userID.Int64()).
		Take(&cart).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Cart{}, wrapStoreError(errorSubjectCart, errorCodeLock, ledger.ErrCartNotFound)
		}
		return ledger.Cart{}, wrapStoreError(errorSubjectCart, errorCodeLock, err)
	}
	var items []CartItem
	err = store.db.WithContext(ctx).
		Preload("StorefrontItem").
		Where("cart_id = ?", cart.ID).
		Order("id").
		Find(&items).Error
	if err != nil {
		return ledger.Cart{}, wrapStoreError(errorSubjectCart, errorCodeList, err)
	}
	lines := make([]ledger.CartLine, 0, len(items))
	for _, item := range items {
		line := ledger.CartLine{Quantity: item.Quantity}
		if item.StorefrontItem != nil {
			pkg := toPackage(*item.StorefrontItem)
			line.Package = &pkg
		}
		lines = append(lines, line)
	}
	return ledger.Cart{
		ID:              ledger.CartID(cart.ID),
		UserID:          ledger.UserID(cart.UserID),
		Status:          ledger.CartStatus(cart.Status),
		SessionsGranted: cart.SessionsGranted,
		Lines:           lines,
	}, nil
}

func (store *Store) CompleteCart(ctx context.Context, completion ledger.CartCompletion) error {
	grantedBy := string(completion.GrantedBy)
	completedAt := completion.CompletedAt.UTC()
	result := store.db.WithContext(ctx).
		Model(&ShoppingCart{}).
		Where("id = ? AND user_id = ?", completion.CartID.Int64(), completion.UserID.Int64()).
		Updates(map[string]any{
			"sessions_granted": true,
			"status":           string(ledger.CartStatusCompleted),
			"payment_status":   cartPaymentStatusPaid,
			"granted_by":       &grantedBy,
			"completed_at":     &completedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectCart, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectCart, errorCodeUpdate, ledger.ErrCartNotFound)
	}
	return nil
}

func (store *Store) CreateCart(ctx context.Context, input ledger.CartInput) (ledger.CartID, error) {
	grantedBy := string(input.GrantedBy)
	completedAt := input.CompletedAt.UTC()
	packageID := input.PackageID.Int64()
	cart := ShoppingCart{
		UserID:          input.UserID.Int64(),
		Status:          string(ledger.CartStatusCompleted),
		PaymentStatus:   cartPaymentStatusPaid,
		SessionsGranted: true,
		GrantedBy:       &grantedBy,
		Total:           input.Total,
		SessionData:     datatypes.JSON([]byte(defaultMetadataJSON)),
		CompletedAt:     &completedAt,
		Items: []CartItem{{
			StorefrontItemID: &packageID,
			Quantity:         input.Quantity,
			Price:            input.Price,
		}},
	}
	if err := store.db.WithContext(ctx).Create(&cart).Error; err != nil {
		return 0, wrapStoreError(errorSubjectCart, errorCodeCreate, err)
	}
	return ledger.CartID(cart.ID), nil
}

func (store *Store) CartForCheckoutSession(ctx context.Context, checkoutSessionID string) (ledger.CartRef, error) {
	var cart ShoppingCart
	err := store.db.WithContext(ctx).
		Select("id", "user_id").
		Where("checkout_session_id = ?", strings.TrimSpace(checkoutSessionID)).
		Take(&cart).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.CartRef{}, wrapStoreError(errorSubjectCart, errorCodeLookup, ledger.ErrCartNotFound)
		}
		return ledger.CartRef{}, wrapStoreError(errorSubjectCart, errorCodeLookup, err)
	}
	return ledger.CartRef{CartID: ledger.CartID(cart.ID), UserID: ledger.UserID(cart.UserID)}, nil
}

func (store *Store) GetClient(ctx context.Context, userID ledger.UserID) (ledger.Client, error) {
	return store.findUser(ctx, userID, false)
}

func (store *Store) LockClient(ctx context.Context, userID ledger.UserID) (ledger.Client, error) {
	return store.findUser(ctx, userID, true)
}

func (store *Store) findUser(ctx context.Context, userID ledger.UserID, lock bool) (ledger.Client, error) {
	code := errorCodeGet
	query := store.db.WithContext(ctx)
	if lock {
		code = errorCodeLock
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var user User
	err := query.Where("id = ?", userID.Int64()).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Client{}, wrapStoreError(errorSubjectUser, code, ledger.ErrClientNotFound)
		}
		return ledger.Client{}, wrapStoreError(errorSubjectUser, code, err)
	}
	return toClient(user), nil
}

func (store *Store) IncrementAvailableSessions(ctx context.Context, userID ledger.UserID, sessions int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID.Int64()).
		UpdateColumn("available_sessions", gorm.Expr("available_sessions + ?", sessions))
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeIncrement, ledger.ErrClientNotFound)
	}
	return nil
}

func (store *Store) DecrementAvailableSessions(ctx context.Context, userID ledger.UserID, sessions int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND available_sessions >= ?", userID.Int64(), sessions).
		UpdateColumn("available_sessions", gorm.Expr("available_sessions - ?", sessions))
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeDecrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeDecrement, ledger.ErrInvalidBalance)
	}
	return nil
}

func (store *Store) RecordPurchase(ctx context.Context, userID ledger.UserID, at time.Time) error {
	purchasedAt := at.UTC()
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID.Int64()).
		Updates(map[string]any{"has_purchased_before": true, "last_purchase_date": &purchasedAt}).Error
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) UpdateRole(ctx context.Context, userID ledger.UserID, role ledger.Role) error {
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID.Int64()).
		Update("role", string(role)).Error
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListClientsWithoutCredits(ctx context.Context, roles []ledger.Role) ([]ledger.Client, error) {
	var users []User
	err := store.db.WithContext(ctx).
		Where("role IN ? AND available_sessions <= 0", rolesToStrings(roles)).
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	clients := make([]ledger.Client, 0, len(users))
	for _, user := range users {
		clients = append(clients, toClient(user))
	}
	return clients, nil
}

func (store *Store) GetPackage(ctx context.Context, packageID ledger.PackageID) (ledger.Package, error) {
	var item StorefrontItem
	err := store.db.WithContext(ctx).Where("id = ?", packageID.Int64()).Take(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrPackageNotFound)
		}
		return ledger.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	return toPackage(item), nil
}

func (store *Store) ListDeductibleSessions(ctx context.Context, before time.Time) ([]ledger.BookedSession, error) {
	var rows []WorkoutSession
	err := store.db.WithContext(ctx).
		Where("session_date < ? AND status IN ? AND session_deducted = ? AND user_id IS NOT NULL AND is_blocked = ?",
			before.UTC(), deductibleStatuses(), false, false).
		Order("session_date, id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	return toSessions(rows), nil
}

func (store *Store) LockDeductibleSessions(ctx context.Context, userID ledger.UserID, sessionIDs []ledger.SessionID) ([]ledger.BookedSession, error) {
	if len(sessionIDs) == 0 {
		return []ledger.BookedSession{}, nil
	}
	ids := make([]int64, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		ids = append(ids, sessionID.Int64())
	}
	var rows []WorkoutSession
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ? AND user_id = ? AND status IN ? AND session_deducted = ?", ids, userID.Int64(), deductibleStatuses(), false).
		Order("session_date, id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeLock, err)
	}
	return toSessions(rows), nil
}

func (store *Store) CompleteSession(ctx context.Context, sessionID ledger.SessionID, deducted bool, at time.Time, note string) error {
	updates := map[string]any{
		"status": string(ledger.SessionStatusCompleted),
		"notes":  note,
	}
	if deducted {
		deductedAt := at.UTC()
		updates["session_deducted"] = true
		updates["deduction_date"] = &deductedAt
	}
	err := store.db.WithContext(ctx).
		Model(&WorkoutSession{}).
		Where("id = ?", sessionID.Int64()).
		Updates(updates).Error
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListUpcomingSessions(ctx context.Context, userID ledger.UserID, after time.Time) ([]ledger.BookedSession, error) {
	var rows []WorkoutSession
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND session_date > ? AND status IN ?", userID.Int64(), after.UTC(), deductibleStatuses()).
		Order("session_date, id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, errorCodeList, err)
	}
	return toSessions(rows), nil
}

func (store *Store) FindRecentOrder(ctx context.Context, userID ledger.UserID, packageID ledger.PackageID, since time.Time) (ledger.OrderSummary, bool, error) {
	var orders []Order
	err := store.db.WithContext(ctx).
		Model(&Order{}).
		Select("orders.*").
		Joins("JOIN order_items ON order_items.order_id = orders.id").
		Where("orders.user_id = ? AND order_items.storefront_item_id = ? AND orders.status = ? AND orders.completed_at >= ?",
			userID.Int64(), packageID.Int64(), orderStatusCompleted, since.UTC()).
		Order("orders.completed_at DESC").
		Limit(1).
		Find(&orders).Error
	if err != nil {
		return ledger.OrderSummary{}, false, wrapStoreError(errorSubjectOrder, errorCodeLookup, err)
	}
	if len(orders) == 0 {
		return ledger.OrderSummary{}, false, nil
	}
	return toOrderSummary(orders[0]), true, nil
}

func (store *Store) FindOrderByIdempotencyToken(ctx context.Context, token ledger.IdempotencyToken) (ledger.OrderSummary, bool, error) {
	if token.IsZero() {
		return ledger.OrderSummary{}, false, nil
	}
	var orders []Order
	err := store.db.WithContext(ctx).
		Where("idempotency_token = ?", token.String()).
		Limit(1).
		Find(&orders).Error
	if err != nil {
		return ledger.OrderSummary{}, false, wrapStoreError(errorSubjectOrder, errorCodeLookup, err)
	}
	if len(orders) == 0 {
		return ledger.OrderSummary{}, false, nil
	}
	return toOrderSummary(orders[0]), true, nil
}

func (store *Store) LastCompletedPackage(ctx context.Context, userID ledger.UserID) (ledger.LastPackage, bool, error) {
	var items []OrderItem
	err := store.db.WithContext(ctx).
		Model(&OrderItem{}).
		Select("order_items.*").
		Joins("JOIN orders ON orders.id = order_items.order_id").
		Where("orders.user_id = ? AND orders.status = ? AND order_items.storefront_item_id IS NOT NULL", userID.Int64(), orderStatusCompleted).
		Order("orders.completed_at DESC, orders.id DESC").
		Limit(1).
		Find(&items).Error
	if err != nil {
		return ledger.LastPackage{}, false, wrapStoreError(errorSubjectOrder, errorCodeLookup, err)
	}
	if len(items) == 0 {
		return ledger.LastPackage{}, false, nil
	}
	var order Order
	if err := store.db.WithContext(ctx).Where("id = ?", items[0].OrderID).Take(&order).Error; err != nil {
		return ledger.LastPackage{}, false, wrapStoreError(errorSubjectOrder, errorCodeGet, err)
	}
	pkg, err := store.GetPackage(ctx, ledger.PackageID(*items[0].StorefrontItemID))
	if err != nil {
		if errors.Is(err, ledger.ErrPackageNotFound) {
			return ledger.LastPackage{}, false, nil
		}
		return ledger.LastPackage{}, false, err
	}
	summary := toOrderSummary(order)
	return ledger.LastPackage{Package: pkg, OrderNumber: summary.OrderNumber, PurchasedAt: summary.CompletedAt}, true, nil
}

func (store *Store) CreateOrder(ctx context.Context, input ledger.OrderInput) (ledger.OrderSummary, error) {
	cartID := input.CartID.Int64()
	completedAt := input.CompletedAt.UTC()
	order := Order{
		UserID:           input.UserID.Int64(),
		CartID:           &cartID,
		OrderNumber:      input.OrderNumber,
		TotalAmount:      input.TotalAmount,
		Status:           orderStatusCompleted,
		PaymentMethod:    string(input.PaymentMethod),
		PaymentReference: input.PaymentReference,
		BillingName:      input.BillingName,
		BillingEmail:     input.BillingEmail,
		Notes:            input.Notes,
		CompletedAt:      &completedAt,
	}
	if input.PaymentAppliedBy > 0 {
		appliedBy := input.PaymentAppliedBy.Int64()
		order.PaymentAppliedBy = &appliedBy
	}
	if !input.IdempotencyToken.IsZero() {
		token := input.IdempotencyToken.String()
		order.IdempotencyToken = &token
	}
	err := store.db.WithContext(ctx).Omit(clause.Associations).Create(&order).Error
	if isIdempotencyConflict(err) {
		return ledger.OrderSummary{}, wrapStoreError(errorSubjectOrder, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.OrderSummary{}, wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return toOrderSummary(order), nil
}

func (store *Store) CreateOrderItem(ctx context.Context, input ledger.OrderItemInput) error {
	metadata, err := json.Marshal(input.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectOrderItem, errorCodeEncode, err)
	}
	packageID := input.PackageID.Int64()
	item := OrderItem{
		OrderID:          input.OrderID.Int64(),
		StorefrontItemID: &packageID,
		Name:             input.Name,
		Quantity:         input.Quantity,
		Price:            input.Price,
		Subtotal:         input.Subtotal,
		ItemType:         orderItemTypePackage,
		Metadata:         datatypes.JSON(metadata),
	}
	if err := store.db.WithContext(ctx).Create(&item).Error; err != nil {
		return wrapStoreError(errorSubjectOrderItem, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) CreateFinancialTransaction(ctx context.Context, input ledger.FinancialTransactionInput) error {
	metadata, err := encodeMetadata(input.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeEncode, err)
	}
	row := FinancialTransaction{
		UserID:        input.UserID.Int64(),
		Amount:        input.Amount,
		Currency:      input.Currency,
		Status:        string(input.Status),
		PaymentMethod: string(input.PaymentMethod),
		Description:   input.Description,
		Metadata:      metadata,
		ProcessedAt:   input.ProcessedAt.UTC(),
	}
	if input.OrderID > 0 {
		orderID := input.OrderID.Int64()
		row.OrderID = &orderID
	}
	if input.CartID > 0 {
		cartID := input.CartID.Int64()
		row.CartID = &cartID
	}
	if input.PaymentIntentID != "" {
		paymentIntentID := input.PaymentIntentID
		row.StripePaymentIntentID = &paymentIntentID
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func toClient(user User) ledger.Client {
	client := ledger.Client{
		ID:                ledger.UserID(user.ID),
		FirstName:         user.FirstName,
		LastName:          user.LastName,
		Email:             user.Email,
		Role:              ledger.Role(user.Role),
		AvailableSessions: user.AvailableSessions,
	}
	if user.StripeCustomerID != nil {
		client.StripeCustomerID = *user.StripeCustomerID
	}
	return client
}

func toPackage(item StorefrontItem) ledger.Package {
	return ledger.Package{
		ID:              ledger.PackageID(item.ID),
		Name:            item.Name,
		Description:     item.Description,
		PackageType:     item.PackageType,
		Sessions:        item.Sessions,
		TotalSessions:   item.TotalSessions,
		Price:           item.Price,
		TotalCost:       item.TotalCost,
		PricePerSession: item.PricePerSession,
		IsActive:        item.IsActive,
	}
}

func toSessions(rows []WorkoutSession) []ledger.BookedSession {
	sessions := make([]ledger.BookedSession, 0, len(rows))
	for _, row := range rows {
		session := ledger.BookedSession{
			ID:          ledger.SessionID(row.ID),
			Status:      ledger.SessionStatus(row.Status),
			SessionDate: row.SessionDate.UTC(),
			Deducted:    row.SessionDeducted,
			Notes:       row.Notes,
		}
		if row.UserID != nil {
			session.UserID = ledger.UserID(*row.UserID)
		}
		sessions = append(sessions, session)
	}
	return sessions
}

func toOrderSummary(order Order) ledger.OrderSummary {
	summary := ledger.OrderSummary{
		ID:               ledger.OrderID(order.ID),
		OrderNumber:      order.OrderNumber,
		PaymentReference: order.PaymentReference,
	}
	if order.CompletedAt != nil {
		summary.CompletedAt = order.CompletedAt.UTC()
	}
	return summary
}

func deductibleStatuses() []string {
	statuses := ledger.DeductibleSessionStatuses()
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

func rolesToStrings(roles []ledger.Role) []string {
	values := make([]string, 0, len(roles))
	for _, role := range roles {
		values = append(values, string(role))
	}
	return values
}

func encodeMetadata(metadata map[string]any) (datatypes.JSON, error) {
	if len(metadata) == 0 {
		return datatypes.JSON([]byte(defaultMetadataJSON)), nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintOrderIdempotencyToken
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode && strings.Contains(sqliteErr.Error(), columnIdempotencyToken)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return strings.Contains(err.Error(), columnIdempotencyToken)
	}
	return false
}
