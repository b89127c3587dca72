package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintOrderIdempotencyToken = "idx_orders_idempotency_token"
	pgUniqueViolationCode           = "23505"
	defaultMetadataJSON             = "{}"
	orderStatusCompleted            = "completed"
	errorOperationStore             = "store"
	errorSubjectCart                = "cart"
	errorSubjectUser                = "user"
	errorSubjectPackage             = "package"
	errorSubjectSession             = "session"
	errorSubjectOrder               = "order"
	errorSubjectOrderItem           = "order_item"
	errorSubjectTransaction         = "financial_transaction"
	errorSubjectSchema              = "schema"
	errorCodeBegin                  = "begin"
	errorCodeCommit                 = "commit"
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

	sqlTablesPresent = `
		select count(*) from information_schema.tables
		where table_schema = current_schema() and table_name in ('orders', 'storefront_items', 'shopping_carts')
	`

	sqlLockCart = `
		select id, user_id, status, sessions_granted
		from shopping_carts
		where id = $1 and user_id = $2
		for update
	`

	sqlCartLines = `
		select ci.quantity,
			si.id, si.name, coalesce(si.description, ''), si.package_type, si.sessions, si.total_sessions,
			si.price, si.total_cost, si.price_per_session, si.is_active
		from cart_items ci
		left join storefront_items si on si.id = ci.storefront_item_id
		where ci.cart_id = $1
		order by ci.id
	`

	sqlCompleteCart = `
		update shopping_carts
		set sessions_granted = true, status = 'completed', payment_status = 'paid',
			granted_by = $3, completed_at = $4, updated_at = now()
		where id = $1 and user_id = $2
	`

	sqlInsertCart = `
		insert into shopping_carts(user_id, status, payment_status, sessions_granted, granted_by, total, session_data, completed_at, created_at, updated_at)
		values ($1, 'completed', 'paid', true, $2, $3, '{}', $4, now(), now())
		returning id
	`

	sqlInsertCartItem = `
		insert into cart_items(cart_id, storefront_item_id, quantity, price, created_at)
		values ($1, $2, $3, $4, now())
	`

	sqlCartForCheckoutSession = `
		select id, user_id from shopping_carts where checkout_session_id = $1
	`

	sqlSelectUser = `
		select id, first_name, last_name, email, role, available_sessions, coalesce(stripe_customer_id, '')
		from users where id = $1
	`

	sqlLockUser = sqlSelectUser + ` for update`

	sqlIncrementSessions = `
		update users set available_sessions = available_sessions + $2, updated_at = now() where id = $1
	`

	sqlDecrementSessions = `
		update users set available_sessions = available_sessions - $2, updated_at = now()
		where id = $1 and available_sessions >= $2
	`

	sqlRecordPurchase = `
		update users set has_purchased_before = true, last_purchase_date = $2, updated_at = now() where id = $1
	`

	sqlUpdateRole = `
		update users set role = $2, updated_at = now() where id = $1
	`

	sqlClientsWithoutCredits = `
		select id, first_name, last_name, email, role, available_sessions, coalesce(stripe_customer_id, '')
		from users where role = any($1) and available_sessions <= 0
		order by id
	`

	sqlSelectPackage = `
		select id, name, coalesce(description, ''), package_type, sessions, total_sessions,
			price, total_cost, price_per_session, is_active
		from storefront_items where id = $1
	`

	sqlDeductibleSessions = `
		select id, user_id, status, session_date, session_deducted, coalesce(notes, '')
		from workout_sessions
		where session_date < $1 and status = any($2) and session_deducted = false
			and user_id is not null and is_blocked = false
		order by session_date, id
	`

	sqlLockDeductibleSessions = `
		select id, user_id, status, session_date, session_deducted, coalesce(notes, '')
		from workout_sessions
		where id = any($1) and user_id = $2 and status = any($3) and session_deducted = false
		order by session_date, id
		for update
	`

	sqlCompleteSession = `
		update workout_sessions
		set status = 'completed', notes = $2, updated_at = now(),
			session_deducted = case when $3 then true else session_deducted end,
			deduction_date = case when $3 then $4 else deduction_date end
		where id = $1
	`

	sqlUpcomingSessions = `
		select id, user_id, status, session_date, session_deducted, coalesce(notes, '')
		from workout_sessions
		where user_id = $1 and session_date > $2 and status = any($3)
		order by session_date, id
	`

	sqlRecentOrder = `
		select o.id, o.order_number, coalesce(o.payment_reference, ''), o.completed_at
		from orders o
		join order_items oi on oi.order_id = o.id
		where o.user_id = $1 and oi.storefront_item_id = $2 and o.status = 'completed' and o.completed_at >= $3
		order by o.completed_at desc
		limit 1
	`

	sqlOrderByToken = `
		select id, order_number, coalesce(payment_reference, ''), completed_at
		from orders where idempotency_token = $1
		limit 1
	`

	sqlLastCompletedPackage = `
		select oi.storefront_item_id, o.order_number, o.completed_at
		from order_items oi
		join orders o on o.id = oi.order_id
		where o.user_id = $1 and o.status = 'completed' and oi.storefront_item_id is not null
		order by o.completed_at desc, o.id desc
		limit 1
	`

	sqlInsertOrder = `
		insert into orders(user_id, cart_id, order_number, total_amount, status, payment_method, payment_reference,
			payment_applied_by, idempotency_token, billing_name, billing_email, notes, completed_at, created_at, updated_at)
		values ($1, $2, $3, $4, 'completed', $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		returning id
	`

	sqlInsertOrderItem = `
		insert into order_items(order_id, storefront_item_id, name, quantity, price, subtotal, item_type, metadata, created_at)
		values ($1, $2, $3, $4, $5, $6, 'package', $7, now())
	`

	sqlInsertFinancialTransaction = `
		insert into financial_transactions(user_id, order_id, cart_id, amount, currency, status, payment_method,
			stripe_payment_intent_id, description, metadata, processed_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit outside WithTx).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool. Tables are created by the GORM migration.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) ModelsAvailable(ctx context.Context) error {
	var count int
	if err := store.db.QueryRow(ctx, sqlTablesPresent).Scan(&count); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeLookup, err)
	}
	if count < 3 {
		return wrapStoreError(errorSubjectSchema, errorCodeMissing, ledger.ErrModelsUnavailable)
	}
	return nil
}

func (store *Store) LockCart(ctx context.Context, cartID ledger.CartID, userID ledger.UserID) (ledger.Cart, error) {
	var (
		id, owner int64
		status    string
		granted   bool
	)
	err := store.db.QueryRow(ctx, sqlLockCart, cartID.Int64(), userID.Int64()).Scan(&id, &owner, &status, &granted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Cart{}, wrapStoreError(errorSubjectCart, errorCodeLock, ledger.ErrCartNotFound)
		}
		return ledger.Cart{}, wrapStoreError(errorSubjectCart, errorCodeLock, err)
	}
	rows, err := store.db.Query(ctx, sqlCartLines, id)
	if err != nil {
		return ledger.Cart{}, wrapStoreError(errorSubjectCart, errorCodeList, err)
	}
	defer rows.Close()
	lines := []ledger.CartLine{}
	for rows.Next() {
		var (
			quantity                           int64
			packageID, sessions, totalSessions *int64
			name, description, packageType     *string
			price, totalCost, pricePerSession  decimal.NullDecimal
			isActive                           *bool
		)
		if err := rows.Scan(&quantity, &packageID, &name, &description, &packageType, &sessions, &totalSessions, &price, &totalCost, &pricePerSession, &isActive); err != nil {
			return ledger.Cart{}, wrapStoreError(errorSubjectCart, errorCodeList, err)
		}
		line := ledger.CartLine{Quantity: quantity}
		if packageID != nil {
			line.Package = &ledger.Package{
				ID:              ledger.PackageID(*packageID),
				Name:            deref(name),
				Description:     deref(description),
				PackageType:     deref(packageType),
				Sessions:        derefInt(sessions),
				TotalSessions:   derefInt(totalSessions),
				Price:           price.Decimal,
				TotalCost:       totalCost.Decimal,
				PricePerSession: pricePerSession.Decimal,
				IsActive:        isActive != nil && *isActive,
			}
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return ledger.Cart{}, wrapStoreError(errorSubjectCart, errorCodeList, err)
	}
	return ledger.Cart{
		ID:              ledger.CartID(id),
		UserID:          ledger.UserID(owner),
		Status:          ledger.CartStatus(status),
		SessionsGranted: granted,
		Lines:           lines,
	}, nil
}

func (store *Store) CompleteCart(ctx context.Context, completion ledger.CartCompletion) error {
	tag, err := store.db.Exec(ctx, sqlCompleteCart, completion.CartID.Int64(), completion.UserID.Int64(), string(completion.GrantedBy), completion.CompletedAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectCart, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectCart, errorCodeUpdate, ledger.ErrCartNotFound)
	}
	return nil
}

func (store *Store) CreateCart(ctx context.Context, input ledger.CartInput) (ledger.CartID, error) {
	var cartID int64
	err := store.db.QueryRow(ctx, sqlInsertCart, input.UserID.Int64(), string(input.GrantedBy), input.Total, input.CompletedAt.UTC()).Scan(&cartID)
	if err != nil {
		return 0, wrapStoreError(errorSubjectCart, errorCodeCreate, err)
	}
	if _, err := store.db.Exec(ctx, sqlInsertCartItem, cartID, input.PackageID.Int64(), input.Quantity, input.Price); err != nil {
		return 0, wrapStoreError(errorSubjectCart, errorCodeCreate, err)
	}
	return ledger.CartID(cartID), nil
}

func (store *Store) CartForCheckoutSession(ctx context.Context, checkoutSessionID string) (ledger.CartRef, error) {
	var cartID, userID int64
	err := store.db.QueryRow(ctx, sqlCartForCheckoutSession, checkoutSessionID).Scan(&cartID, &userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.CartRef{}, wrapStoreError(errorSubjectCart, errorCodeLookup, ledger.ErrCartNotFound)
		}
		return ledger.CartRef{}, wrapStoreError(errorSubjectCart, errorCodeLookup, err)
	}
	return ledger.CartRef{CartID: ledger.CartID(cartID), UserID: ledger.UserID(userID)}, nil
}

func (store *Store) GetClient(ctx context.Context, userID ledger.UserID) (ledger.Client, error) {
	return store.selectUser(ctx, sqlSelectUser, errorCodeGet, userID)
}

func (store *Store) LockClient(ctx context.Context, userID ledger.UserID) (ledger.Client, error) {
	return store.selectUser(ctx, sqlLockUser, errorCodeLock, userID)
}

func (store *Store) selectUser(ctx context.Context, query string, code string, userID ledger.UserID) (ledger.Client, error) {
	client, err := scanClient(store.db.QueryRow(ctx, query, userID.Int64()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Client{}, wrapStoreError(errorSubjectUser, code, ledger.ErrClientNotFound)
		}
		return ledger.Client{}, wrapStoreError(errorSubjectUser, code, err)
	}
	return client, nil
}

func (store *Store) IncrementAvailableSessions(ctx context.Context, userID ledger.UserID, sessions int64) error {
	tag, err := store.db.Exec(ctx, sqlIncrementSessions, userID.Int64(), sessions)
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeIncrement, ledger.ErrClientNotFound)
	}
	return nil
}

func (store *Store) DecrementAvailableSessions(ctx context.Context, userID ledger.UserID, sessions int64) error {
	tag, err := store.db.Exec(ctx, sqlDecrementSessions, userID.Int64(), sessions)
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeDecrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeDecrement, ledger.ErrInvalidBalance)
	}
	return nil
}

func (store *Store) RecordPurchase(ctx context.Context, userID ledger.UserID, at time.Time) error {
	if _, err := store.db.Exec(ctx, sqlRecordPurchase, userID.Int64(), at.UTC()); err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) UpdateRole(ctx context.Context, userID ledger.UserID, role ledger.Role) error {
	if _, err := store.db.Exec(ctx, sqlUpdateRole, userID.Int64(), string(role)); err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListClientsWithoutCredits(ctx context.Context, roles []ledger.Role) ([]ledger.Client, error) {
	roleValues := make([]string, 0, len(roles))
	for _, role := range roles {
		roleValues = append(roleValues, string(role))
	}
	rows, err := store.db.Query(ctx, sqlClientsWithoutCredits, roleValues)
	if err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	defer rows.Close()
	clients := []ledger.Client{}
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectUser, errorCodeList, err)
	}
	return clients, nil
}

func (store *Store) GetPackage(ctx context.Context, packageID ledger.PackageID) (ledger.Package, error) {
	var (
		pkg ledger.Package
		id  int64
	)
	err := store.db.QueryRow(ctx, sqlSelectPackage, packageID.Int64()).Scan(
		&id, &pkg.Name, &pkg.Description, &pkg.PackageType, &pkg.Sessions, &pkg.TotalSessions,
		&pkg.Price, &pkg.TotalCost, &pkg.PricePerSession, &pkg.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, ledger.ErrPackageNotFound)
		}
		return ledger.Package{}, wrapStoreError(errorSubjectPackage, errorCodeGet, err)
	}
	pkg.ID = ledger.PackageID(id)
	return pkg, nil
}

func (store *Store) ListDeductibleSessions(ctx context.Context, before time.Time) ([]ledger.BookedSession, error) {
	return store.querySessions(ctx, errorCodeList, sqlDeductibleSessions, before.UTC(), deductibleStatuses())
}

func (store *Store) LockDeductibleSessions(ctx context.Context, userID ledger.UserID, sessionIDs []ledger.SessionID) ([]ledger.BookedSession, error) {
	if len(sessionIDs) == 0 {
		return []ledger.BookedSession{}, nil
	}
	ids := make([]int64, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		ids = append(ids, sessionID.Int64())
	}
	return store.querySessions(ctx, errorCodeLock, sqlLockDeductibleSessions, ids, userID.Int64(), deductibleStatuses())
}

func (store *Store) CompleteSession(ctx context.Context, sessionID ledger.SessionID, deducted bool, at time.Time, note string) error {
	if _, err := store.db.Exec(ctx, sqlCompleteSession, sessionID.Int64(), note, deducted, at.UTC()); err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListUpcomingSessions(ctx context.Context, userID ledger.UserID, after time.Time) ([]ledger.BookedSession, error) {
	return store.querySessions(ctx, errorCodeList, sqlUpcomingSessions, userID.Int64(), after.UTC(), deductibleStatuses())
}

func (store *Store) querySessions(ctx context.Context, code string, query string, args ...any) ([]ledger.BookedSession, error) {
	rows, err := store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectSession, code, err)
	}
	defer rows.Close()
	sessions := []ledger.BookedSession{}
	for rows.Next() {
		var (
			id, userID  int64
			status      string
			sessionDate time.Time
			deducted    bool
			notes       string
		)
		if err := rows.Scan(&id, &userID, &status, &sessionDate, &deducted, &notes); err != nil {
			return nil, wrapStoreError(errorSubjectSession, code, err)
		}
		sessions = append(sessions, ledger.BookedSession{
			ID:          ledger.SessionID(id),
			UserID:      ledger.UserID(userID),
			Status:      ledger.SessionStatus(status),
			SessionDate: sessionDate.UTC(),
			Deducted:    deducted,
			Notes:       notes,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectSession, code, err)
	}
	return sessions, nil
}

func (store *Store) FindRecentOrder(ctx context.Context, userID ledger.UserID, packageID ledger.PackageID, since time.Time) (ledger.OrderSummary, bool, error) {
	return store.findOrder(ctx, sqlRecentOrder, userID.Int64(), packageID.Int64(), since.UTC())
}

func (store *Store) FindOrderByIdempotencyToken(ctx context.Context, token ledger.IdempotencyToken) (ledger.OrderSummary, bool, error) {
	if token.IsZero() {
		return ledger.OrderSummary{}, false, nil
	}
	return store.findOrder(ctx, sqlOrderByToken, token.String())
}

func (store *Store) findOrder(ctx context.Context, query string, args ...any) (ledger.OrderSummary, bool, error) {
	var (
		id          int64
		summary     ledger.OrderSummary
		completedAt *time.Time
	)
	err := store.db.QueryRow(ctx, query, args...).Scan(&id, &summary.OrderNumber, &summary.PaymentReference, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.OrderSummary{}, false, nil
		}
		return ledger.OrderSummary{}, false, wrapStoreError(errorSubjectOrder, errorCodeLookup, err)
	}
	summary.ID = ledger.OrderID(id)
	if completedAt != nil {
		summary.CompletedAt = completedAt.UTC()
	}
	return summary, true, nil
}

func (store *Store) LastCompletedPackage(ctx context.Context, userID ledger.UserID) (ledger.LastPackage, bool, error) {
	var (
		packageID   int64
		orderNumber string
		completedAt *time.Time
	)
	err := store.db.QueryRow(ctx, sqlLastCompletedPackage, userID.Int64()).Scan(&packageID, &orderNumber, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.LastPackage{}, false, nil
		}
		return ledger.LastPackage{}, false, wrapStoreError(errorSubjectOrder, errorCodeLookup, err)
	}
	pkg, err := store.GetPackage(ctx, ledger.PackageID(packageID))
	if err != nil {
		if errors.Is(err, ledger.ErrPackageNotFound) {
			return ledger.LastPackage{}, false, nil
		}
		return ledger.LastPackage{}, false, err
	}
	last := ledger.LastPackage{Package: pkg, OrderNumber: orderNumber}
	if completedAt != nil {
		last.PurchasedAt = completedAt.UTC()
	}
	return last, true, nil
}

func (store *Store) CreateOrder(ctx context.Context, input ledger.OrderInput) (ledger.OrderSummary, error) {
	var appliedBy *int64
	if input.PaymentAppliedBy > 0 {
		value := input.PaymentAppliedBy.Int64()
		appliedBy = &value
	}
	var token *string
	if !input.IdempotencyToken.IsZero() {
		value := input.IdempotencyToken.String()
		token = &value
	}
	var orderID int64
	err := store.db.QueryRow(ctx, sqlInsertOrder,
		input.UserID.Int64(),
		input.CartID.Int64(),
		input.OrderNumber,
		input.TotalAmount,
		string(input.PaymentMethod),
		input.PaymentReference,
		appliedBy,
		token,
		input.BillingName,
		input.BillingEmail,
		input.Notes,
		input.CompletedAt.UTC(),
	).Scan(&orderID)
	if isIdempotencyConflict(err) {
		return ledger.OrderSummary{}, wrapStoreError(errorSubjectOrder, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return ledger.OrderSummary{}, wrapStoreError(errorSubjectOrder, errorCodeCreate, err)
	}
	return ledger.OrderSummary{
		ID:               ledger.OrderID(orderID),
		OrderNumber:      input.OrderNumber,
		PaymentReference: input.PaymentReference,
		CompletedAt:      input.CompletedAt.UTC(),
	}, nil
}

func (store *Store) CreateOrderItem(ctx context.Context, input ledger.OrderItemInput) error {
	metadata, err := json.Marshal(input.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectOrderItem, errorCodeEncode, err)
	}
	_, err = store.db.Exec(ctx, sqlInsertOrderItem,
		input.OrderID.Int64(),
		input.PackageID.Int64(),
		input.Name,
		input.Quantity,
		input.Price,
		input.Subtotal,
		string(metadata),
	)
	if err != nil {
		return wrapStoreError(errorSubjectOrderItem, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) CreateFinancialTransaction(ctx context.Context, input ledger.FinancialTransactionInput) error {
	metadata := defaultMetadataJSON
	if len(input.Metadata) > 0 {
		encoded, err := json.Marshal(input.Metadata)
		if err != nil {
			return wrapStoreError(errorSubjectTransaction, errorCodeEncode, err)
		}
		metadata = string(encoded)
	}
	_, err := store.db.Exec(ctx, sqlInsertFinancialTransaction,
		input.UserID.Int64(),
		nullableID(input.OrderID.Int64()),
		nullableID(input.CartID.Int64()),
		input.Amount,
		input.Currency,
		string(input.Status),
		string(input.PaymentMethod),
		nullableString(input.PaymentIntentID),
		input.Description,
		metadata,
		input.ProcessedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func scanClient(row pgx.Row) (ledger.Client, error) {
	var (
		client ledger.Client
		id     int64
		role   string
	)
	if err := row.Scan(&id, &client.FirstName, &client.LastName, &client.Email, &role, &client.AvailableSessions, &client.StripeCustomerID); err != nil {
		return ledger.Client{}, err
	}
	client.ID = ledger.UserID(id)
	client.Role = ledger.Role(role)
	return client, nil
}

func deductibleStatuses() []string {
	statuses := ledger.DeductibleSessionStatuses()
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

func nullableID(value int64) *int64 {
	if value <= 0 {
		return nil
	}
	return &value
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func derefInt(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintOrderIdempotencyToken
	}
	return false
}
