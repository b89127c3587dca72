package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the persistence contract used by Service.
// Lock* methods take a row lock held until the enclosing WithTx returns.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	ModelsAvailable(ctx context.Context) error

	LockCart(ctx context.Context, cartID CartID, userID UserID) (Cart, error)
	CompleteCart(ctx context.Context, completion CartCompletion) error
	CreateCart(ctx context.Context, input CartInput) (CartID, error)
	CartForCheckoutSession(ctx context.Context, checkoutSessionID string) (CartRef, error)

	GetClient(ctx context.Context, userID UserID) (Client, error)
	LockClient(ctx context.Context, userID UserID) (Client, error)
	IncrementAvailableSessions(ctx context.Context, userID UserID, sessions int64) error
	DecrementAvailableSessions(ctx context.Context, userID UserID, sessions int64) error
	RecordPurchase(ctx context.Context, userID UserID, at time.Time) error
	UpdateRole(ctx context.Context, userID UserID, role Role) error
	ListClientsWithoutCredits(ctx context.Context, roles []Role) ([]Client, error)

	GetPackage(ctx context.Context, packageID PackageID) (Package, error)

	ListDeductibleSessions(ctx context.Context, before time.Time) ([]BookedSession, error)
	LockDeductibleSessions(ctx context.Context, userID UserID, sessionIDs []SessionID) ([]BookedSession, error)
	CompleteSession(ctx context.Context, sessionID SessionID, deducted bool, at time.Time, note string) error
	ListUpcomingSessions(ctx context.Context, userID UserID, after time.Time) ([]BookedSession, error)

	FindRecentOrder(ctx context.Context, userID UserID, packageID PackageID, since time.Time) (OrderSummary, bool, error)
	FindOrderByIdempotencyToken(ctx context.Context, token IdempotencyToken) (OrderSummary, bool, error)
	LastCompletedPackage(ctx context.Context, userID UserID) (LastPackage, bool, error)
	CreateOrder(ctx context.Context, input OrderInput) (OrderSummary, error)
	CreateOrderItem(ctx context.Context, input OrderItemInput) error
	CreateFinancialTransaction(ctx context.Context, input FinancialTransactionInput) error
}

// CartCompletion marks a cart granted.
type CartCompletion struct {
	CartID      CartID
	UserID      UserID
	GrantedBy   TriggerSource
	CompletedAt time.Time
}

// CartInput creates an already-completed cart for a manual payment.
type CartInput struct {
	UserID      UserID
	PackageID   PackageID
	Quantity    int64
	Price       decimal.Decimal
	Total       decimal.Decimal
	GrantedBy   TriggerSource
	CompletedAt time.Time
}

// OrderInput creates a completed order.
type OrderInput struct {
	UserID           UserID
	CartID           CartID
	OrderNumber      string
	TotalAmount      decimal.Decimal
	PaymentMethod    PaymentMethod
	PaymentReference string
	PaymentAppliedBy UserID
	IdempotencyToken IdempotencyToken
	BillingName      string
	BillingEmail     string
	Notes            string
	CompletedAt      time.Time
}

// OrderItemMetadata is stored as a JSON object on the order item.
type OrderItemMetadata struct {
	SessionsGranted int64  `json:"sessionsGranted"`
	PricePerSession string `json:"pricePerSession"`
	AdminRecovery   bool   `json:"adminRecovery"`
	ForceApplied    bool   `json:"forceApplied,omitempty"`
	ForceReason     string `json:"forceReason,omitempty"`
}

// OrderItemInput creates an order line.
type OrderItemInput struct {
	OrderID   OrderID
	PackageID PackageID
	Name      string
	Quantity  int64
	Price     decimal.Decimal
	Subtotal  decimal.Decimal
	Metadata  OrderItemMetadata
}

// FinancialTransactionInput appends an audit row.
type FinancialTransactionInput struct {
	UserID          UserID
	OrderID         OrderID
	CartID          CartID
	Amount          decimal.Decimal
	Currency        string
	Status          TransactionStatus
	PaymentMethod   PaymentMethod
	PaymentIntentID string
	Description     string
	Metadata        map[string]any
	ProcessedAt     time.Time
}
