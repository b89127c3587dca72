package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// User mirrors the users table.
type User struct {
	ID                 int64  `gorm:"primaryKey"`
	FirstName          string `gorm:"not null;default:''"`
	LastName           string `gorm:"not null;default:''"`
	Email              string `gorm:"not null;default:''"`
	Role               string `gorm:"not null;default:'user';index"`
	AvailableSessions  int64  `gorm:"not null;default:0"`
	StripeCustomerID   *string
	HasPurchasedBefore bool `gorm:"not null;default:false"`
	LastPurchaseDate   *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (User) TableName() string { return "users" }

// StorefrontItem mirrors the storefront_items table.
type StorefrontItem struct {
	ID              int64  `gorm:"primaryKey"`
	Name            string `gorm:"not null"`
	Description     string
	PackageType     string          `gorm:"not null;default:'fixed'"`
	Sessions        int64           `gorm:"not null;default:0"`
	TotalSessions   int64           `gorm:"not null;default:0"`
	Price           decimal.Decimal `gorm:"type:numeric(10,2);not null;default:0"`
	TotalCost       decimal.Decimal `gorm:"type:numeric(10,2);not null;default:0"`
	PricePerSession decimal.Decimal `gorm:"type:numeric(10,2);not null;default:0"`
	IsActive        bool            `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (StorefrontItem) TableName() string { return "storefront_items" }

// ShoppingCart mirrors the shopping_carts table.
type ShoppingCart struct {
	ID                int64           `gorm:"primaryKey"`
	UserID            int64           `gorm:"not null;index"`
	Status            string          `gorm:"not null;default:'active'"`
	PaymentStatus     string          `gorm:"not null;default:'pending'"`
	SessionsGranted   bool            `gorm:"not null;default:false"`
	GrantedBy         *string         `gorm:"size:32"`
	CheckoutSessionID *string         `gorm:"uniqueIndex:idx_shopping_carts_checkout_session"`
	Total             decimal.Decimal `gorm:"type:numeric(10,2);not null;default:0"`
	SessionData       datatypes.JSON
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Items             []CartItem `gorm:"foreignKey:CartID"`
}

func (ShoppingCart) TableName() string { return "shopping_carts" }

// CartItem mirrors the cart_items table.
type CartItem struct {
	ID               int64           `gorm:"primaryKey"`
	CartID           int64           `gorm:"not null;index"`
	StorefrontItemID *int64          `gorm:"index"`
	Quantity         int64           `gorm:"not null;default:1"`
	Price            decimal.Decimal `gorm:"type:numeric(10,2);not null;default:0"`
	StorefrontItem   *StorefrontItem `gorm:"foreignKey:StorefrontItemID"`
	CreatedAt        time.Time
}

func (CartItem) TableName() string { return "cart_items" }

// Order mirrors the orders table.
type Order struct {
	ID               int64           `gorm:"primaryKey"`
	UserID           int64           `gorm:"not null;index:idx_orders_user_completed,priority:1"`
	CartID           *int64          `gorm:"index"`
	OrderNumber      string          `gorm:"not null;uniqueIndex:idx_orders_order_number"`
	TotalAmount      decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Status           string          `gorm:"not null;default:'pending'"`
	PaymentMethod    string
	PaymentReference string
	PaymentAppliedBy *int64
	IdempotencyToken *string `gorm:"size:36;uniqueIndex:idx_orders_idempotency_token"`
	BillingName      string
	BillingEmail     string
	Notes            string
	CompletedAt      *time.Time `gorm:"index:idx_orders_user_completed,priority:2"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Items            []OrderItem `gorm:"foreignKey:OrderID"`
}

func (Order) TableName() string { return "orders" }

// OrderItem mirrors the order_items table.
type OrderItem struct {
	ID               int64           `gorm:"primaryKey"`
	OrderID          int64           `gorm:"not null;index"`
	StorefrontItemID *int64          `gorm:"index"`
	Name             string          `gorm:"not null"`
	Quantity         int64           `gorm:"not null;default:1"`
	Price            decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Subtotal         decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	ItemType         string          `gorm:"not null;default:'package'"`
	Metadata         datatypes.JSON
	CreatedAt        time.Time
}

func (OrderItem) TableName() string { return "order_items" }

// FinancialTransaction mirrors the append-only financial_transactions table.
type FinancialTransaction struct {
	ID                    int64           `gorm:"primaryKey"`
	UserID                int64           `gorm:"not null;index"`
	OrderID               *int64          `gorm:"index"`
	CartID                *int64          `gorm:"index"`
	Amount                decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Currency              string          `gorm:"size:3;not null;default:'USD'"`
	Status                string          `gorm:"not null"`
	PaymentMethod         string
	StripePaymentIntentID *string `gorm:"index"`
	Description           string
	Metadata              datatypes.JSON
	ProcessedAt           time.Time `gorm:"not null"`
	CreatedAt             time.Time
}

func (FinancialTransaction) TableName() string { return "financial_transactions" }

// WorkoutSession mirrors the workout_sessions table.
type WorkoutSession struct {
	ID              int64     `gorm:"primaryKey"`
	UserID          *int64    `gorm:"index:idx_sessions_user_status,priority:1"`
	TrainerID       *int64    `gorm:"index"`
	Status          string    `gorm:"not null;default:'available';index:idx_sessions_user_status,priority:2"`
	SessionDate     time.Time `gorm:"not null;index"`
	SessionDeducted bool      `gorm:"not null;default:false"`
	DeductionDate   *time.Time
	IsBlocked       bool `gorm:"not null;default:false"`
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (WorkoutSession) TableName() string { return "workout_sessions" }

// Models lists every table managed by the ledger, in migration order.
func Models() []any {
	return []any{
		&User{},
		&StorefrontItem{},
		&ShoppingCart{},
		&CartItem{},
		&Order{},
		&OrderItem{},
		&FinancialTransaction{},
		&WorkoutSession{},
	}
}
