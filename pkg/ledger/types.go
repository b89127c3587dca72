package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserID identifies a platform user (clients, trainers and admins share the table).
type UserID int64

// CartID identifies a shopping cart.
type CartID int64

// PackageID identifies a storefront package.
type PackageID int64

// SessionID identifies a booked workout session.
type SessionID int64

// OrderID identifies an order.
type OrderID int64

// NewUserID validates a user id.
func NewUserID(raw int64) (UserID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidUserID)
	}
	return UserID(raw), nil
}

// ParseUserID parses a decimal user id.
func ParseUserID(raw string) (UserID, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUserID, raw)
	}
	return NewUserID(value)
}

// Int64 returns the raw identifier.
func (id UserID) Int64() int64 {
	return int64(id)
}

// NewCartID validates a cart id.
func NewCartID(raw int64) (CartID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidCartID)
	}
	return CartID(raw), nil
}

// Int64 returns the raw identifier.
func (id CartID) Int64() int64 {
	return int64(id)
}

// NewPackageID validates a package id.
func NewPackageID(raw int64) (PackageID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive", ErrInvalidPackageID)
	}
	return PackageID(raw), nil
}

// ParsePackageID parses a decimal package id.
func ParsePackageID(raw string) (PackageID, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPackageID, raw)
	}
	return NewPackageID(value)
}

// Int64 returns the raw identifier.
func (id PackageID) Int64() int64 {
	return int64(id)
}

// Int64 returns the raw identifier.
func (id SessionID) Int64() int64 {
	return int64(id)
}

// Int64 returns the raw identifier.
func (id OrderID) Int64() int64 {
	return int64(id)
}

// IdempotencyToken is a client-supplied UUID v4 guarding a manual payment.
type IdempotencyToken struct {
	value string
}

// NewIdempotencyToken validates that raw is a version 4 UUID.
func NewIdempotencyToken(raw string) (IdempotencyToken, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return IdempotencyToken{}, fmt.Errorf("%w: %v", ErrInvalidIdempotencyToken, err)
	}
	if parsed.Version() != 4 {
		return IdempotencyToken{}, fmt.Errorf("%w: expected uuid v4", ErrInvalidIdempotencyToken)
	}
	return IdempotencyToken{value: parsed.String()}, nil
}

// String returns the canonical token.
func (token IdempotencyToken) String() string {
	return token.value
}

// IsZero reports whether the token is unset.
func (token IdempotencyToken) IsZero() bool {
	return token.value == ""
}

// Role is the user role column.
type Role string

const (
	RoleClient  Role = "client"
	RoleUser    Role = "user"
	RoleTrainer Role = "trainer"
	RoleAdmin   Role = "admin"
)

// CanHoldSessions reports whether the role may receive session credits.
func (role Role) CanHoldSessions() bool {
	return role == RoleClient || role == RoleUser
}

// CartStatus is descriptive only; grants are gated by Cart.SessionsGranted.
type CartStatus string

const (
	CartStatusActive         CartStatus = "active"
	CartStatusPendingPayment CartStatus = "pending_payment"
	CartStatusCompleted      CartStatus = "completed"
	CartStatusCancelled      CartStatus = "cancelled"
)

// SessionStatus is the workout session lifecycle.
type SessionStatus string

const (
	SessionStatusAvailable SessionStatus = "available"
	SessionStatusScheduled SessionStatus = "scheduled"
	SessionStatusConfirmed SessionStatus = "confirmed"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// DeductibleSessionStatuses lists statuses whose past sessions consume a credit.
func DeductibleSessionStatuses() []SessionStatus {
	return []SessionStatus{SessionStatusScheduled, SessionStatusConfirmed}
}

// TriggerSource records which path granted a cart. It is informational and never consulted.
type TriggerSource string

const (
	TriggerWebhook       TriggerSource = "webhook"
	TriggerVerifySession TriggerSource = "verify-session"
	TriggerAdmin         TriggerSource = "admin"
)

// ParseTriggerSource validates a trigger source string.
func ParseTriggerSource(raw string) (TriggerSource, error) {
	switch TriggerSource(strings.TrimSpace(raw)) {
	case TriggerWebhook:
		return TriggerWebhook, nil
	case TriggerVerifySession:
		return TriggerVerifySession, nil
	case TriggerAdmin:
		return TriggerAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTriggerSource, raw)
	}
}

// PaymentMethod names how a manual payment was collected.
type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodCheck  PaymentMethod = "check"
	PaymentMethodVenmo  PaymentMethod = "venmo"
	PaymentMethodZelle  PaymentMethod = "zelle"
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodOther  PaymentMethod = "other"
)

// ParsePaymentMethod validates a payment method string.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case PaymentMethodCash, PaymentMethodCheck, PaymentMethodVenmo, PaymentMethodZelle, PaymentMethodStripe, PaymentMethodOther:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, raw)
	}
}

// TransactionStatus is the financial transaction status column.
type TransactionStatus string

const (
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Client is the ledger's view of a user row.
type Client struct {
	ID                UserID
	FirstName         string
	LastName          string
	Email             string
	Role              Role
	AvailableSessions int64
	StripeCustomerID  string
}

// DisplayName joins first and last name, falling back to the email.
func (client Client) DisplayName() string {
	name := strings.TrimSpace(client.FirstName + " " + client.LastName)
	if name == "" {
		return client.Email
	}
	return name
}

// Package is a purchasable storefront item.
type Package struct {
	ID              PackageID
	Name            string
	Description     string
	PackageType     string
	Sessions        int64
	TotalSessions   int64
	Price           decimal.Decimal
	TotalCost       decimal.Decimal
	PricePerSession decimal.Decimal
	IsActive        bool
}

// SessionCount returns the sessions granted per unit, preferring Sessions over TotalSessions.
func (pkg Package) SessionCount() int64 {
	if pkg.Sessions > 0 {
		return pkg.Sessions
	}
	if pkg.TotalSessions > 0 {
		return pkg.TotalSessions
	}
	return 0
}

// ChargeAmount returns the amount billed for one unit.
func (pkg Package) ChargeAmount() decimal.Decimal {
	if pkg.TotalCost.IsPositive() {
		return pkg.TotalCost
	}
	return pkg.Price
}

// UnitPrice returns the price of one session.
func (pkg Package) UnitPrice() decimal.Decimal {
	if pkg.PricePerSession.IsPositive() {
		return pkg.PricePerSession
	}
	sessions := pkg.SessionCount()
	if sessions == 0 {
		return decimal.Zero
	}
	return pkg.ChargeAmount().Div(decimal.NewFromInt(sessions)).Round(2)
}

// AmountInCents converts a currency amount into integer cents.
func AmountInCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// CartLine is one cart item; a nil Package contributes no sessions.
type CartLine struct {
	Quantity int64
	Package  *Package
}

// Cart is a locked shopping cart.
type Cart struct {
	ID              CartID
	UserID          UserID
	Status          CartStatus
	SessionsGranted bool
	Lines           []CartLine
}

// SessionsToGrant sums quantity times per-package sessions.
func (cart Cart) SessionsToGrant() int64 {
	var total int64
	for _, line := range cart.Lines {
		if line.Package == nil || line.Quantity <= 0 {
			continue
		}
		total += line.Quantity * line.Package.SessionCount()
	}
	return total
}

// CartRef addresses a cart together with its owner.
type CartRef struct {
	CartID CartID
	UserID UserID
}

// BookedSession is a workout session that may consume a credit.
type BookedSession struct {
	ID          SessionID
	UserID      UserID
	Status      SessionStatus
	SessionDate time.Time
	Deducted    bool
	Notes       string
}

// OrderSummary describes a previously recorded order.
type OrderSummary struct {
	ID               OrderID
	OrderNumber      string
	PaymentReference string
	CompletedAt      time.Time
}

// LastPackage is the package of a client's latest completed order.
type LastPackage struct {
	Package     Package
	OrderNumber string
	PurchasedAt time.Time
}

// ClientNeedingPayment is a client with no credits but upcoming bookings.
type ClientNeedingPayment struct {
	Client           Client
	UpcomingSessions int64
	NextSessionDate  time.Time
}
