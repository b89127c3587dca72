package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the stable, client-facing classification of a ledger failure.
type ErrorCode string

const (
	CodeClientNotFound          ErrorCode = "CLIENT_NOT_FOUND"
	CodePackageNotFound         ErrorCode = "PACKAGE_NOT_FOUND"
	CodePackageInactive         ErrorCode = "PACKAGE_INACTIVE"
	CodePackageHasNoPrice       ErrorCode = "PACKAGE_HAS_NO_PRICE"
	CodeInvalidRole             ErrorCode = "INVALID_ROLE"
	CodeNoSessionsInPackage     ErrorCode = "NO_SESSIONS_IN_PACKAGE"
	CodeForceReasonRequired     ErrorCode = "FORCE_REASON_REQUIRED"
	CodeDuplicatePaymentWindow  ErrorCode = "DUPLICATE_PAYMENT_WINDOW"
	CodeDuplicateIdempotencyKey ErrorCode = "DUPLICATE_IDEMPOTENCY_KEY"
	CodeModelsUnavailable       ErrorCode = "MODELS_UNAVAILABLE"
	CodeCartNotFound            ErrorCode = "CART_NOT_FOUND"
	CodeInvalidInput            ErrorCode = "INVALID_INPUT"
	CodePaymentNotCompleted     ErrorCode = "PAYMENT_NOT_COMPLETED"
	CodeStripeCustomerNotFound  ErrorCode = "STRIPE_CUSTOMER_NOT_FOUND"
	CodeStripeChargeFailed      ErrorCode = "STRIPE_CHARGE_FAILED"
	CodeStripeOwnershipMismatch ErrorCode = "STRIPE_OWNERSHIP_MISMATCH"
	CodeStripeRefundFailed      ErrorCode = "STRIPE_REFUND_FAILED"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
)

// String returns the raw code.
func (code ErrorCode) String() string {
	return string(code)
}

// CodedError is a business failure carrying an ErrorCode.
type CodedError struct {
	code    ErrorCode
	message string
}

func newCodedError(code ErrorCode, message string) *CodedError {
	return &CodedError{code: code, message: message}
}

// NewCodedError builds a coded failure for callers outside the ledger package.
func NewCodedError(code ErrorCode, message string) *CodedError {
	return newCodedError(code, message)
}

// Error returns the human readable message.
func (codedError *CodedError) Error() string {
	return codedError.message
}

// Code returns the stable error code.
func (codedError *CodedError) Code() ErrorCode {
	return codedError.code
}

// Coded business errors returned by the ledger service.
var (
	ErrClientNotFound          = newCodedError(CodeClientNotFound, "client not found")
	ErrPackageNotFound         = newCodedError(CodePackageNotFound, "package not found")
	ErrPackageInactive         = newCodedError(CodePackageInactive, "package is inactive")
	ErrPackageHasNoPrice       = newCodedError(CodePackageHasNoPrice, "package has no price")
	ErrInvalidRole             = newCodedError(CodeInvalidRole, "user role cannot receive session credits")
	ErrNoSessionsInPackage     = newCodedError(CodeNoSessionsInPackage, "package grants no sessions")
	ErrForceReasonRequired     = newCodedError(CodeForceReasonRequired, "force requires a reason")
	ErrDuplicatePaymentWindow  = newCodedError(CodeDuplicatePaymentWindow, "duplicate payment within window")
	ErrDuplicateIdempotencyKey = newCodedError(CodeDuplicateIdempotencyKey, "duplicate idempotency key")
	ErrModelsUnavailable       = newCodedError(CodeModelsUnavailable, "required ledger tables are unavailable")
	ErrCartNotFound            = newCodedError(CodeCartNotFound, "cart not found")
	ErrInvalidInput            = newCodedError(CodeInvalidInput, "invalid input")
	ErrPaymentNotCompleted     = newCodedError(CodePaymentNotCompleted, "payment not completed")
)

// Validation and wiring errors.
var (
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidCartID           = errors.New("invalid cart id")
	ErrInvalidPackageID        = errors.New("invalid package id")
	ErrInvalidSessionCount     = errors.New("invalid session count")
	ErrInvalidIdempotencyToken = errors.New("invalid idempotency token")
	ErrInvalidTriggerSource    = errors.New("invalid trigger source")
	ErrInvalidPaymentMethod    = errors.New("invalid payment method")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// CodeOf extracts the ErrorCode carried by err. Invalid-input validation errors map to
// CodeInvalidInput; anything else reports false.
func CodeOf(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var codedError *CodedError
	if errors.As(err, &codedError) {
		return codedError.Code(), true
	}
	for _, validationError := range []error{
		ErrInvalidUserID,
		ErrInvalidCartID,
		ErrInvalidPackageID,
		ErrInvalidSessionCount,
		ErrInvalidIdempotencyToken,
		ErrInvalidTriggerSource,
		ErrInvalidPaymentMethod,
	} {
		if errors.Is(err, validationError) {
			return CodeInvalidInput, true
		}
	}
	return "", false
}

// DuplicateWindowError reports a payment rejected by the duplicate window.
type DuplicateWindowError struct {
	Window      time.Duration
	Elapsed     time.Duration
	OrderNumber string
}

func (duplicateError *DuplicateWindowError) Error() string {
	return fmt.Sprintf("%s: order %s applied %s ago (window %s)",
		ErrDuplicatePaymentWindow.Error(),
		duplicateError.OrderNumber,
		duplicateError.Elapsed.Truncate(time.Second),
		duplicateError.Window,
	)
}

// Unwrap exposes the coded sentinel.
func (duplicateError *DuplicateWindowError) Unwrap() error {
	return ErrDuplicatePaymentWindow
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
