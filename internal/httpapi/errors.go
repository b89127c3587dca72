package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/charge"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	codeUnauthorized     = "UNAUTHORIZED"
	codeForbidden        = "FORBIDDEN"
	codeInvalidSignature = "INVALID_SIGNATURE"
	internalErrorMessage = "internal error"
)

// statusByCode is the single error-code to HTTP status table.
var statusByCode = map[ledger.ErrorCode]int{
	ledger.CodeClientNotFound:          http.StatusNotFound,
	ledger.CodePackageNotFound:         http.StatusNotFound,
	ledger.CodeCartNotFound:            http.StatusNotFound,
	ledger.CodeStripeCustomerNotFound:  http.StatusNotFound,
	ledger.CodePackageInactive:         http.StatusUnprocessableEntity,
	ledger.CodePackageHasNoPrice:       http.StatusUnprocessableEntity,
	ledger.CodeInvalidRole:             http.StatusUnprocessableEntity,
	ledger.CodeNoSessionsInPackage:     http.StatusUnprocessableEntity,
	ledger.CodeForceReasonRequired:     http.StatusUnprocessableEntity,
	ledger.CodeInvalidInput:            http.StatusUnprocessableEntity,
	ledger.CodeStripeChargeFailed:      http.StatusUnprocessableEntity,
	ledger.CodeDuplicatePaymentWindow:  http.StatusConflict,
	ledger.CodeDuplicateIdempotencyKey: http.StatusConflict,
	ledger.CodeModelsUnavailable:       http.StatusServiceUnavailable,
	ledger.CodeStripeOwnershipMismatch: http.StatusForbidden,
	ledger.CodeStripeRefundFailed:      http.StatusInternalServerError,
	ledger.CodeInternalError:           http.StatusInternalServerError,
	ledger.CodePaymentNotCompleted:     http.StatusBadRequest,
}

// StatusForCode returns the HTTP status for code, defaulting to 500.
func StatusForCode(code ledger.ErrorCode) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type duplicateWindowPayload struct {
	WindowSeconds  int64  `json:"windowSeconds"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
	OrderNumber    string `json:"orderNumber"`
}

type errorPayload struct {
	Success               bool                    `json:"success"`
	Error                 string                  `json:"error"`
	Code                  string                  `json:"code"`
	StripePaymentIntentID string                  `json:"stripePaymentIntentId,omitempty"`
	DuplicateWindow       *duplicateWindowPayload `json:"duplicateWindow,omitempty"`
}

// errorBody classifies err and returns the status and response body for it.
func errorBody(err error) (int, errorPayload) {
	code, ok := ledger.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError, errorPayload{Error: internalErrorMessage, Code: ledger.CodeInternalError.String()}
	}
	payload := errorPayload{Error: err.Error(), Code: code.String()}

	var duplicateError *ledger.DuplicateWindowError
	if errors.As(err, &duplicateError) {
		payload.DuplicateWindow = &duplicateWindowPayload{
			WindowSeconds:  int64(duplicateError.Window.Seconds()),
			ElapsedSeconds: int64(duplicateError.Elapsed.Seconds()),
			OrderNumber:    duplicateError.OrderNumber,
		}
	}
	var refundError *charge.RefundFailedError
	if errors.As(err, &refundError) {
		payload.StripePaymentIntentID = refundError.PaymentIntentID
	}
	return StatusForCode(code), payload
}

func (handler *Handler) respondError(ctx *gin.Context, err error) {
	status, payload := errorBody(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.String("code", payload.Code),
			zap.Error(err),
		)
	}
	ctx.JSON(status, payload)
}

func errorResponse(code string, message string) errorPayload {
	return errorPayload{Error: message, Code: code}
}
