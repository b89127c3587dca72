package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/charge"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const stripeSignatureHeader = "Stripe-Signature"

type chargeCardRequest struct {
	ClientID         int64  `json:"clientId"`
	StorefrontItemID int64  `json:"storefrontItemId"`
	PaymentMethodID  string `json:"paymentMethodId"`
	IdempotencyToken string `json:"idempotencyToken"`
	Force            bool   `json:"force"`
	ForceReason      string `json:"forceReason"`
}

type applyPaymentRequest struct {
	ClientID         int64  `json:"clientId"`
	StorefrontItemID int64  `json:"storefrontItemId"`
	PaymentMethod    string `json:"paymentMethod"`
	PaymentReference string `json:"paymentReference"`
	AdminNotes       string `json:"adminNotes"`
	IdempotencyToken string `json:"idempotencyToken"`
	Force            bool   `json:"force"`
	ForceReason      string `json:"forceReason"`
}

type applyCreditsRequest struct {
	Sessions int64  `json:"sessions"`
	Note     string `json:"note"`
}

type verifySessionRequest struct {
	SessionID string `json:"sessionId"`
}

type paymentMethodPayload struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"expMonth"`
	ExpYear  int64  `json:"expYear"`
}

type grantPayload struct {
	Success          bool  `json:"success"`
	Granted          bool  `json:"granted"`
	SessionsAdded    int64 `json:"sessionsAdded"`
	AlreadyProcessed bool  `json:"alreadyProcessed"`
}

type clientPayload struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	AvailableSessions int64  `json:"availableSessions"`
}

func (handler *Handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.requestTimeout)
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.ledger.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "availableSessions": balance})
}

func (handler *Handler) handleVerifySession(ctx *gin.Context) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	var request verifySessionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.respondError(ctx, fmt.Errorf("%w: expected JSON body", ledger.ErrInvalidInput))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.charges.VerifyCheckoutSession(requestCtx, userID, request.SessionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, toGrantPayload(result))
}

func (handler *Handler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodySize))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(ledger.CodeInvalidInput.String(), "unreadable body"))
		return
	}
	event, err := handler.verifier.Verify(payload, ctx.GetHeader(stripeSignatureHeader))
	if err != nil {
		handler.logger.Warn("webhook rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidSignature, "invalid webhook signature"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.charges.HandleWebhookEvent(requestCtx, event)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"received":         true,
		"sessionsAdded":    result.SessionsAdded,
		"alreadyProcessed": result.AlreadyProcessed,
	})
}

func (handler *Handler) handleChargeCard(ctx *gin.Context) {
	var request chargeCardRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.respondError(ctx, fmt.Errorf("%w: expected JSON body", ledger.ErrInvalidInput))
		return
	}
	token, err := ledger.NewIdempotencyToken(request.IdempotencyToken)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	adminID, _ := sessionUserID(ctx)

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.charges.ChargeCard(requestCtx, charge.Request{
		ClientID:         ledger.UserID(request.ClientID),
		StorefrontItemID: ledger.PackageID(request.StorefrontItemID),
		PaymentMethodID:  request.PaymentMethodID,
		IdempotencyToken: token,
		AdminUserID:      adminID,
		Force:            request.Force,
		ForceReason:      request.ForceReason,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":            true,
		"orderId":            result.Payment.OrderID.Int64(),
		"orderNumber":        result.Payment.OrderNumber,
		"sessionsAdded":      result.Payment.SessionsAdded,
		"previousBalance":    result.Payment.PreviousBalance,
		"newBalance":         result.Payment.NewBalance,
		"packageName":        result.Payment.PackageName,
		"totalAmount":        result.Payment.TotalAmount.StringFixed(2),
		"chargedAmount":      result.ChargedAmount.StringFixed(2),
		"paymentIntentId":    result.PaymentIntentID,
		"paymentMethodLast4": result.PaymentMethodLast4,
		"paymentMethodBrand": result.PaymentMethodBrand,
	})
}

func (handler *Handler) handlePaymentMethods(ctx *gin.Context) {
	clientID, err := ledger.ParseUserID(ctx.Param("clientId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	methods, err := handler.charges.ListPaymentMethods(requestCtx, clientID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]paymentMethodPayload, 0, len(methods.Methods))
	for _, method := range methods.Methods {
		payload = append(payload, paymentMethodPayload{
			ID:       method.ID,
			Brand:    method.Brand,
			Last4:    method.Last4,
			ExpMonth: method.ExpMonth,
			ExpYear:  method.ExpYear,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":           true,
		"paymentMethods":    payload,
		"hasStripeCustomer": methods.HasStripeCustomer,
	})
}

func (handler *Handler) handleApplyPayment(ctx *gin.Context) {
	var request applyPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.respondError(ctx, fmt.Errorf("%w: expected JSON body", ledger.ErrInvalidInput))
		return
	}
	method, err := ledger.ParsePaymentMethod(request.PaymentMethod)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var token ledger.IdempotencyToken
	if request.IdempotencyToken != "" {
		token, err = ledger.NewIdempotencyToken(request.IdempotencyToken)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	adminID, _ := sessionUserID(ctx)

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.ledger.ApplyPackagePayment(requestCtx, ledger.PackagePaymentRequest{
		ClientID:         ledger.UserID(request.ClientID),
		StorefrontItemID: ledger.PackageID(request.StorefrontItemID),
		PaymentMethod:    method,
		PaymentReference: request.PaymentReference,
		AdminNotes:       request.AdminNotes,
		AdminUserID:      adminID,
		IdempotencyToken: token,
		Force:            request.Force,
		ForceReason:      request.ForceReason,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":         true,
		"orderId":         result.OrderID.Int64(),
		"orderNumber":     result.OrderNumber,
		"cartId":          result.CartID.Int64(),
		"sessionsAdded":   result.SessionsAdded,
		"previousBalance": result.PreviousBalance,
		"newBalance":      result.NewBalance,
		"packageName":     result.PackageName,
		"totalAmount":     result.TotalAmount.StringFixed(2),
	})
}

func (handler *Handler) handleApplyCredits(ctx *gin.Context) {
	clientID, err := ledger.ParseUserID(ctx.Param("clientId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request applyCreditsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		handler.respondError(ctx, fmt.Errorf("%w: expected JSON body", ledger.ErrInvalidInput))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	adjustment, err := handler.ledger.ApplyPaymentCredits(requestCtx, clientID, request.Sessions, request.Note)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":         true,
		"sessionsAdded":   adjustment.SessionsAdded,
		"previousBalance": adjustment.PreviousBalance,
		"newBalance":      adjustment.NewBalance,
	})
}

func (handler *Handler) handleLastPackage(ctx *gin.Context) {
	clientID, err := ledger.ParseUserID(ctx.Param("clientId"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	last, found, err := handler.ledger.ClientLastPackage(requestCtx, clientID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if !found {
		ctx.JSON(http.StatusOK, gin.H{"success": true, "package": nil})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"package": gin.H{
			"id":          last.Package.ID.Int64(),
			"name":        last.Package.Name,
			"sessions":    last.Package.SessionCount(),
			"price":       last.Package.ChargeAmount().StringFixed(2),
			"isActive":    last.Package.IsActive,
			"orderNumber": last.OrderNumber,
			"purchasedAt": last.PurchasedAt.Format(time.RFC3339),
		},
	})
}

func (handler *Handler) handleClientsNeedingPayment(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	clients, err := handler.ledger.ClientsNeedingPayment(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(clients))
	for _, entry := range clients {
		payload = append(payload, gin.H{
			"client":           toClientPayload(entry.Client),
			"upcomingSessions": entry.UpcomingSessions,
			"nextSessionDate":  entry.NextSessionDate.Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "clients": payload})
}

func (handler *Handler) handleSessionDeductions(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.ledger.ProcessSessionDeductions(requestCtx)
	if err != nil && !errors.Is(err, context.Canceled) {
		handler.respondError(ctx, err)
		return
	}
	noCredits := make([]gin.H, 0, len(report.NoCredits))
	for _, session := range report.NoCredits {
		noCredits = append(noCredits, gin.H{
			"clientId":   session.ClientID.Int64(),
			"sessionId":  session.SessionID.Int64(),
			"clientName": session.ClientName,
		})
	}
	failures := make([]gin.H, 0, len(report.Errors))
	for _, failure := range report.Errors {
		failures = append(failures, gin.H{"sessionId": failure.SessionID.Int64(), "reason": failure.Reason})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":   true,
		"processed": report.Processed,
		"deducted":  report.Deducted,
		"noCredits": noCredits,
		"errors":    failures,
	})
}

func toGrantPayload(result ledger.GrantResult) grantPayload {
	return grantPayload{
		Success:          true,
		Granted:          result.Granted,
		SessionsAdded:    result.SessionsAdded,
		AlreadyProcessed: result.AlreadyProcessed,
	}
}

func toClientPayload(client ledger.Client) clientPayload {
	return clientPayload{
		ID:                client.ID.Int64(),
		Name:              client.DisplayName(),
		Email:             client.Email,
		AvailableSessions: client.AvailableSessions,
	}
}
