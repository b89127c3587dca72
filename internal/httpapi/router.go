// Package httpapi exposes the session ledger over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/charge"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/payments"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	claimsContextKey   = "auth_claims"
	adminRole          = "admin"
	shutdownTimeout    = 5 * time.Second
	maxWebhookBodySize = 1 << 16
)

// ErrInvalidHandlerConfig is returned when a Handler is missing dependencies.
var ErrInvalidHandlerConfig = errors.New("invalid http handler config")

// Ledger is the ledger surface served over HTTP.
type Ledger interface {
	Balance(ctx context.Context, userID ledger.UserID) (int64, error)
	ApplyPackagePayment(ctx context.Context, request ledger.PackagePaymentRequest) (ledger.PackagePaymentResult, error)
	ApplyPaymentCredits(ctx context.Context, clientID ledger.UserID, sessions int64, note string) (ledger.CreditAdjustment, error)
	ClientsNeedingPayment(ctx context.Context) ([]ledger.ClientNeedingPayment, error)
	ClientLastPackage(ctx context.Context, clientID ledger.UserID) (ledger.LastPackage, bool, error)
	ProcessSessionDeductions(ctx context.Context) (ledger.DeductionReport, error)
}

// Charges is the card-processing surface served over HTTP.
type Charges interface {
	ChargeCard(ctx context.Context, request charge.Request) (charge.Result, error)
	ListPaymentMethods(ctx context.Context, clientID ledger.UserID) (charge.PaymentMethods, error)
	VerifyCheckoutSession(ctx context.Context, userID ledger.UserID, checkoutSessionID string) (ledger.GrantResult, error)
	HandleWebhookEvent(ctx context.Context, event payments.WebhookEvent) (ledger.GrantResult, error)
}

// WebhookVerifier authenticates processor webhooks.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (payments.WebhookEvent, error)
}

// RouterConfig carries the HTTP-facing settings.
type RouterConfig struct {
	ServiceName    string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Handler serves the ledger routes.
type Handler struct {
	logger         *zap.Logger
	ledger         Ledger
	charges        Charges
	verifier       WebhookVerifier
	requestTimeout time.Duration
}

// NewHandler validates dependencies and constructs a Handler.
func NewHandler(logger *zap.Logger, ledgerService Ledger, charges Charges, verifier WebhookVerifier, requestTimeout time.Duration) (*Handler, error) {
	if ledgerService == nil || charges == nil || verifier == nil {
		return nil, ErrInvalidHandlerConfig
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Handler{
		logger:         logger,
		ledger:         ledgerService,
		charges:        charges,
		verifier:       verifier,
		requestTimeout: requestTimeout,
	}, nil
}

// NewRouter wires middleware and routes.
func NewRouter(cfg RouterConfig, handler *Handler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/payments/webhook", handler.handleWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/balance", handler.handleBalance)
	api.POST("/payments/verify-session", handler.handleVerifySession)

	admin := api.Group("/admin")
	admin.Use(requireAdmin)
	admin.POST("/charge-card", handler.handleChargeCard)
	admin.GET("/payment-methods/:clientId", handler.handlePaymentMethods)
	admin.POST("/apply-payment", handler.handleApplyPayment)
	admin.POST("/clients/:clientId/credits", handler.handleApplyCredits)
	admin.GET("/clients/:clientId/last-package", handler.handleLastPackage)
	admin.GET("/clients-needing-payment", handler.handleClientsNeedingPayment)
	admin.POST("/session-deductions", handler.handleSessionDeductions)

	return router
}

// Serve runs router on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, router http.Handler, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requireAdmin(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	if !slices.Contains(claims.GetUserRoles(), adminRole) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(codeForbidden, "admin role required"))
		return
	}
	ctx.Next()
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// sessionUserID resolves the numeric ledger user of the current session.
func sessionUserID(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		return 0, false
	}
	userID, err := ledger.ParseUserID(claims.GetUserID())
	if err != nil {
		return 0, false
	}
	return userID, true
}
