// Package app assembles the ledger daemon from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/charge"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/payments"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/scheduler"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/telemetry"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const telemetryShutdownTimeout = 5 * time.Second

// Components are the wired services shared by the daemon and one-shot commands.
type Components struct {
	Database     *Database
	Ledger       *ledger.Service
	Orchestrator *charge.Orchestrator
	Verifier     *payments.WebhookVerifier
	Providers    *telemetry.Providers
}

// Close flushes telemetry and releases database connections.
func (components *Components) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	var shutdownErr error
	if components.Providers != nil {
		shutdownErr = components.Providers.Shutdown(shutdownCtx)
	}
	return errors.Join(shutdownErr, components.Database.Close())
}

// Build opens storage and constructs the ledger, payment, and telemetry components.
func Build(ctx context.Context, cfg Config, logger *zap.Logger) (*Components, error) {
	providers, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, err
	}

	database, err := OpenDatabase(ctx, cfg.DatabaseURL, cfg.StoreBackend)
	if err != nil {
		_ = providers.Shutdown(context.Background())
		return nil, err
	}
	components := &Components{Database: database, Providers: providers}

	operationLogger, err := telemetry.NewZapOperationLogger(logger, providers.MeterProvider.Meter(cfg.ServiceName))
	if err != nil {
		_ = components.Close()
		return nil, err
	}
	orderNumbers, err := ledger.NewOrderNumberGenerator(cfg.OrderNumberNode)
	if err != nil {
		_ = components.Close()
		return nil, fmt.Errorf("order numbers: %w", err)
	}
	ledgerService, err := ledger.NewService(database.Store, func() time.Time { return time.Now().UTC() },
		ledger.WithOperationLogger(operationLogger),
		ledger.WithOrderNumbers(orderNumbers),
	)
	if err != nil {
		_ = components.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	components.Ledger = ledgerService

	gateway, err := payments.NewStripeGateway(cfg.StripeSecretKey, stripeBackends(cfg.StripeAPIURL))
	if err != nil {
		_ = components.Close()
		return nil, fmt.Errorf("stripe gateway: %w", err)
	}
	verifier, err := payments.NewWebhookVerifier(cfg.StripeWebhookSecret)
	if err != nil {
		_ = components.Close()
		return nil, fmt.Errorf("webhook verifier: %w", err)
	}
	components.Verifier = verifier

	orchestrator, err := charge.NewOrchestrator(ledgerService, gateway, logger,
		charge.WithTracer(providers.TracerProvider.Tracer(cfg.ServiceName)),
	)
	if err != nil {
		_ = components.Close()
		return nil, fmt.Errorf("charge orchestrator: %w", err)
	}
	components.Orchestrator = orchestrator
	return components, nil
}

// Run serves HTTP and gRPC and runs the deduction scheduler until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	components, err := Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := components.Close(); closeErr != nil {
			logger.Warn("shutdown cleanup failed", zap.Error(closeErr))
		}
	}()

	router, err := newRouter(cfg, components, logger)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpcserver.NewServer(components.Ledger, logger.Named("grpc"))

	if cfg.DeductionsEnabled {
		deductions, err := scheduler.NewDeductionScheduler(components.Ledger, logger, cfg.DeductionInterval)
		if err != nil {
			_ = listener.Close()
			return err
		}
		deductions.Start(ctx)
		defer deductions.Stop()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Serve(groupCtx, cfg.HTTPListenAddr, router, logger)
	})
	group.Go(func() error {
		return grpcserver.Serve(groupCtx, grpcServer, listener, logger)
	})
	return group.Wait()
}

func newRouter(cfg Config, components *Components, logger *zap.Logger) (*gin.Engine, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler, err := httpapi.NewHandler(logger.Named("http"), components.Ledger, components.Orchestrator, components.Verifier, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return httpapi.NewRouter(httpapi.RouterConfig{
		ServiceName:    cfg.ServiceName,
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, handler, validator), nil
}

func stripeBackends(apiURL string) *stripe.Backends {
	if apiURL == "" {
		return nil
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{URL: stripe.String(apiURL)})
	return &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
}
