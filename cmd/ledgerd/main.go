package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/sessionledger/internal/app"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/sessionledger/internal/scheduler"
	"github.com/MarkoPoloResearchLab/sessionledger/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	envPrefix = "LEDGERD"

	flagDatabaseURL         = "database-url"
	flagStoreBackend        = "store-backend"
	flagHTTPListenAddr      = "http-listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeAPIURL        = "stripe-api-url"
	flagRequestTimeout      = "request-timeout"
	flagDeductionInterval   = "deduction-interval"
	flagDeductionsEnabled   = "deductions-enabled"
	flagOrderNumberNode     = "order-number-node"
	flagOTLPEndpoint        = "otlp-endpoint"
	flagOTLPInsecure        = "otlp-insecure"
	flagLedgerAddr          = "ledger-addr"
	flagUserID              = "user-id"
	flagDevelopmentLogs     = "dev-logs"

	defaultDatabaseURL    = "sqlite:///tmp/sessionledger.db"
	defaultRemoteLedger   = "localhost:7000"
	remoteCallTimeout     = 5 * time.Second
	defaultServiceVersion = "dev"
)

var version = defaultServiceVersion

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Session credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().Bool(flagDevelopmentLogs, false, "Human-readable development logging")
	cmd.AddCommand(newServeCommand(), newDeductCommand(), newMigrateCommand(), newBalanceCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cfg := &app.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and gRPC service and run scheduled deductions",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, *cfg, logger)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func newDeductCommand() *cobra.Command {
	cfg := &app.Config{}
	cmd := &cobra.Command{
		Use:   "deduct",
		Short: "Run one session deduction batch and exit",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			components, err := app.Build(cmd.Context(), *cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = components.Close() }()

			deductions, err := scheduler.NewDeductionScheduler(components.Ledger, logger, cfg.DeductionInterval)
			if err != nil {
				return err
			}
			report := deductions.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d deducted=%d no_credits=%d errors=%d\n",
				report.Processed, report.Deducted, len(report.NoCredits), len(report.Errors))
			return nil
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			bindEnvironment()
			if err := viper.BindPFlag(flagDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
				return err
			}
			if err := viper.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
				return err
			}
			databaseURL := viper.GetString(flagDatabaseURL)
			if databaseURL == "" {
				databaseURL = defaultDatabaseURL
			}
			if err := app.Migrate(cmd.Context(), databaseURL); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return nil
		},
	}
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "Database URL (postgres:// or sqlite://)")
	return cmd
}

func newBalanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Query a user's session balance from a running ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			address, _ := cmd.Flags().GetString(flagLedgerAddr)
			rawUserID, _ := cmd.Flags().GetInt64(flagUserID)
			userID, err := ledger.NewUserID(rawUserID)
			if err != nil {
				return err
			}
			conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("dial ledger: %w", err)
			}
			defer func() { _ = conn.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteCallTimeout)
			defer cancel()
			balance, err := grpcserver.NewClient(conn).Balance(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user=%d available_sessions=%d\n", userID.Int64(), balance)
			return nil
		},
	}
	cmd.Flags().String(flagLedgerAddr, defaultRemoteLedger, "Ledger gRPC address")
	cmd.Flags().Int64(flagUserID, 0, "User id")
	return cmd
}

func addConfigFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "Database URL (postgres:// or sqlite://)")
	flags.String(flagStoreBackend, app.StoreBackendGorm, "Store backend: gorm or pgx")
	flags.String(flagHTTPListenAddr, ":8080", "HTTP listen address")
	flags.String(flagGRPCListenAddr, ":7000", "gRPC listen address")
	flags.String(flagAllowedOrigins, "", "Comma-separated CORS origins")
	flags.String(flagSessionSigningKey, "", "Session JWT signing key")
	flags.String(flagSessionIssuer, "tauth", "Session JWT issuer")
	flags.String(flagSessionCookieName, "app_session", "Session cookie name")
	flags.String(flagStripeSecretKey, "", "Stripe secret key")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret")
	flags.String(flagStripeAPIURL, "", "Override the Stripe API base URL")
	flags.Duration(flagRequestTimeout, 10*time.Second, "Per-request timeout")
	flags.Duration(flagDeductionInterval, 15*time.Minute, "Interval between deduction batches")
	flags.Bool(flagDeductionsEnabled, true, "Run scheduled deductions")
	flags.Int64(flagOrderNumberNode, 1, "Order number generator node (0-1023)")
	flags.String(flagOTLPEndpoint, "", "OTLP/HTTP collector endpoint")
	flags.Bool(flagOTLPInsecure, false, "Use plain HTTP for OTLP")
}

func bindEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func loadConfig(cmd *cobra.Command, cfg *app.Config) error {
	bindEnvironment()
	for _, name := range []string{
		flagDatabaseURL, flagStoreBackend, flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
		flagSessionSigningKey, flagSessionIssuer, flagSessionCookieName,
		flagStripeSecretKey, flagStripeWebhookSecret, flagStripeAPIURL,
		flagRequestTimeout, flagDeductionInterval, flagDeductionsEnabled, flagOrderNumberNode,
		flagOTLPEndpoint, flagOTLPInsecure,
	} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	// Stripe's conventional variable names are honoured alongside the prefixed ones.
	if err := viper.BindEnv(flagStripeSecretKey, envPrefix+"_STRIPE_SECRET_KEY", "STRIPE_SECRET_KEY"); err != nil {
		return err
	}
	if err := viper.BindEnv(flagStripeWebhookSecret, envPrefix+"_STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRET"); err != nil {
		return err
	}
	if err := viper.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	*cfg = app.Config{
		DatabaseURL:         viper.GetString(flagDatabaseURL),
		StoreBackend:        viper.GetString(flagStoreBackend),
		HTTPListenAddr:      viper.GetString(flagHTTPListenAddr),
		GRPCListenAddr:      viper.GetString(flagGRPCListenAddr),
		AllowedOrigins:      app.ParseAllowedOrigins(viper.GetString(flagAllowedOrigins)),
		SessionSigningKey:   viper.GetString(flagSessionSigningKey),
		SessionIssuer:       viper.GetString(flagSessionIssuer),
		SessionCookieName:   viper.GetString(flagSessionCookieName),
		StripeSecretKey:     viper.GetString(flagStripeSecretKey),
		StripeWebhookSecret: viper.GetString(flagStripeWebhookSecret),
		StripeAPIURL:        viper.GetString(flagStripeAPIURL),
		RequestTimeout:      viper.GetDuration(flagRequestTimeout),
		DeductionInterval:   viper.GetDuration(flagDeductionInterval),
		DeductionsEnabled:   viper.GetBool(flagDeductionsEnabled),
		OrderNumberNode:     viper.GetInt64(flagOrderNumberNode),
		ServiceVersion:      version,
		OTLPEndpoint:        viper.GetString(flagOTLPEndpoint),
		OTLPInsecure:        viper.GetBool(flagOTLPInsecure),
	}
	return cfg.Validate()
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	development, _ := cmd.Flags().GetBool(flagDevelopmentLogs)
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}
