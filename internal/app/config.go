package app

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultDatabaseURL       = "sqlite:///tmp/sessionledger.db"
	defaultHTTPListenAddr    = ":8080"
	defaultGRPCListenAddr    = ":7000"
	defaultAllowedOrigin     = "http://localhost:8000"
	defaultSessionIssuer     = "tauth"
	defaultSessionCookie     = "app_session"
	defaultServiceName       = "sessionledger"
	defaultRequestTimeout    = 10 * time.Second
	defaultDeductionInterval = 15 * time.Minute

	// StoreBackendGorm persists through GORM on either SQLite or Postgres.
	StoreBackendGorm = "gorm"
	// StoreBackendPgx persists through a pgx pool; Postgres only.
	StoreBackendPgx = "pgx"
)

// Config aggregates runtime settings for the ledger daemon.
type Config struct {
	DatabaseURL       string
	StoreBackend      string
	HTTPListenAddr    string
	GRPCListenAddr    string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string

	RequestTimeout    time.Duration
	DeductionInterval time.Duration
	DeductionsEnabled bool
	OrderNumberNode   int64

	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	OTLPInsecure   bool
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreBackendGorm))
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.ServiceName = defaultIfEmpty(cfg.ServiceName, defaultServiceName)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.DeductionInterval <= 0 {
		cfg.DeductionInterval = defaultDeductionInterval
	}
	if cfg.OrderNumberNode <= 0 {
		cfg.OrderNumberNode = 1
	}

	if cfg.StoreBackend != StoreBackendGorm && cfg.StoreBackend != StoreBackendPgx {
		return fmt.Errorf("store backend %q is not supported", cfg.StoreBackend)
	}
	if cfg.StoreBackend == StoreBackendPgx && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store backend %q requires a postgres database url", StoreBackendPgx)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if strings.TrimSpace(cfg.StripeSecretKey) == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if strings.TrimSpace(cfg.StripeWebhookSecret) == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
