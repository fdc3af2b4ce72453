// Package config holds walletd runtime settings, their defaults and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/escrow"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/retry"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/rewards"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/webhook"
)

// Keys double as flag names; env vars use the upper-case form with the WALLETD_ prefix.
const (
	KeyDatabaseURL            = "database-url"
	KeyHTTPListenAddr         = "http-listen-addr"
	KeyGRPCListenAddr         = "grpc-listen-addr"
	KeyCurrency               = "currency"
	KeyWebhookSecret          = "webhook-secret"
	KeyWebhookTolerance       = "webhook-tolerance"
	KeyProviderNetworks       = "provider-networks"
	KeyTrustedProxies         = "trusted-proxies"
	KeyProviderBaseURL        = "provider-base-url"
	KeyProviderToken          = "provider-token"
	KeyProviderTimeout        = "provider-timeout"
	KeyRedisAddr              = "redis-addr"
	KeyLockAttempts           = "lock-attempts"
	KeyLockWindow             = "lock-window"
	KeyKafkaBrokers           = "kafka-brokers"
	KeyKafkaTopic             = "kafka-topic"
	KeyRetryMaxAttempts       = "retry-max-attempts"
	KeyRetryBaseDelay         = "retry-base-delay"
	KeyRetryMaxDelay          = "retry-max-delay"
	KeyRetryBatchSize         = "retry-batch-size"
	KeyRetryConcurrency       = "retry-concurrency"
	KeyRetryInterAttemptDelay = "retry-inter-attempt-delay"
	KeyRetryStaleAfter        = "retry-stale-after"
	KeyRetryMaxTransient      = "retry-max-transient-failures"
	KeyReconcileStaleAfter    = "reconcile-stale-after"
	KeyReconcileAbandonAfter  = "reconcile-abandon-after"
	KeyPreauthorizationTTL    = "preauthorization-ttl"
	KeyRewardPolicy           = "reward-policy"
	KeyRewardOwnerCapPercent  = "reward-owner-cap-percent"
	KeyRewardMaxCarsPerOwner  = "reward-max-cars-per-owner"
	KeyWalletAPI              = "wallet-api"
	KeySessionSigningKey      = "jwt-signing-key"
	KeySessionIssuer          = "jwt-issuer"
	KeySessionCookieName      = "jwt-cookie-name"
	KeyAllowedOrigins         = "allowed-origins"
	KeyRetrySweepInterval     = "retry-sweep-interval"
	KeyDistributionInterval   = "distribution-interval"
	KeyDisbursementInterval   = "disbursement-interval"
	KeyReconcileInterval      = "reconcile-interval"

	EnvPrefix = "WALLETD"

	defaultDatabaseURL          = "sqlite:///tmp/rentalwallet.db"
	defaultHTTPListenAddr       = ":8080"
	defaultGRPCListenAddr       = ":7000"
	defaultCurrency             = "BRL"
	defaultProviderBaseURL      = "https://api.mercadopago.com"
	defaultProviderTimeout      = 10 * time.Second
	defaultLockAttempts         = 5
	defaultLockWindow           = time.Minute
	defaultKafkaTopic           = "wallet-notifications"
	defaultRetryMaxAttempts     = 3
	defaultRetryBaseDelay       = 5 * time.Minute
	defaultRetryMaxDelay        = 6 * time.Hour
	defaultRetryBatchSize       = 50
	defaultRetryConcurrency     = 4
	defaultRetryStaleAfter      = 30 * time.Minute
	defaultRetryMaxTransient    = 10
	defaultReconcileStaleAfter  = 30 * time.Minute
	defaultReconcileAbandon     = 24 * time.Hour
	defaultPreauthorizationTTL  = 7 * 24 * time.Hour
	defaultRewardMaxCars        = 5
	defaultRewardOwnerCap       = "15"
	defaultSessionIssuer        = "tauth"
	defaultSessionCookie        = "app_session"
	defaultRetrySweepInterval   = time.Hour
	defaultDistributionInterval = 24 * time.Hour
	defaultDisbursementInterval = 24 * time.Hour
	defaultReconcileInterval    = 15 * time.Minute
	defaultSQLiteFile           = "rentalwallet.db"
	sqliteBusyTimeoutPragma     = "_pragma=busy_timeout(5000)"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config aggregates runtime settings for walletd.
type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	GRPCListenAddr string
	Currency       string

	WebhookSecret    string
	WebhookTolerance time.Duration
	ProviderNetworks []string
	TrustedProxies   []string

	ProviderBaseURL string
	ProviderToken   string
	ProviderTimeout time.Duration

	RedisAddr    string
	LockAttempts int
	LockWindow   time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	RetryMaxAttempts       int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
	RetryBatchSize         int
	RetryConcurrency       int
	RetryInterAttemptDelay time.Duration
	RetryStaleAfter        time.Duration
	RetryMaxTransient      int

	ReconcileStaleAfter   time.Duration
	ReconcileAbandonAfter time.Duration
	PreauthorizationTTL   time.Duration

	RewardPolicy          string
	RewardOwnerCapPercent string
	RewardMaxCarsPerOwner int

	WalletAPI         bool
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AllowedOrigins    []string

	RetrySweepInterval   time.Duration
	DistributionInterval time.Duration
	DisbursementInterval time.Duration
	ReconcileInterval    time.Duration
}

// FromViper reads every key. List values accept comma-delimited strings.
func FromViper(v *viper.Viper) Config {
	return Config{
		DatabaseURL:            v.GetString(KeyDatabaseURL),
		HTTPListenAddr:         v.GetString(KeyHTTPListenAddr),
		GRPCListenAddr:         v.GetString(KeyGRPCListenAddr),
		Currency:               v.GetString(KeyCurrency),
		WebhookSecret:          v.GetString(KeyWebhookSecret),
		WebhookTolerance:       v.GetDuration(KeyWebhookTolerance),
		ProviderNetworks:       ParseList(v.GetString(KeyProviderNetworks)),
		TrustedProxies:         ParseList(v.GetString(KeyTrustedProxies)),
		ProviderBaseURL:        v.GetString(KeyProviderBaseURL),
		ProviderToken:          v.GetString(KeyProviderToken),
		ProviderTimeout:        v.GetDuration(KeyProviderTimeout),
		RedisAddr:              v.GetString(KeyRedisAddr),
		LockAttempts:           v.GetInt(KeyLockAttempts),
		LockWindow:             v.GetDuration(KeyLockWindow),
		KafkaBrokers:           ParseList(v.GetString(KeyKafkaBrokers)),
		KafkaTopic:             v.GetString(KeyKafkaTopic),
		RetryMaxAttempts:       v.GetInt(KeyRetryMaxAttempts),
		RetryBaseDelay:         v.GetDuration(KeyRetryBaseDelay),
		RetryMaxDelay:          v.GetDuration(KeyRetryMaxDelay),
		RetryBatchSize:         v.GetInt(KeyRetryBatchSize),
		RetryConcurrency:       v.GetInt(KeyRetryConcurrency),
		RetryInterAttemptDelay: v.GetDuration(KeyRetryInterAttemptDelay),
		RetryStaleAfter:        v.GetDuration(KeyRetryStaleAfter),
		RetryMaxTransient:      v.GetInt(KeyRetryMaxTransient),
		ReconcileStaleAfter:    v.GetDuration(KeyReconcileStaleAfter),
		ReconcileAbandonAfter:  v.GetDuration(KeyReconcileAbandonAfter),
		PreauthorizationTTL:    v.GetDuration(KeyPreauthorizationTTL),
		RewardPolicy:           v.GetString(KeyRewardPolicy),
		RewardOwnerCapPercent:  v.GetString(KeyRewardOwnerCapPercent),
		RewardMaxCarsPerOwner:  v.GetInt(KeyRewardMaxCarsPerOwner),
		WalletAPI:              v.GetBool(KeyWalletAPI),
		SessionSigningKey:      v.GetString(KeySessionSigningKey),
		SessionIssuer:          v.GetString(KeySessionIssuer),
		SessionCookieName:      v.GetString(KeySessionCookieName),
		AllowedOrigins:         ParseList(v.GetString(KeyAllowedOrigins)),
		RetrySweepInterval:     v.GetDuration(KeyRetrySweepInterval),
		DistributionInterval:   v.GetDuration(KeyDistributionInterval),
		DisbursementInterval:   v.GetDuration(KeyDisbursementInterval),
		ReconcileInterval:      v.GetDuration(KeyReconcileInterval),
	}
}

// Validate fills defaults and rejects missing secrets and unusable values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.Currency = strings.ToUpper(defaultIfEmpty(cfg.Currency, defaultCurrency))
	cfg.ProviderBaseURL = defaultIfEmpty(cfg.ProviderBaseURL, defaultProviderBaseURL)
	cfg.ProviderTimeout = defaultDuration(cfg.ProviderTimeout, defaultProviderTimeout)
	cfg.LockAttempts = defaultInt(cfg.LockAttempts, defaultLockAttempts)
	cfg.LockWindow = defaultDuration(cfg.LockWindow, defaultLockWindow)
	cfg.KafkaTopic = defaultIfEmpty(cfg.KafkaTopic, defaultKafkaTopic)
	cfg.RetryMaxAttempts = defaultInt(cfg.RetryMaxAttempts, defaultRetryMaxAttempts)
	cfg.RetryBaseDelay = defaultDuration(cfg.RetryBaseDelay, defaultRetryBaseDelay)
	cfg.RetryMaxDelay = defaultDuration(cfg.RetryMaxDelay, defaultRetryMaxDelay)
	cfg.RetryBatchSize = defaultInt(cfg.RetryBatchSize, defaultRetryBatchSize)
	cfg.RetryConcurrency = defaultInt(cfg.RetryConcurrency, defaultRetryConcurrency)
	cfg.RetryStaleAfter = defaultDuration(cfg.RetryStaleAfter, defaultRetryStaleAfter)
	cfg.RetryMaxTransient = defaultInt(cfg.RetryMaxTransient, defaultRetryMaxTransient)
	cfg.ReconcileStaleAfter = defaultDuration(cfg.ReconcileStaleAfter, defaultReconcileStaleAfter)
	cfg.ReconcileAbandonAfter = defaultDuration(cfg.ReconcileAbandonAfter, defaultReconcileAbandon)
	cfg.PreauthorizationTTL = defaultDuration(cfg.PreauthorizationTTL, defaultPreauthorizationTTL)
	cfg.RewardOwnerCapPercent = defaultIfEmpty(cfg.RewardOwnerCapPercent, defaultRewardOwnerCap)
	cfg.RewardMaxCarsPerOwner = defaultInt(cfg.RewardMaxCarsPerOwner, defaultRewardMaxCars)
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.RetrySweepInterval = defaultDuration(cfg.RetrySweepInterval, defaultRetrySweepInterval)
	cfg.DistributionInterval = defaultDuration(cfg.DistributionInterval, defaultDistributionInterval)
	cfg.DisbursementInterval = defaultDuration(cfg.DisbursementInterval, defaultDisbursementInterval)
	cfg.ReconcileInterval = defaultDuration(cfg.ReconcileInterval, defaultReconcileInterval)

	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return fmt.Errorf("%w: webhook secret is required", ErrInvalidConfig)
	}
	if cfg.WebhookTolerance < 0 {
		return fmt.Errorf("%w: webhook tolerance must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ProviderToken) == "" {
		return fmt.Errorf("%w: provider token is required", ErrInvalidConfig)
	}
	if _, err := url.ParseRequestURI(cfg.ProviderBaseURL); err != nil {
		return fmt.Errorf("%w: provider base url: %v", ErrInvalidConfig, err)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("%w: retry max delay is shorter than the base delay", ErrInvalidConfig)
	}
	if cfg.RetryInterAttemptDelay < 0 {
		return fmt.Errorf("%w: retry inter-attempt delay must not be negative", ErrInvalidConfig)
	}
	if cfg.ReconcileAbandonAfter < cfg.ReconcileStaleAfter {
		return fmt.Errorf("%w: reconcile abandon-after is shorter than stale-after", ErrInvalidConfig)
	}
	if _, err := cfg.ShareConfig(); err != nil {
		return err
	}
	if cfg.WalletAPI && len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required when the wallet api is enabled", ErrInvalidConfig)
	}
	if len(cfg.KafkaBrokers) > 0 && strings.TrimSpace(cfg.KafkaTopic) == "" {
		return fmt.Errorf("%w: kafka topic is required", ErrInvalidConfig)
	}
	return nil
}

// ShareConfig builds the reward share parameters.
func (cfg Config) ShareConfig() (rewards.ShareConfig, error) {
	policy, err := rewards.ParseUnclaimedPolicy(cfg.RewardPolicy)
	if err != nil {
		return rewards.ShareConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	capPercent, err := decimal.NewFromString(defaultIfEmpty(cfg.RewardOwnerCapPercent, defaultRewardOwnerCap))
	if err != nil {
		return rewards.ShareConfig{}, fmt.Errorf("%w: owner cap percent: %v", ErrInvalidConfig, err)
	}
	if capPercent.IsNegative() || capPercent.GreaterThan(decimal.NewFromInt(100)) {
		return rewards.ShareConfig{}, fmt.Errorf("%w: owner cap percent must be within 0..100", ErrInvalidConfig)
	}
	return rewards.ShareConfig{
		MaxCarsPerOwner: cfg.RewardMaxCarsPerOwner,
		OwnerCapPercent: capPercent,
		Policy:          policy,
	}, nil
}

func (cfg Config) LimiterConfig() escrow.LimiterConfig {
	return escrow.LimiterConfig{Limit: cfg.LockAttempts, Window: cfg.LockWindow}
}

func (cfg Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:          cfg.RetryMaxAttempts,
		BaseDelay:            cfg.RetryBaseDelay,
		MaxDelay:             cfg.RetryMaxDelay,
		BatchSize:            cfg.RetryBatchSize,
		Concurrency:          cfg.RetryConcurrency,
		InterAttemptDelay:    cfg.RetryInterAttemptDelay,
		StaleAfter:           cfg.RetryStaleAfter,
		MaxTransientFailures: cfg.RetryMaxTransient,
	}
}

// ReconcilerConfig tunes webhook handling and the open-intent reconciliation pass.
func (cfg Config) ReconcilerConfig() webhook.Config {
	return webhook.Config{
		Currency:            cfg.Currency,
		StaleAfter:          cfg.ReconcileStaleAfter,
		AbandonAfter:        cfg.ReconcileAbandonAfter,
		PreauthorizationTTL: cfg.PreauthorizationTTL,
		BatchSize:           cfg.RetryBatchSize,
	}
}

func (cfg Config) ProviderConfig() provider.HTTPConfig {
	return provider.HTTPConfig{
		BaseURL:     cfg.ProviderBaseURL,
		AccessToken: cfg.ProviderToken,
		Timeout:     cfg.ProviderTimeout,
	}
}

// ResolveDatabase maps a database URL to a gormstore driver and DSN. postgres:// URLs pass through;
// sqlite:// URLs and bare paths become SQLite files with a busy timeout.
func ResolveDatabase(databaseURL string) (string, string, error) {
	trimmed := strings.TrimSpace(databaseURL)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return gormstore.DriverPostgres, trimmed, nil
	}
	path := trimmed
	if strings.HasPrefix(trimmed, "sqlite://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("%w: parse sqlite url: %v", ErrInvalidConfig, err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" {
		path = defaultSQLiteFile
	}
	if path == ":memory:" {
		return gormstore.DriverSQLite, path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("%w: sqlite directory: %v", ErrInvalidConfig, err)
	}
	return gormstore.DriverSQLite, path + "?" + sqliteBusyTimeoutPragma, nil
}

// ParseList splits comma-delimited values, dropping blanks.
func ParseList(raw string) []string {
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

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func defaultInt(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func defaultDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
