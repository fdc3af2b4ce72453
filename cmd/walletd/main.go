package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/config"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Custodial wallet ledger for the rental marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}
	registerConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newServeCommand(cfg),
		newJobCommand(cfg, "sweep-retries", "Run one retry sweep", jobRetrySweep),
		newJobCommand(cfg, "reconcile-payments", "Check open payment intents against the provider", jobPaymentReconciliation),
		newJobCommand(cfg, "distribute-rewards", "Distribute the oldest closed reward pool", jobDistribution),
		newJobCommand(cfg, "disburse-payouts", "Pay pending reward payouts and close finished pools", jobDisbursement),
		newReconcileCommand(cfg),
		newVerifyWalletCommand(cfg),
		newRecordPointsCommand(cfg),
		newRecordContributionCommand(cfg),
		newResolvePayoutCommand(cfg),
		newReviewCommand(cfg),
	)
	return cmd
}

func registerConfigFlags(flags *pflag.FlagSet) {
	flags.String(config.KeyDatabaseURL, "", "postgres:// URL or sqlite path (default sqlite:///tmp/rentalwallet.db)")
	flags.String(config.KeyHTTPListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(config.KeyGRPCListenAddr, "", "gRPC listen address (default :7000)")
	flags.String(config.KeyCurrency, "", "wallet currency (default BRL)")
	flags.String(config.KeyWebhookSecret, "", "payment provider webhook secret (required)")
	flags.Duration(config.KeyWebhookTolerance, 0, "maximum webhook signature age; 0 disables the check")
	flags.String(config.KeyProviderNetworks, "", "comma-separated CIDRs allowed to call the webhook")
	flags.String(config.KeyTrustedProxies, "", "comma-separated proxies trusted for client addresses")
	flags.String(config.KeyProviderBaseURL, "", "payment provider API base URL")
	flags.String(config.KeyProviderToken, "", "payment provider access token (required)")
	flags.Duration(config.KeyProviderTimeout, 0, "payment provider request timeout")
	flags.String(config.KeyRedisAddr, "", "Redis address for shared lock attempt limits; empty keeps them in memory")
	flags.Int(config.KeyLockAttempts, 0, "lock attempts allowed per user per window (default 5)")
	flags.Duration(config.KeyLockWindow, 0, "lock attempt window (default 1m)")
	flags.String(config.KeyKafkaBrokers, "", "comma-separated Kafka brokers; empty logs notifications")
	flags.String(config.KeyKafkaTopic, "", "Kafka notifications topic")
	flags.Int(config.KeyRetryMaxAttempts, 0, "retry attempts before a record is exhausted (default 3)")
	flags.Duration(config.KeyRetryBaseDelay, 0, "first retry backoff (default 5m)")
	flags.Duration(config.KeyRetryMaxDelay, 0, "retry backoff cap (default 6h)")
	flags.Int(config.KeyRetryBatchSize, 0, "retry records claimed per sweep (default 50)")
	flags.Int(config.KeyRetryConcurrency, 0, "retry records processed concurrently (default 4)")
	flags.Duration(config.KeyRetryInterAttemptDelay, 0, "pause between retry attempts per worker")
	flags.Duration(config.KeyRetryStaleAfter, 0, "age after which a claimed retry returns to pending (default 30m)")
	flags.Int(config.KeyRetryMaxTransient, 0, "provider outages tolerated per retry record before it is exhausted (default 10)")
	flags.Duration(config.KeyReconcileStaleAfter, 0, "age after which an open payment intent is checked against the provider (default 30m)")
	flags.Duration(config.KeyReconcileAbandonAfter, 0, "age after which an intent with no provider payment is failed (default 24h)")
	flags.Duration(config.KeyPreauthorizationTTL, 0, "age after which a held preauthorization goes to review (default 168h)")
	flags.String(config.KeyRewardPolicy, "", "unclaimed reward policy: retain or redistribute (default retain)")
	flags.String(config.KeyRewardOwnerCapPercent, "", "maximum pool share per owner in percent (default 15)")
	flags.Int(config.KeyRewardMaxCarsPerOwner, 0, "cars counted per owner (default 5)")
	flags.Bool(config.KeyWalletAPI, false, "serve the session-authenticated wallet API")
	flags.String(config.KeySessionSigningKey, "", "TAuth JWT signing key (required with --wallet-api)")
	flags.String(config.KeySessionIssuer, "", "expected JWT issuer (default tauth)")
	flags.String(config.KeySessionCookieName, "", "JWT cookie name (default app_session)")
	flags.String(config.KeyAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(config.KeyRetrySweepInterval, 0, "retry sweep interval (default 1h)")
	flags.Duration(config.KeyDistributionInterval, 0, "reward distribution check interval (default 24h)")
	flags.Duration(config.KeyDisbursementInterval, 0, "payout disbursement interval (default 24h)")
	flags.Duration(config.KeyReconcileInterval, 0, "payment reconciliation interval (default 15m)")
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}
	if err := v.BindEnv(config.KeyDatabaseURL, config.EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	*cfg = config.FromViper(v)
	return cfg.Validate()
}

// withApplication wires the application for one command and tears it down afterwards.
func withApplication(cmd *cobra.Command, cfg *config.Config, run func(ctx context.Context, app *application) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn("shutdown cleanup failed", zap.Error(closeErr))
		}
	}()
	return run(ctx, app)
}
