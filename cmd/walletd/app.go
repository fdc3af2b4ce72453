package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/config"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/escrow"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/metrics"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/retry"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/rewards"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/webhook"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

// application holds every wired component; each subcommand uses the parts it needs.
type application struct {
	config      config.Config
	logger      *zap.Logger
	db          *gorm.DB
	metrics     *metrics.Metrics
	ledger      *ledger.Service
	escrow      *escrow.Manager
	provider    *provider.HTTPClient
	reviews     *review.Queue
	reviewStore *gormstore.ReviewStore
	points      *gormstore.PointsStore
	retries     *retry.Engine
	reconciler  *webhook.Reconciler
	distributor *rewards.Distributor
	sessions    *sessionvalidator.Validator
	closers     []func() error
}

func newApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	driver, dsn, err := config.ResolveDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	db, err := gormstore.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app := &application{config: cfg, logger: logger, db: db.WithContext(ctx), metrics: metrics.New()}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	app.closers = append(app.closers, sqlDB.Close)
	if err := gormstore.Migrate(db); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	if err := app.wire(); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (app *application) wire() error {
	cfg := app.config
	logger := app.logger
	clock := func() int64 { return time.Now().UTC().Unix() }

	ledgerService, err := ledger.NewService(gormstore.New(app.db), clock,
		ledger.WithOperationLogger(ledger.CombineOperationLoggers(ledger.NewZapOperationLogger(logger), app.metrics)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	app.ledger = ledgerService

	limiter, err := app.newLimiter()
	if err != nil {
		return err
	}
	app.escrow, err = escrow.NewManager(ledgerService, limiter,
		escrow.WithLogger(logger.Named("escrow")),
		escrow.WithObserver(app.metrics))
	if err != nil {
		return fmt.Errorf("escrow init: %w", err)
	}

	app.provider, err = provider.NewHTTPClient(cfg.ProviderConfig(), nil, logger.Named("provider"))
	if err != nil {
		return fmt.Errorf("provider client init: %w", err)
	}

	app.reviewStore = gormstore.NewReviewStore(app.db)
	app.reviews, err = review.NewQueue(app.reviewStore, logger.Named("review"), nil)
	if err != nil {
		return fmt.Errorf("review queue init: %w", err)
	}

	notifier := app.newNotifier()

	var reconciler *webhook.Reconciler
	finalizer := retry.FinalizerFunc(func(ctx context.Context, payment provider.Payment) error {
		_, err := reconciler.ApplyPayment(ctx, payment)
		return err
	})
	targets := retry.TargetCheckerFunc(func(ctx context.Context, reference string) (bool, error) {
		return reconciler.TargetSettled(ctx, reference)
	})
	app.retries, err = retry.NewEngine(gormstore.NewRetryStore(app.db), app.provider, finalizer, notifier, app.reviews, cfg.RetryConfig(),
		retry.WithLogger(logger.Named("retry")),
		retry.WithObserver(app.metrics),
		retry.WithTargetChecker(targets))
	if err != nil {
		return fmt.Errorf("retry engine init: %w", err)
	}

	verifier, err := webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance, nil)
	if err != nil {
		return fmt.Errorf("webhook verifier init: %w", err)
	}
	intents := gormstore.NewIntentStore(app.db)
	reconciler, err = webhook.NewReconciler(webhook.Dependencies{
		Verifier:      verifier,
		Payments:      app.provider,
		Ledger:        ledgerService,
		Bookings:      intents,
		Deposits:      intents,
		Notifications: intents,
		Retries:       app.retries,
		Reviewer:      app.reviews,
		Notifier:      notifier,
	}, cfg.ReconcilerConfig(),
		webhook.WithLogger(logger.Named("webhook")),
		webhook.WithObserver(app.metrics))
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	app.reconciler = reconciler

	shares, err := cfg.ShareConfig()
	if err != nil {
		return err
	}
	gate, err := rewards.NewReviewGate(app.reviewStore)
	if err != nil {
		return err
	}
	app.points = gormstore.NewPointsStore(app.db)
	app.distributor, err = rewards.NewDistributor(rewards.Dependencies{
		Store:     gormstore.NewRewardStore(app.db),
		Source:    app.points,
		Gate:      gate,
		Transfers: app.provider,
		Ledger:    ledgerService,
		Reviewer:  app.reviews,
		Notifier:  notifier,
	}, rewards.Config{Shares: shares, Currency: cfg.Currency},
		rewards.WithLogger(logger.Named("rewards")),
		rewards.WithObserver(app.metrics))
	if err != nil {
		return fmt.Errorf("distributor init: %w", err)
	}

	if cfg.WalletAPI {
		app.sessions, err = sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return fmt.Errorf("session validator init: %w", err)
		}
	}
	return nil
}

// newLimiter shares lock attempt windows through Redis when configured, else keeps them in memory.
func (app *application) newLimiter() (escrow.AttemptLimiter, error) {
	if app.config.RedisAddr == "" {
		return escrow.NewMemoryLimiter(app.config.LimiterConfig(), nil), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: app.config.RedisAddr})
	app.closers = append(app.closers, client.Close)
	limiter, err := escrow.NewRedisLimiter(client, app.config.LimiterConfig(), "", nil)
	if err != nil {
		return nil, fmt.Errorf("redis limiter init: %w", err)
	}
	return limiter, nil
}

// newNotifier publishes to Kafka when brokers are configured, else logs.
func (app *application) newNotifier() notify.Notifier {
	logger := app.logger.Named("notify")
	if len(app.config.KafkaBrokers) == 0 {
		return notify.NewLogNotifier(logger)
	}
	kafkaNotifier, err := notify.NewKafkaNotifier(notify.NewKafkaWriter(app.config.KafkaBrokers, app.config.KafkaTopic), logger)
	if err != nil {
		logger.Warn("kafka notifier unavailable; logging notifications", zap.Error(err))
		return notify.NewLogNotifier(logger)
	}
	app.closers = append(app.closers, kafkaNotifier.Close)
	return kafkaNotifier
}

// Close releases connections in reverse order of acquisition.
func (app *application) Close() error {
	var errs []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}
