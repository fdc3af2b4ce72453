// Package retry owns every deferred payment retry: stored-method re-charges and provider re-polls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	outcomeSucceeded   = "succeeded"
	outcomeRescheduled = "rescheduled"
	outcomeExhausted   = "exhausted"
	outcomeCancelled   = "cancelled"
	outcomeStale       = "stale"

	metadataRetryID = "retry_id"
	metadataAttempt = "attempt"
	metadataTarget  = "target_reference"
)

// Config tunes the engine. Zero values take defaults.
type Config struct {
	MaxAttempts          int
	MaxTransientFailures int
	BaseDelay            time.Duration
	MaxDelay             time.Duration
	BatchSize            int
	Concurrency          int
	InterAttemptDelay    time.Duration
	StaleAfter           time.Duration
}

func (config Config) withDefaults() Config {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.MaxTransientFailures <= 0 {
		config.MaxTransientFailures = 10
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 5 * time.Minute
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 6 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.InterAttemptDelay < 0 {
		config.InterAttemptDelay = 0
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 30 * time.Minute
	}
	return config
}

// PaymentGateway is the provider surface the engine calls.
type PaymentGateway interface {
	FetchPayment(ctx context.Context, paymentID string) (provider.Payment, error)
	SearchPayment(ctx context.Context, idempotencyKey string) (provider.Payment, error)
	ChargeStoredMethod(ctx context.Context, request provider.ChargeRequest) (provider.Payment, error)
}

// Finalizer mirrors a settled provider payment into the ledger.
type Finalizer interface {
	ApplyPayment(ctx context.Context, payment provider.Payment) error
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc func(ctx context.Context, payment provider.Payment) error

func (fn FinalizerFunc) ApplyPayment(ctx context.Context, payment provider.Payment) error {
	return fn(ctx, payment)
}

// TargetChecker tells whether the intent a charge pays for still needs money.
type TargetChecker interface {
	TargetSettled(ctx context.Context, reference string) (bool, error)
}

// TargetCheckerFunc adapts a function to TargetChecker.
type TargetCheckerFunc func(ctx context.Context, reference string) (bool, error)

func (fn TargetCheckerFunc) TargetSettled(ctx context.Context, reference string) (bool, error) {
	return fn(ctx, reference)
}

// Reviewer opens manual-review items.
type Reviewer interface {
	Open(ctx context.Context, kind review.Kind, subject string, details map[string]string) (review.Item, error)
}

// Observer receives one label per processed record.
type Observer interface {
	ObserveRetry(kind string, outcome string)
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(engine *Engine) {
		engine.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(engine *Engine) {
		if now != nil {
			engine.now = now
		}
	}
}

// WithTargetChecker cancels charge retries whose target was settled by another payment.
func WithTargetChecker(checker TargetChecker) Option {
	return func(engine *Engine) {
		engine.targets = checker
	}
}

// WithSleeper replaces the inter-attempt wait.
func WithSleeper(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(engine *Engine) {
		if sleep != nil {
			engine.sleep = sleep
		}
	}
}

// SweepReport summarizes one Sweep.
type SweepReport struct {
	Recovered   int
	Claimed     int
	Succeeded   int
	Rescheduled int
	Exhausted   int
	Cancelled   int
	Stale       int
}

// Engine is the single retry mechanism for the service.
type Engine struct {
	store     Store
	gateway   PaymentGateway
	finalizer Finalizer
	notifier  notify.Notifier
	reviewer  Reviewer
	targets   TargetChecker
	config    Config
	logger    *zap.Logger
	observer  Observer
	now       func() time.Time
	sleep     func(ctx context.Context, delay time.Duration) error
}

// NewEngine wires an Engine.
func NewEngine(store Store, gateway PaymentGateway, finalizer Finalizer, notifier notify.Notifier, reviewer Reviewer, config Config, options ...Option) (*Engine, error) {
	if store == nil || gateway == nil || finalizer == nil || notifier == nil || reviewer == nil {
		return nil, fmt.Errorf("%w: store, gateway, finalizer, notifier and reviewer are required", ErrInvalidConfig)
	}
	engine := &Engine{
		store:     store,
		gateway:   gateway,
		finalizer: finalizer,
		notifier:  notifier,
		reviewer:  reviewer,
		config:    config.withDefaults(),
		logger:    zap.NewNop(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// EnqueueCharge schedules a stored-method re-charge once per failed provider payment.
func (engine *Engine) EnqueueCharge(ctx context.Context, request ChargeRequest) (Record, error) {
	if strings.TrimSpace(request.PaymentMethodToken) == "" || strings.TrimSpace(request.TargetReference) == "" || request.AmountCents <= 0 {
		return Record{}, fmt.Errorf("%w: charge needs a target, a token and an amount", ErrInvalidRequest)
	}
	dedupeKey := request.ProviderPaymentID
	if dedupeKey == "" {
		dedupeKey = request.TargetReference
	}
	return engine.enqueue(ctx, Record{
		Kind:               KindCharge,
		DedupeKey:          dedupeKey,
		TargetReference:    request.TargetReference,
		BookingID:          request.BookingID,
		ProviderPaymentID:  request.ProviderPaymentID,
		UserID:             request.UserID,
		AmountCents:        request.AmountCents.ToAmountCents(),
		Currency:           request.Currency,
		PaymentMethodToken: request.PaymentMethodToken,
		LastError:          request.Reason,
	})
}

// EnqueueRepoll schedules a provider re-fetch once per payment.
func (engine *Engine) EnqueueRepoll(ctx context.Context, request RepollRequest) (Record, error) {
	if strings.TrimSpace(request.ProviderPaymentID) == "" {
		return Record{}, fmt.Errorf("%w: repoll needs a provider payment id", ErrInvalidRequest)
	}
	return engine.enqueue(ctx, Record{
		Kind:              KindRepoll,
		DedupeKey:         request.ProviderPaymentID,
		TargetReference:   request.TargetReference,
		ProviderPaymentID: request.ProviderPaymentID,
		UserID:            request.UserID,
		LastError:         request.Reason,
	})
}

func (engine *Engine) enqueue(ctx context.Context, record Record) (Record, error) {
	now := engine.now().UTC()
	record.ID = uuid.NewString()
	record.MaxAttempts = engine.config.MaxAttempts
	record.Status = StatusPending
	record.NextRetryAt = now.Add(Backoff(engine.config.BaseDelay, engine.config.MaxDelay, 0))
	record.CreatedAt = now
	record.UpdatedAt = now
	err := engine.store.CreateRecord(ctx, record)
	if errors.Is(err, ErrRecordExists) {
		return engine.store.FindRecord(ctx, record.Kind, record.DedupeKey)
	}
	if err != nil {
		return Record{}, err
	}
	engine.logger.Info("retry scheduled",
		zap.String("retry_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.String("dedupe_key", record.DedupeKey),
		zap.Time("next_retry_at", record.NextRetryAt))
	return record, nil
}

// Sweep recovers stale claims, claims due records and processes them with bounded concurrency.
func (engine *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	now := engine.now().UTC()
	var report SweepReport
	recovered, err := engine.store.RecoverStale(ctx, now.Add(-engine.config.StaleAfter), now)
	if err != nil {
		return report, fmt.Errorf("retry: recover stale: %w", err)
	}
	report.Recovered = recovered
	if recovered > 0 {
		engine.logger.Warn("recovered stale retry claims", zap.Int("count", recovered))
	}
	records, err := engine.store.ClaimDue(ctx, now, engine.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("retry: claim due: %w", err)
	}
	report.Claimed = len(records)

	var reportMu sync.Mutex
	group := &errgroup.Group{}
	group.SetLimit(engine.config.Concurrency)
	for _, record := range records {
		group.Go(func() error {
			outcome := engine.process(ctx, record)
			reportMu.Lock()
			switch outcome {
			case outcomeSucceeded:
				report.Succeeded++
			case outcomeExhausted:
				report.Exhausted++
			case outcomeCancelled:
				report.Cancelled++
			case outcomeStale:
				report.Stale++
			default:
				report.Rescheduled++
			}
			reportMu.Unlock()
			return engine.sleep(ctx, engine.config.InterAttemptDelay)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return report, err
	}
	return report, nil
}

func (engine *Engine) process(ctx context.Context, record Record) string {
	var updated Record
	switch record.Kind {
	case KindCharge:
		updated = engine.processCharge(ctx, record)
	case KindRepoll:
		updated = engine.processRepoll(ctx, record)
	default:
		updated = engine.exhaust(ctx, record, fmt.Sprintf("unknown retry kind %q", record.Kind))
	}
	updated.UpdatedAt = engine.now().UTC()
	if err := engine.store.UpdateClaimed(ctx, updated); err != nil {
		engine.logger.Warn("retry record update failed",
			zap.String("retry_id", record.ID),
			zap.Error(err))
		engine.observe(record.Kind, outcomeStale)
		return outcomeStale
	}
	outcome := outcomeRescheduled
	switch updated.Status {
	case StatusSucceeded:
		outcome = outcomeSucceeded
	case StatusExhausted:
		outcome = outcomeExhausted
	case StatusCancelled:
		outcome = outcomeCancelled
	}
	engine.observe(record.Kind, outcome)
	return outcome
}

func (engine *Engine) processCharge(ctx context.Context, record Record) Record {
	if record.PendingAttemptKey != "" {
		return engine.resolvePendingAttempt(ctx, record)
	}
	if engine.targets != nil {
		settled, err := engine.targets.TargetSettled(ctx, record.TargetReference)
		if err != nil {
			return engine.transientFailure(ctx, record, err)
		}
		if settled {
			return engine.cancel(record, "target settled before the charge")
		}
	}
	amount, err := ledger.NewPositiveAmountCents(record.AmountCents.Int64())
	if err != nil {
		return engine.exhaust(ctx, record, err.Error())
	}
	attempt := record.Attempt + 1
	key := attemptKey(record.ID, attempt)
	payment, err := engine.gateway.ChargeStoredMethod(ctx, provider.ChargeRequest{
		IdempotencyKey:     key,
		AmountCents:        amount,
		Currency:           record.Currency,
		PaymentMethodToken: record.PaymentMethodToken,
		PayerID:            record.UserID,
		Description:        "retry " + record.TargetReference,
		Metadata: map[string]string{
			metadataRetryID: record.ID,
			metadataAttempt: strconv.Itoa(attempt),
			metadataTarget:  record.TargetReference,
		},
	})
	switch {
	case errors.Is(err, provider.ErrUnknownOutcome):
		record.Attempt = attempt
		record.PendingAttemptKey = key
		record.LastError = err.Error()
		return engine.reschedule(record, 0)
	case errors.Is(err, provider.ErrTransientProvider):
		return engine.transientFailure(ctx, record, err)
	case err != nil:
		record.Attempt = attempt
		return engine.failAttempt(ctx, record, err.Error())
	}
	record.Attempt = attempt
	return engine.settleCharge(ctx, record, key, payment)
}

func (engine *Engine) resolvePendingAttempt(ctx context.Context, record Record) Record {
	payment, err := engine.gateway.SearchPayment(ctx, record.PendingAttemptKey)
	if errors.Is(err, provider.ErrPaymentNotFound) {
		record.PendingAttemptKey = ""
		return engine.failAttempt(ctx, record, "charge attempt never reached the provider")
	}
	if err != nil {
		return engine.transientFailure(ctx, record, err)
	}
	return engine.settleCharge(ctx, record, record.PendingAttemptKey, payment)
}

func (engine *Engine) settleCharge(ctx context.Context, record Record, key string, payment provider.Payment) Record {
	switch {
	case payment.Status == provider.StatusApproved:
		record.PendingAttemptKey = ""
		record.ProviderPaymentID = payment.ID
		payment.ExternalReference = record.TargetReference
		if err := engine.finalizer.ApplyPayment(ctx, payment); err != nil {
			// the money moved; mirroring continues as a repoll of the new payment
			engine.logger.Warn("charge succeeded but ledger mirroring failed",
				zap.String("retry_id", record.ID),
				zap.String("payment_id", payment.ID),
				zap.Error(err))
			if _, repollErr := engine.EnqueueRepoll(ctx, RepollRequest{
				ProviderPaymentID: payment.ID,
				TargetReference:   record.TargetReference,
				UserID:            record.UserID,
				Reason:            err.Error(),
			}); repollErr != nil {
				record.PendingAttemptKey = key
				record.LastError = repollErr.Error()
				return engine.reschedule(record, 0)
			}
		}
		record.Status = StatusSucceeded
		record.LastError = ""
		engine.logger.Info("charge retry succeeded",
			zap.String("retry_id", record.ID),
			zap.String("payment_id", payment.ID),
			zap.Int("attempt", record.Attempt))
		return record
	case payment.IsPending():
		record.PendingAttemptKey = key
		record.LastError = "charge " + string(payment.Status)
		return engine.reschedule(record, record.Attempt)
	default:
		record.PendingAttemptKey = ""
		return engine.failAttempt(ctx, record, fmt.Sprintf("charge %s: %s", payment.Status, payment.StatusDetail))
	}
}

func (engine *Engine) processRepoll(ctx context.Context, record Record) Record {
	record.Attempt++
	payment, err := engine.gateway.FetchPayment(ctx, record.ProviderPaymentID)
	if err != nil {
		return engine.failAttempt(ctx, record, err.Error())
	}
	if payment.IsPending() {
		return engine.failAttempt(ctx, record, "payment still "+string(payment.Status))
	}
	if record.TargetReference != "" {
		payment.ExternalReference = record.TargetReference
	}
	if err := engine.finalizer.ApplyPayment(ctx, payment); err != nil {
		return engine.failAttempt(ctx, record, err.Error())
	}
	record.Status = StatusSucceeded
	record.LastError = ""
	return record
}

func (engine *Engine) failAttempt(ctx context.Context, record Record, reason string) Record {
	record.LastError = reason
	if record.Attempt >= record.MaxAttempts {
		return engine.exhaust(ctx, record, reason)
	}
	return engine.reschedule(record, record.Attempt)
}

// transientFailure reschedules without spending an attempt until the outage budget runs out.
func (engine *Engine) transientFailure(ctx context.Context, record Record, err error) Record {
	record.TransientFailures++
	record.LastError = err.Error()
	if record.TransientFailures >= engine.config.MaxTransientFailures {
		return engine.exhaust(ctx, record, "provider unavailable: "+err.Error())
	}
	return engine.reschedule(record, record.Attempt+record.TransientFailures)
}

func (engine *Engine) cancel(record Record, reason string) Record {
	record.Status = StatusCancelled
	record.LastError = reason
	engine.logger.Info("charge retry cancelled",
		zap.String("retry_id", record.ID),
		zap.String("target", record.TargetReference),
		zap.String("reason", reason))
	return record
}

func (engine *Engine) reschedule(record Record, attempt int) Record {
	record.Status = StatusPending
	record.NextRetryAt = engine.now().UTC().Add(Backoff(engine.config.BaseDelay, engine.config.MaxDelay, attempt))
	if record.PendingAttemptKey != "" && attempt == 0 {
		record.NextRetryAt = engine.now().UTC()
	}
	return record
}

func (engine *Engine) exhaust(ctx context.Context, record Record, reason string) Record {
	record.Status = StatusExhausted
	record.LastError = reason
	engine.logger.Error("retry exhausted",
		zap.String("retry_id", record.ID),
		zap.String("kind", string(record.Kind)),
		zap.String("target", record.TargetReference),
		zap.Int("attempts", record.Attempt),
		zap.String("last_error", reason))
	details := map[string]string{
		"kind":       string(record.Kind),
		"target":     record.TargetReference,
		"payment_id": record.ProviderPaymentID,
		"attempts":   strconv.Itoa(record.Attempt),
		"last_error": reason,
	}
	if record.PendingAttemptKey != "" {
		details["pending_attempt_key"] = record.PendingAttemptKey
	}
	if _, err := engine.reviewer.Open(ctx, review.KindRetryExhausted, record.ID, details); err != nil {
		engine.logger.Warn("review item for exhausted retry failed", zap.String("retry_id", record.ID), zap.Error(err))
	}
	if err := engine.notifier.Notify(ctx, notify.Notification{
		Kind:    notify.KindRetryExhausted,
		UserID:  record.UserID,
		Subject: record.ID,
		Data:    details,
	}); err != nil {
		engine.logger.Warn("exhausted retry notification failed", zap.String("retry_id", record.ID), zap.Error(err))
	}
	return record
}

func (engine *Engine) observe(kind Kind, outcome string) {
	if engine.observer != nil {
		engine.observer.ObserveRetry(string(kind), outcome)
	}
}

func attemptKey(retryID string, attempt int) string {
	return retryID + ":" + strconv.Itoa(attempt)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
