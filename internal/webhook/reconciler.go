// Package webhook turns provider payment notifications into ledger entries. Notifications carry
// only an id; the authoritative payment is always fetched from the provider.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/retry"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	deliveryTypePayment     = "payment"
	deliveryActionPrefix    = "payment."
	metadataTargetReference = "target_reference"
	metadataRetryID         = "retry_id"
	amountToleranceCents    = 1
	defaultFetchTimeout     = 5 * time.Second
	defaultCurrencyCode     = "BRL"
	defaultStaleAfter       = 30 * time.Minute
	defaultAbandonAfter     = 24 * time.Hour
	defaultHoldTTL          = 7 * 24 * time.Hour
	defaultBatchSize        = 50
	rejectedIDPrefix        = "rejected:"
	maxRejectedFieldLength  = 128

	keyDeposit        = "deposit"
	keySubscription   = "subscription"
	keyBookingPayment = "booking-payment"
	keyBookingLock    = "booking-lock"
	keyPreauthDeposit = "preauth-deposit"
	keyPreauthLock    = "preauth-lock"
	keyPreauthRelease = "preauth-release"
	keyCapture        = "capture"
	keyUnlock         = "unlock"
	keyChargeback     = "chargeback"
)

var (
	ErrMissingSignature     = errors.New("webhook: missing signature or request id")
	ErrSignatureInvalid     = errors.New("webhook: invalid signature")
	ErrInvalidConfig        = errors.New("webhook: invalid configuration")
	ErrIntentNotFound       = errors.New("webhook: intent not found")
	ErrIntentExists         = errors.New("webhook: intent exists")
	ErrNotificationExists   = errors.New("webhook: notification exists")
	ErrNotificationNotFound = errors.New("webhook: notification not found")
	ErrStaleState           = errors.New("webhook: stale state")
	ErrIntentSettled        = errors.New("webhook: intent already settled")
	ErrMalformedDelivery    = fmt.Errorf("%w: malformed webhook delivery", ledger.ErrValidation)
	ErrInvalidIntent        = fmt.Errorf("%w: invalid payment intent", ledger.ErrValidation)
)

// Outcome labels how a delivery or payment was handled.
type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUnrecognized Outcome = "unrecognized"
	OutcomePending      Outcome = "pending"
	OutcomeReview       Outcome = "review"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
	OutcomeAbandoned    Outcome = "abandoned"
)

// NotificationState is the lifecycle of one provider notification id.
type NotificationState string

const (
	StateReceived     NotificationState = "received"
	StateVerified     NotificationState = "verified"
	StateMapped       NotificationState = "mapped"
	StateApplied      NotificationState = "applied"
	StateUnrecognized NotificationState = "unrecognized_reference"
	StateIgnored      NotificationState = "ignored"
	// StateRejected records a delivery whose signature failed; nothing about it is trusted.
	StateRejected NotificationState = "signature_rejected"
)

// Terminal reports whether the state never changes again.
func (state NotificationState) Terminal() bool {
	return state == StateApplied || state == StateIgnored || state == StateRejected
}

// Notification is the durable record of one notification id.
type Notification struct {
	ID         string
	PaymentID  string
	RequestID  string
	State      NotificationState
	Outcome    Outcome
	ReceivedAt time.Time
	UpdatedAt  time.Time
}

// NotificationStore persists notifications. Transitions are compare-and-set on state.
type NotificationStore interface {
	CreateNotification(ctx context.Context, notification Notification) error
	GetNotification(ctx context.Context, id string) (Notification, error)
	TransitionNotification(ctx context.Context, id string, from NotificationState, to NotificationState, outcome Outcome, at time.Time) error
}

// Ledger is the part of ledger.Service the reconciler writes through.
type Ledger interface {
	OpenWallet(ctx context.Context, userID ledger.UserID, currency ledger.Currency) (ledger.Wallet, error)
	ApplyEntries(ctx context.Context, inputs []ledger.EntryInput) ([]ledger.AppliedEntry, error)
	ApplyCappedDebit(ctx context.Context, input ledger.EntryInput) (ledger.CappedDebit, error)
	EntryByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, error)
}

// PaymentFetcher reads authoritative payment state. SearchPayment finds the newest payment
// created with reference as external reference.
type PaymentFetcher interface {
	FetchPayment(ctx context.Context, paymentID string) (provider.Payment, error)
	SearchPayment(ctx context.Context, reference string) (provider.Payment, error)
}

// RetryScheduler hands work to the retry engine.
type RetryScheduler interface {
	EnqueueCharge(ctx context.Context, request retry.ChargeRequest) (retry.Record, error)
	EnqueueRepoll(ctx context.Context, request retry.RepollRequest) (retry.Record, error)
}

// Reviewer opens manual-review items.
type Reviewer interface {
	Open(ctx context.Context, kind review.Kind, subject string, details map[string]string) (review.Item, error)
}

// Observer receives one outcome per delivery.
type Observer interface {
	ObserveWebhook(outcome string)
}

// Dependencies are the reconciler's collaborators; all are required.
type Dependencies struct {
	Verifier      *Verifier
	Payments      PaymentFetcher
	Ledger        Ledger
	Bookings      BookingDirectory
	Deposits      DepositIntentStore
	Notifications NotificationStore
	Retries       RetryScheduler
	Reviewer      Reviewer
	Notifier      notify.Notifier
}

// Config tunes the reconciler. StaleAfter, AbandonAfter, PreauthorizationTTL and BatchSize
// drive ReconcileOpenIntents.
type Config struct {
	Currency            string
	FetchTimeout        time.Duration
	StaleAfter          time.Duration
	AbandonAfter        time.Duration
	PreauthorizationTTL time.Duration
	BatchSize           int
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

func WithLogger(logger *zap.Logger) Option {
	return func(reconciler *Reconciler) {
		if logger != nil {
			reconciler.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(reconciler *Reconciler) {
		reconciler.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(reconciler *Reconciler) {
		if now != nil {
			reconciler.now = now
		}
	}
}

// Reconciler verifies deliveries and mirrors provider payments into the ledger.
type Reconciler struct {
	verifier      *Verifier
	payments      PaymentFetcher
	ledger        Ledger
	bookings      BookingDirectory
	deposits      DepositIntentStore
	notifications NotificationStore
	retries       RetryScheduler
	reviewer      Reviewer
	notifier      notify.Notifier
	currency      string
	fetchTimeout  time.Duration
	staleAfter    time.Duration
	abandonAfter  time.Duration
	holdTTL       time.Duration
	batchSize     int
	logger        *zap.Logger
	observer      Observer
	now           func() time.Time
}

// NewReconciler validates dependencies and builds a Reconciler.
func NewReconciler(dependencies Dependencies, config Config, options ...Option) (*Reconciler, error) {
	switch {
	case dependencies.Verifier == nil:
		return nil, fmt.Errorf("%w: verifier is nil", ErrInvalidConfig)
	case dependencies.Payments == nil:
		return nil, fmt.Errorf("%w: payment fetcher is nil", ErrInvalidConfig)
	case dependencies.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case dependencies.Bookings == nil || dependencies.Deposits == nil:
		return nil, fmt.Errorf("%w: intent stores are nil", ErrInvalidConfig)
	case dependencies.Notifications == nil:
		return nil, fmt.Errorf("%w: notification store is nil", ErrInvalidConfig)
	case dependencies.Retries == nil:
		return nil, fmt.Errorf("%w: retry scheduler is nil", ErrInvalidConfig)
	case dependencies.Reviewer == nil || dependencies.Notifier == nil:
		return nil, fmt.Errorf("%w: reviewer and notifier are required", ErrInvalidConfig)
	}
	currency := strings.TrimSpace(config.Currency)
	if currency == "" {
		currency = defaultCurrencyCode
	}
	if _, err := ledger.NewCurrency(currency); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	fetchTimeout := config.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	staleAfter := positiveOr(config.StaleAfter, defaultStaleAfter)
	abandonAfter := positiveOr(config.AbandonAfter, defaultAbandonAfter)
	if abandonAfter < staleAfter {
		return nil, fmt.Errorf("%w: abandon-after %s is shorter than stale-after %s", ErrInvalidConfig, abandonAfter, staleAfter)
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	reconciler := &Reconciler{
		verifier:      dependencies.Verifier,
		payments:      dependencies.Payments,
		ledger:        dependencies.Ledger,
		bookings:      dependencies.Bookings,
		deposits:      dependencies.Deposits,
		notifications: dependencies.Notifications,
		retries:       dependencies.Retries,
		reviewer:      dependencies.Reviewer,
		notifier:      dependencies.Notifier,
		currency:      strings.ToUpper(currency),
		fetchTimeout:  fetchTimeout,
		staleAfter:    staleAfter,
		abandonAfter:  abandonAfter,
		holdTTL:       positiveOr(config.PreauthorizationTTL, defaultHoldTTL),
		batchSize:     batchSize,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Delivery is one inbound notification with its transport headers.
type Delivery struct {
	NotificationID string
	Type           string
	Action         string
	DataID         string
	RequestID      string
	Signature      string
}

type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*id = flexibleID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return err
	}
	*id = flexibleID(number.String())
	return nil
}

type deliveryPayload struct {
	ID     flexibleID `json:"id"`
	Type   string     `json:"type"`
	Action string     `json:"action"`
	Data   struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// ParseDelivery decodes a notification body. The notification id falls back to the request id.
func ParseDelivery(body []byte, requestID string, signature string) (Delivery, error) {
	var payload deliveryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Delivery{}, fmt.Errorf("%w: %v", ErrMalformedDelivery, err)
	}
	delivery := Delivery{
		NotificationID: string(payload.ID),
		Type:           strings.TrimSpace(payload.Type),
		Action:         strings.TrimSpace(payload.Action),
		DataID:         string(payload.Data.ID),
		RequestID:      strings.TrimSpace(requestID),
		Signature:      signature,
	}
	if delivery.Type == "" && strings.HasPrefix(delivery.Action, deliveryActionPrefix) {
		delivery.Type = deliveryTypePayment
	}
	if delivery.NotificationID == "" {
		delivery.NotificationID = delivery.RequestID
	}
	if delivery.DataID == "" {
		return Delivery{}, fmt.Errorf("%w: data.id is empty", ErrMalformedDelivery)
	}
	if delivery.NotificationID == "" {
		return Delivery{}, fmt.Errorf("%w: notification id is empty", ErrMalformedDelivery)
	}
	return delivery, nil
}

// Handle verifies a delivery and reconciles the payment it names. A delivery with a bad
// signature is recorded as rejected and never fetched or applied.
func (reconciler *Reconciler) Handle(ctx context.Context, delivery Delivery) (Outcome, error) {
	if err := reconciler.verifier.Verify(delivery.DataID, delivery.RequestID, delivery.Signature); err != nil {
		reconciler.logger.Warn("webhook signature rejected",
			zap.String("request_id", delivery.RequestID),
			zap.String("data_id", delivery.DataID),
			zap.Error(err))
		reconciler.recordRejected(ctx, delivery)
		reconciler.observe(OutcomeRejected)
		return OutcomeRejected, err
	}
	if delivery.Type != deliveryTypePayment {
		reconciler.logger.Debug("webhook type ignored", zap.String("type", delivery.Type), zap.String("request_id", delivery.RequestID))
		reconciler.observe(OutcomeIgnored)
		return OutcomeIgnored, nil
	}
	outcome, err := reconciler.handleVerified(ctx, delivery)
	if err != nil {
		reconciler.logger.Warn("webhook processing failed",
			zap.String("notification_id", delivery.NotificationID),
			zap.String("payment_id", delivery.DataID),
			zap.Error(err))
		reconciler.observe(OutcomeFailed)
		return OutcomeFailed, err
	}
	reconciler.observe(outcome)
	return outcome, nil
}

func (reconciler *Reconciler) handleVerified(ctx context.Context, delivery Delivery) (Outcome, error) {
	notification, err := reconciler.beginNotification(ctx, delivery)
	if err != nil {
		return "", err
	}
	if notification.State.Terminal() {
		return OutcomeDuplicate, nil
	}
	if notification.State == StateReceived {
		if err := reconciler.advance(ctx, &notification, StateVerified, ""); err != nil {
			return staleOrError(err)
		}
	}

	payment, err := reconciler.fetch(ctx, notification.PaymentID)
	if err != nil {
		return "", err
	}
	target, err := reconciler.resolve(ctx, payment)
	if err != nil {
		return "", err
	}
	if target.empty() {
		return reconciler.ignoreUnrecognized(ctx, &notification, payment)
	}
	if notification.State == StateVerified {
		if err := reconciler.advance(ctx, &notification, StateMapped, ""); err != nil {
			return staleOrError(err)
		}
	}

	outcome, err := reconciler.apply(ctx, target, payment)
	if err != nil {
		reconciler.logger.Warn("ledger mirroring failed; scheduling repoll",
			zap.String("payment_id", payment.ID),
			zap.Error(err))
		if _, scheduleErr := reconciler.retries.EnqueueRepoll(ctx, retry.RepollRequest{
			ProviderPaymentID: payment.ID,
			TargetReference:   target.reference(),
			UserID:            target.userID(),
			Reason:            err.Error(),
		}); scheduleErr != nil {
			return "", errors.Join(err, scheduleErr)
		}
		outcome = OutcomeDeferred
	}
	if err := reconciler.advance(ctx, &notification, StateApplied, outcome); err != nil {
		return staleOrError(err)
	}
	return outcome, nil
}

// recordRejected keeps an audit row for a failed signature. The row gets its own id so a forged
// delivery cannot occupy a genuine notification id.
func (reconciler *Reconciler) recordRejected(ctx context.Context, delivery Delivery) {
	now := reconciler.now().UTC()
	err := reconciler.notifications.CreateNotification(ctx, Notification{
		ID:         rejectedIDPrefix + uuid.NewString(),
		PaymentID:  truncate(delivery.DataID, maxRejectedFieldLength),
		RequestID:  truncate(delivery.RequestID, maxRejectedFieldLength),
		State:      StateRejected,
		Outcome:    OutcomeRejected,
		ReceivedAt: now,
		UpdatedAt:  now,
	})
	if err != nil {
		reconciler.logger.Warn("rejected webhook not recorded",
			zap.String("request_id", delivery.RequestID),
			zap.Error(err))
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

func (reconciler *Reconciler) beginNotification(ctx context.Context, delivery Delivery) (Notification, error) {
	now := reconciler.now().UTC()
	candidate := Notification{
		ID:         delivery.NotificationID,
		PaymentID:  delivery.DataID,
		RequestID:  delivery.RequestID,
		State:      StateReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
	err := reconciler.notifications.CreateNotification(ctx, candidate)
	if errors.Is(err, ErrNotificationExists) {
		return reconciler.notifications.GetNotification(ctx, delivery.NotificationID)
	}
	if err != nil {
		return Notification{}, err
	}
	return candidate, nil
}

func (reconciler *Reconciler) advance(ctx context.Context, notification *Notification, to NotificationState, outcome Outcome) error {
	now := reconciler.now().UTC()
	if err := reconciler.notifications.TransitionNotification(ctx, notification.ID, notification.State, to, outcome, now); err != nil {
		return err
	}
	notification.State = to
	notification.Outcome = outcome
	notification.UpdatedAt = now
	return nil
}

// staleOrError treats a lost transition race as a duplicate: another delivery of the same id finished first.
func staleOrError(err error) (Outcome, error) {
	if errors.Is(err, ErrStaleState) {
		return OutcomeDuplicate, nil
	}
	return "", err
}

func (reconciler *Reconciler) fetch(ctx context.Context, paymentID string) (provider.Payment, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, reconciler.fetchTimeout)
	defer cancel()
	payment, err := reconciler.payments.FetchPayment(fetchCtx, paymentID)
	if errors.Is(err, provider.ErrPaymentNotFound) {
		return provider.Payment{}, fmt.Errorf("%w: payment %s is not visible yet", provider.ErrTransientProvider, paymentID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Payment{}, fmt.Errorf("%w: %v", provider.ErrTransientProvider, err)
	}
	return payment, err
}

func (reconciler *Reconciler) ignoreUnrecognized(ctx context.Context, notification *Notification, payment provider.Payment) (Outcome, error) {
	if notification.State == StateVerified {
		if err := reconciler.advance(ctx, notification, StateUnrecognized, OutcomeUnrecognized); err != nil {
			return staleOrError(err)
		}
	}
	reconciler.flagUnrecognized(ctx, payment)
	if err := reconciler.advance(ctx, notification, StateIgnored, OutcomeUnrecognized); err != nil {
		return staleOrError(err)
	}
	return OutcomeUnrecognized, nil
}

// ApplyPayment mirrors an already fetched payment. Business rejections become review items;
// only infrastructure failures are returned.
func (reconciler *Reconciler) ApplyPayment(ctx context.Context, payment provider.Payment) (Outcome, error) {
	target, err := reconciler.resolve(ctx, payment)
	if err != nil {
		return "", err
	}
	if target.empty() {
		reconciler.flagUnrecognized(ctx, payment)
		return OutcomeUnrecognized, nil
	}
	return reconciler.apply(ctx, target, payment)
}

type target struct {
	booking *BookingIntent
	deposit *DepositIntent
}

func (target target) empty() bool {
	return target.booking == nil && target.deposit == nil
}

func (target target) reference() string {
	if target.booking != nil {
		return target.booking.IntentID
	}
	if target.deposit != nil {
		return target.deposit.IntentID
	}
	return ""
}

func (target target) userID() string {
	if target.booking != nil {
		return target.booking.RenterID
	}
	if target.deposit != nil {
		return target.deposit.UserID
	}
	return ""
}

// resolve looks the payment's reference up as a booking first, then as a wallet top-up.
func (reconciler *Reconciler) resolve(ctx context.Context, payment provider.Payment) (target, error) {
	references := []string{strings.TrimSpace(payment.ExternalReference)}
	if fromRetry := strings.TrimSpace(payment.Metadata[metadataTargetReference]); fromRetry != "" {
		references = append(references, fromRetry)
	}
	for _, reference := range references {
		if reference == "" {
			continue
		}
		booking, err := reconciler.bookings.FindBookingIntent(ctx, reference)
		if err == nil {
			return target{booking: &booking}, nil
		}
		if !errors.Is(err, ErrIntentNotFound) {
			return target{}, err
		}
		deposit, err := reconciler.deposits.FindDepositIntent(ctx, reference)
		if err == nil {
			return target{deposit: &deposit}, nil
		}
		if !errors.Is(err, ErrIntentNotFound) {
			return target{}, err
		}
	}
	return target{}, nil
}

func (reconciler *Reconciler) flagUnrecognized(ctx context.Context, payment provider.Payment) {
	reconciler.logger.Warn("payment reference not recognized",
		zap.String("payment_id", payment.ID),
		zap.String("external_reference", payment.ExternalReference))
	reconciler.openReview(ctx, review.KindUnrecognizedPayment, payment.ID, map[string]string{
		"external_reference": payment.ExternalReference,
		"status":             string(payment.Status),
		"amount_cents":       strconv.FormatInt(payment.AmountCents.Int64(), 10),
	})
}

func (reconciler *Reconciler) apply(ctx context.Context, target target, payment provider.Payment) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)
	if target.booking != nil {
		outcome, err = reconciler.applyBooking(ctx, *target.booking, payment)
	} else {
		outcome, err = reconciler.applyDeposit(ctx, *target.deposit, payment)
	}
	if err != nil && isBusinessError(err) {
		reconciler.logger.Error("ledger rejected provider payment",
			zap.String("payment_id", payment.ID),
			zap.String("reference", target.reference()),
			zap.Error(err))
		reconciler.openReview(ctx, review.KindLedgerRejected, payment.ID, map[string]string{
			"reference": target.reference(),
			"status":    string(payment.Status),
			"error":     err.Error(),
		})
		return OutcomeReview, nil
	}
	return outcome, err
}

func isBusinessError(err error) bool {
	return errors.Is(err, ledger.ErrValidation) ||
		errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrDuplicateEntry) ||
		errors.Is(err, ledger.ErrEntrySettled)
}

func (reconciler *Reconciler) applyBooking(ctx context.Context, intent BookingIntent, payment provider.Payment) (Outcome, error) {
	if intent.Status.Settled() && !redeliversSettlement(intent.ProviderPaymentID, intent.Status == BookingIntentCancelled, payment) {
		return reconciler.afterSettlement(ctx, intent.IntentID, string(intent.Status), intent.ProviderPaymentID, intent.RenterID, intent.Currency, payment)
	}
	preauthorized := intent.Preauthorization || intent.Status == BookingIntentAuthorized
	switch {
	case payment.Status == provider.StatusChargedBack:
		return reconciler.applyChargeback(ctx, intent.RenterID, intent.Currency, payment)
	case payment.IsPending():
		return OutcomePending, nil
	case payment.Status == provider.StatusAuthorized:
		if mismatch := reconciler.checkAmount(ctx, intent.IntentID, intent.AmountCents, payment); mismatch {
			return OutcomeReview, nil
		}
		if _, err := reconciler.mirrorPreauthorization(ctx, intent, payment); err != nil {
			return "", err
		}
		reconciler.transitionBooking(ctx, intent, BookingIntentAuthorized, payment.ID)
		return OutcomeApplied, nil
	case payment.Status == provider.StatusApproved && preauthorized:
		if mismatch := reconciler.checkAmount(ctx, intent.IntentID, intent.AmountCents, payment); mismatch {
			return OutcomeReview, nil
		}
		if err := reconciler.capturePreauthorization(ctx, intent, payment); err != nil {
			return "", err
		}
		reconciler.transitionBooking(ctx, intent, BookingIntentCaptured, payment.ID)
		return OutcomeApplied, nil
	case payment.Status == provider.StatusApproved:
		if mismatch := reconciler.checkAmount(ctx, intent.IntentID, intent.AmountCents, payment); mismatch {
			return OutcomeReview, nil
		}
		if err := reconciler.lockBookingPayment(ctx, intent, payment); err != nil {
			return "", err
		}
		reconciler.transitionBooking(ctx, intent, BookingIntentCaptured, payment.ID)
		return OutcomeApplied, nil
	case isReleased(payment.Status) && preauthorized:
		if err := reconciler.releasePreauthorization(ctx, intent, payment); err != nil {
			return "", err
		}
		reconciler.transitionBooking(ctx, intent, BookingIntentCancelled, payment.ID)
		return OutcomeApplied, nil
	case payment.Status == provider.StatusRejected || payment.Status == provider.StatusCancelled:
		reconciler.transitionBooking(ctx, intent, BookingIntentFailed, payment.ID)
		if err := reconciler.scheduleRecharge(ctx, payment, intent.IntentID, intent.BookingID, intent.RenterID, intent.AmountCents, intent.Currency, intent.PaymentMethodToken); err != nil {
			return "", err
		}
		return OutcomeApplied, nil
	default:
		reconciler.logger.Info("payment status needs no ledger change",
			zap.String("payment_id", payment.ID),
			zap.String("status", string(payment.Status)))
		return OutcomeIgnored, nil
	}
}

func (reconciler *Reconciler) applyDeposit(ctx context.Context, intent DepositIntent, payment provider.Payment) (Outcome, error) {
	if intent.Status.Settled() && !redeliversSettlement(intent.ProviderPaymentID, false, payment) {
		return reconciler.afterSettlement(ctx, intent.IntentID, string(intent.Status), intent.ProviderPaymentID, intent.UserID, intent.Currency, payment)
	}
	switch {
	case payment.Status == provider.StatusChargedBack:
		return reconciler.applyChargeback(ctx, intent.UserID, intent.Currency, payment)
	case payment.IsPending():
		return OutcomePending, nil
	case payment.Status == provider.StatusApproved:
		if mismatch := reconciler.checkAmount(ctx, intent.IntentID, intent.AmountCents, payment); mismatch {
			return OutcomeReview, nil
		}
		if err := reconciler.creditDeposit(ctx, intent, payment); err != nil {
			return "", err
		}
		reconciler.transitionDeposit(ctx, intent, DepositIntentCompleted, payment.ID)
		return OutcomeApplied, nil
	case payment.Status == provider.StatusRejected || payment.Status == provider.StatusCancelled:
		reconciler.transitionDeposit(ctx, intent, DepositIntentFailed, payment.ID)
		if err := reconciler.scheduleRecharge(ctx, payment, intent.IntentID, "", intent.UserID, intent.AmountCents, intent.Currency, intent.PaymentMethodToken); err != nil {
			return "", err
		}
		return OutcomeApplied, nil
	default:
		reconciler.logger.Info("payment status needs no ledger change",
			zap.String("payment_id", payment.ID),
			zap.String("status", string(payment.Status)))
		return OutcomeIgnored, nil
	}
}

// redeliversSettlement reports whether payment repeats the provider state that settled an intent.
// Its ledger entries already exist, so replaying it is a no-op.
func redeliversSettlement(settledBy string, released bool, payment provider.Payment) bool {
	if payment.ID != settledBy {
		return false
	}
	if released {
		return isReleased(payment.Status)
	}
	return payment.Status == provider.StatusApproved
}

// afterSettlement handles a payment for an intent whose outcome is final. A chargeback still
// debits the payer. Money received a second time, or a settling payment reported as failed,
// goes to an operator; anything else is ignored.
func (reconciler *Reconciler) afterSettlement(ctx context.Context, intentID string, status string, settledBy string, userID string, currency string, payment provider.Payment) (Outcome, error) {
	switch {
	case payment.Status == provider.StatusChargedBack:
		return reconciler.applyChargeback(ctx, userID, currency, payment)
	case payment.ID == settledBy && isReleased(payment.Status):
		reconciler.logger.Error("settling payment reported as failed",
			zap.String("payment_id", payment.ID),
			zap.String("intent_id", intentID),
			zap.String("intent_status", status),
			zap.String("status", string(payment.Status)))
		reconciler.openReview(ctx, review.KindLedgerRejected, payment.ID, map[string]string{
			"reference": intentID,
			"status":    string(payment.Status),
			"error":     fmt.Sprintf("%v: intent is %s", ErrIntentSettled, status),
		})
		return OutcomeReview, nil
	case payment.Status == provider.StatusApproved || (payment.Status == provider.StatusAuthorized && payment.ID != settledBy):
		reconciler.logger.Error("payment received for a settled intent",
			zap.String("payment_id", payment.ID),
			zap.String("intent_id", intentID),
			zap.String("intent_status", status),
			zap.String("settled_by", settledBy))
		reconciler.openReview(ctx, review.KindDuplicatePayment, payment.ID, map[string]string{
			"intent_id":     intentID,
			"intent_status": status,
			"settled_by":    settledBy,
			"status":        string(payment.Status),
			"amount_cents":  strconv.FormatInt(payment.AmountCents.Int64(), 10),
		})
		return OutcomeReview, nil
	default:
		reconciler.logger.Info("payment for a settled intent needs no ledger change",
			zap.String("payment_id", payment.ID),
			zap.String("intent_id", intentID),
			zap.String("intent_status", status),
			zap.String("status", string(payment.Status)))
		return OutcomeIgnored, nil
	}
}

// TargetSettled reports whether the intent behind reference no longer needs a charge.
// Unknown references need none either.
func (reconciler *Reconciler) TargetSettled(ctx context.Context, reference string) (bool, error) {
	target, err := reconciler.resolve(ctx, provider.Payment{ExternalReference: reference})
	if err != nil {
		return false, err
	}
	switch {
	case target.booking != nil:
		return target.booking.Status.Settled() || target.booking.Status == BookingIntentAuthorized, nil
	case target.deposit != nil:
		return target.deposit.Status.Settled(), nil
	default:
		return true, nil
	}
}

func isReleased(status provider.PaymentStatus) bool {
	return status == provider.StatusCancelled || status == provider.StatusRejected || status == provider.StatusExpired
}

func (reconciler *Reconciler) checkAmount(ctx context.Context, intentID string, expected ledger.PositiveAmountCents, payment provider.Payment) bool {
	difference := payment.AmountCents.Int64() - expected.Int64()
	if difference < 0 {
		difference = -difference
	}
	if difference <= amountToleranceCents {
		return false
	}
	reconciler.logger.Error("payment amount differs from intent",
		zap.String("payment_id", payment.ID),
		zap.String("intent_id", intentID),
		zap.Int64("expected_cents", expected.Int64()),
		zap.Int64("received_cents", payment.AmountCents.Int64()))
	reconciler.openReview(ctx, review.KindAmountMismatch, payment.ID, map[string]string{
		"intent_id":      intentID,
		"expected_cents": strconv.FormatInt(expected.Int64(), 10),
		"received_cents": strconv.FormatInt(payment.AmountCents.Int64(), 10),
	})
	return true
}

func (reconciler *Reconciler) creditDeposit(ctx context.Context, intent DepositIntent, payment provider.Payment) error {
	wallet, err := reconciler.wallet(ctx, intent.UserID, intent.Currency)
	if err != nil {
		return err
	}
	input := ledger.EntryInput{WalletID: wallet.WalletID, Type: ledger.EntryDeposit}
	keyPrefix := keyDeposit
	if intent.Purpose == PurposeSubscription {
		input.Type = ledger.EntryCreditGrant
		input.CreditBucket = ledger.CreditBucketSubscription
		keyPrefix = keySubscription
	}
	built, err := paymentEntry(input, keyPrefix, ledger.ReferenceDeposit, intent.IntentID, payment)
	if err != nil {
		return err
	}
	_, err = reconciler.ledger.ApplyEntries(ctx, []ledger.EntryInput{built})
	return err
}

func (reconciler *Reconciler) lockBookingPayment(ctx context.Context, intent BookingIntent, payment provider.Payment) error {
	wallet, err := reconciler.wallet(ctx, intent.RenterID, intent.Currency)
	if err != nil {
		return err
	}
	deposit, err := paymentEntry(ledger.EntryInput{WalletID: wallet.WalletID, Type: ledger.EntryDeposit}, keyBookingPayment, ledger.ReferenceBooking, intent.BookingID, payment)
	if err != nil {
		return err
	}
	lock, err := paymentEntry(ledger.EntryInput{WalletID: wallet.WalletID, Type: ledger.EntryLock}, keyBookingLock, ledger.ReferenceBooking, intent.BookingID, payment)
	if err != nil {
		return err
	}
	_, err = reconciler.ledger.ApplyEntries(ctx, []ledger.EntryInput{deposit, lock})
	return err
}

// mirrorPreauthorization records the provider hold as a deposit immediately locked for the booking.
func (reconciler *Reconciler) mirrorPreauthorization(ctx context.Context, intent BookingIntent, payment provider.Payment) (ledger.Entry, error) {
	wallet, err := reconciler.wallet(ctx, intent.RenterID, intent.Currency)
	if err != nil {
		return ledger.Entry{}, err
	}
	deposit, err := paymentEntry(ledger.EntryInput{WalletID: wallet.WalletID, Type: ledger.EntryDeposit}, keyPreauthDeposit, ledger.ReferenceBooking, intent.BookingID, payment)
	if err != nil {
		return ledger.Entry{}, err
	}
	lock, err := paymentEntry(ledger.EntryInput{WalletID: wallet.WalletID, Type: ledger.EntryLock}, keyPreauthLock, ledger.ReferenceBooking, intent.BookingID, payment)
	if err != nil {
		return ledger.Entry{}, err
	}
	applied, err := reconciler.ledger.ApplyEntries(ctx, []ledger.EntryInput{deposit, lock})
	if err != nil {
		return ledger.Entry{}, err
	}
	return applied[1].Entry, nil
}

func (reconciler *Reconciler) capturePreauthorization(ctx context.Context, intent BookingIntent, payment provider.Payment) error {
	lockEntry, err := reconciler.mirrorPreauthorization(ctx, intent, payment)
	if err != nil {
		return err
	}
	capture, err := settlingEntry(lockEntry, ledger.EntryCapture, keyCapture)
	if err != nil {
		return err
	}
	_, err = reconciler.ledger.ApplyEntries(ctx, []ledger.EntryInput{capture})
	return err
}

func (reconciler *Reconciler) releasePreauthorization(ctx context.Context, intent BookingIntent, payment provider.Payment) error {
	lockKey, err := ledger.DeriveIdempotencyKey(keyPreauthLock, payment.ID)
	if err != nil {
		return err
	}
	lockEntry, err := reconciler.ledger.EntryByIdempotencyKey(ctx, lockKey)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		// the hold was never mirrored, so there is nothing to give back
		return nil
	}
	if err != nil {
		return err
	}
	unlock, err := settlingEntry(lockEntry, ledger.EntryUnlock, keyUnlock)
	if err != nil {
		return err
	}
	releaseKey, err := ledger.DeriveIdempotencyKey(keyPreauthRelease, payment.ID)
	if err != nil {
		return err
	}
	withdrawal := ledger.EntryInput{
		WalletID:       lockEntry.WalletID,
		Type:           ledger.EntryWithdrawal,
		Amount:         lockEntry.Amount,
		Reference:      lockEntry.Reference,
		IdempotencyKey: releaseKey,
		Metadata:       ledger.MetadataFromMap(map[string]string{"provider_payment_id": payment.ID, "intent_id": intent.IntentID}),
	}
	_, err = reconciler.ledger.ApplyEntries(ctx, []ledger.EntryInput{unlock, withdrawal})
	return err
}

// applyChargeback debits the payer's guarantee fund up to its balance and flags any shortfall.
// The fund is read and debited in one ledger transaction.
func (reconciler *Reconciler) applyChargeback(ctx context.Context, userID string, currency string, payment provider.Payment) (Outcome, error) {
	key, err := ledger.DeriveIdempotencyKey(keyChargeback, payment.ID)
	if err != nil {
		return "", err
	}
	if _, err := reconciler.ledger.EntryByIdempotencyKey(ctx, key); err == nil {
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, ledger.ErrEntryNotFound) {
		return "", err
	}
	owed, err := ledger.NewPositiveAmountCents(payment.AmountCents.Int64())
	if err != nil {
		return "", err
	}
	wallet, err := reconciler.wallet(ctx, userID, currency)
	if err != nil {
		return "", err
	}
	reference, err := ledger.NewReference(ledger.ReferenceChargeback, payment.ID)
	if err != nil {
		return "", err
	}
	result, err := reconciler.ledger.ApplyCappedDebit(ctx, ledger.EntryInput{
		WalletID:       wallet.WalletID,
		Type:           ledger.EntryChargeback,
		Amount:         owed,
		CreditBucket:   ledger.CreditBucketGuaranteeFund,
		Reference:      reference,
		IdempotencyKey: key,
		Metadata:       ledger.MetadataFromMap(map[string]string{"owed_cents": strconv.FormatInt(owed.Int64(), 10)}),
	})
	if err != nil {
		return "", err
	}
	if result.Applied.Replayed {
		return OutcomeDuplicate, nil
	}
	debit := result.Debited.Int64()
	shortfall := owed.Int64() - debit
	if shortfall <= 0 {
		return OutcomeApplied, nil
	}
	details := map[string]string{
		"user_id":         userID,
		"owed_cents":      strconv.FormatInt(owed.Int64(), 10),
		"debited_cents":   strconv.FormatInt(debit, 10),
		"shortfall_cents": strconv.FormatInt(shortfall, 10),
	}
	reconciler.logger.Error("chargeback exceeds guarantee fund",
		zap.String("payment_id", payment.ID),
		zap.String("user_id", userID),
		zap.Int64("shortfall_cents", shortfall))
	reconciler.openReview(ctx, review.KindChargebackShortfall, payment.ID, details)
	if err := reconciler.notifier.Notify(ctx, notify.Notification{
		Kind:    notify.KindChargebackShortfall,
		Subject: payment.ID,
		Data:    details,
	}); err != nil {
		reconciler.logger.Warn("chargeback shortfall notification failed", zap.String("payment_id", payment.ID), zap.Error(err))
	}
	return OutcomeReview, nil
}

// scheduleRecharge hands a recoverable rejection to the retry engine. Rejections of the engine's
// own charges are already counted by the record that made them.
func (reconciler *Reconciler) scheduleRecharge(ctx context.Context, payment provider.Payment, intentID string, bookingID string, userID string, amount ledger.PositiveAmountCents, currency string, token string) error {
	if !payment.IsRecoverableRejection() || strings.TrimSpace(token) == "" {
		return nil
	}
	if payment.Metadata[metadataRetryID] != "" {
		return nil
	}
	record, err := reconciler.retries.EnqueueCharge(ctx, retry.ChargeRequest{
		TargetReference:    intentID,
		BookingID:          bookingID,
		ProviderPaymentID:  payment.ID,
		UserID:             userID,
		AmountCents:        amount,
		Currency:           currency,
		PaymentMethodToken: token,
		Reason:             payment.StatusDetail,
	})
	if err != nil {
		return err
	}
	reconciler.logger.Info("recoverable rejection scheduled for retry",
		zap.String("payment_id", payment.ID),
		zap.String("intent_id", intentID),
		zap.String("retry_id", record.ID))
	return nil
}

func (reconciler *Reconciler) wallet(ctx context.Context, rawUserID string, rawCurrency string) (ledger.Wallet, error) {
	userID, err := ledger.NewUserID(rawUserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	currency, err := ledger.NewCurrency(defaultCurrency(rawCurrency, reconciler.currency))
	if err != nil {
		return ledger.Wallet{}, err
	}
	return reconciler.ledger.OpenWallet(ctx, userID, currency)
}

func (reconciler *Reconciler) transitionBooking(ctx context.Context, intent BookingIntent, to BookingIntentStatus, paymentID string) {
	if intent.Status == to {
		return
	}
	if err := reconciler.bookings.TransitionBookingIntent(ctx, intent.IntentID, intent.Status, to, paymentID, reconciler.now().UTC()); err != nil {
		reconciler.logger.Warn("booking intent transition skipped",
			zap.String("intent_id", intent.IntentID),
			zap.String("from", string(intent.Status)),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

func (reconciler *Reconciler) transitionDeposit(ctx context.Context, intent DepositIntent, to DepositIntentStatus, paymentID string) {
	if intent.Status == to {
		return
	}
	if err := reconciler.deposits.TransitionDepositIntent(ctx, intent.IntentID, intent.Status, to, paymentID, reconciler.now().UTC()); err != nil {
		reconciler.logger.Warn("deposit intent transition skipped",
			zap.String("intent_id", intent.IntentID),
			zap.String("from", string(intent.Status)),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

func (reconciler *Reconciler) openReview(ctx context.Context, kind review.Kind, subject string, details map[string]string) {
	if _, err := reconciler.reviewer.Open(ctx, kind, subject, details); err != nil {
		reconciler.logger.Error("manual review item not recorded",
			zap.String("kind", string(kind)),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (reconciler *Reconciler) observe(outcome Outcome) {
	if reconciler.observer != nil {
		reconciler.observer.ObserveWebhook(string(outcome))
	}
}

// paymentEntry fills amount, reference, key and metadata of input from a provider payment.
func paymentEntry(input ledger.EntryInput, keyPrefix string, referenceType ledger.ReferenceType, referenceID string, payment provider.Payment) (ledger.EntryInput, error) {
	amount, err := ledger.NewPositiveAmountCents(payment.AmountCents.Int64())
	if err != nil {
		return ledger.EntryInput{}, err
	}
	reference, err := ledger.NewReference(referenceType, referenceID)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	key, err := ledger.DeriveIdempotencyKey(keyPrefix, payment.ID)
	if err != nil {
		return ledger.EntryInput{}, err
	}
	input.Amount = amount
	input.Reference = reference
	input.IdempotencyKey = key
	input.Metadata = ledger.MetadataFromMap(map[string]string{"provider_payment_id": payment.ID})
	return input, nil
}

func settlingEntry(lockEntry ledger.Entry, entryType ledger.EntryType, keyPrefix string) (ledger.EntryInput, error) {
	key, err := ledger.DeriveIdempotencyKey(keyPrefix, lockEntry.IdempotencyKey.String())
	if err != nil {
		return ledger.EntryInput{}, err
	}
	settles := lockEntry.EntryID
	return ledger.EntryInput{
		WalletID:       lockEntry.WalletID,
		Type:           entryType,
		Amount:         lockEntry.Amount,
		Reference:      lockEntry.Reference,
		IdempotencyKey: key,
		Settles:        &settles,
		Metadata:       lockEntry.Metadata,
	}, nil
}
