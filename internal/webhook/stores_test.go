package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/retry"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

type memoryIntents struct {
	mu            sync.Mutex
	bookings      map[string]BookingIntent
	deposits      map[string]DepositIntent
	notifications map[string]Notification
}

func newMemoryIntents() *memoryIntents {
	return &memoryIntents{
		bookings:      map[string]BookingIntent{},
		deposits:      map[string]DepositIntent{},
		notifications: map[string]Notification{},
	}
}

func (store *memoryIntents) CreateBookingIntent(_ context.Context, intent BookingIntent) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.bookings[intent.IntentID]; ok {
		return ErrIntentExists
	}
	store.bookings[intent.IntentID] = intent
	return nil
}

func (store *memoryIntents) FindBookingIntent(_ context.Context, intentID string) (BookingIntent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	intent, ok := store.bookings[intentID]
	if !ok {
		return BookingIntent{}, ErrIntentNotFound
	}
	return intent, nil
}

func (store *memoryIntents) TransitionBookingIntent(_ context.Context, intentID string, from BookingIntentStatus, to BookingIntentStatus, providerPaymentID string, at time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	intent, ok := store.bookings[intentID]
	if !ok {
		return ErrIntentNotFound
	}
	if from.Settled() {
		return ErrIntentSettled
	}
	if intent.Status != from {
		return ErrStaleState
	}
	intent.Status = to
	intent.ProviderPaymentID = providerPaymentID
	intent.UpdatedAt = at
	store.bookings[intentID] = intent
	return nil
}

func (store *memoryIntents) CreateDepositIntent(_ context.Context, intent DepositIntent) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.deposits[intent.IntentID]; ok {
		return ErrIntentExists
	}
	store.deposits[intent.IntentID] = intent
	return nil
}

func (store *memoryIntents) FindDepositIntent(_ context.Context, intentID string) (DepositIntent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	intent, ok := store.deposits[intentID]
	if !ok {
		return DepositIntent{}, ErrIntentNotFound
	}
	return intent, nil
}

func (store *memoryIntents) TransitionDepositIntent(_ context.Context, intentID string, from DepositIntentStatus, to DepositIntentStatus, providerPaymentID string, at time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	intent, ok := store.deposits[intentID]
	if !ok {
		return ErrIntentNotFound
	}
	if from.Settled() {
		return ErrIntentSettled
	}
	if intent.Status != from {
		return ErrStaleState
	}
	intent.Status = to
	intent.ProviderPaymentID = providerPaymentID
	intent.UpdatedAt = at
	store.deposits[intentID] = intent
	return nil
}

func (store *memoryIntents) ListDepositIntents(_ context.Context, userID string, limit int) ([]DepositIntent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	intents := make([]DepositIntent, 0)
	for _, intent := range store.deposits {
		if intent.UserID == userID {
			intents = append(intents, intent)
		}
	}
	sort.Slice(intents, func(left, right int) bool { return intents[left].CreatedAt.After(intents[right].CreatedAt) })
	if len(intents) > limit {
		intents = intents[:limit]
	}
	return intents, nil
}

func (store *memoryIntents) ListOpenBookingIntents(_ context.Context, updatedBefore time.Time, afterID string, limit int) ([]BookingIntent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	intents := make([]BookingIntent, 0)
	for _, intent := range store.bookings {
		if intent.Status.Open() && intent.UpdatedAt.Before(updatedBefore) && intent.IntentID > afterID {
			intents = append(intents, intent)
		}
	}
	sort.Slice(intents, func(left, right int) bool { return intents[left].IntentID < intents[right].IntentID })
	if len(intents) > limit {
		intents = intents[:limit]
	}
	return intents, nil
}

func (store *memoryIntents) ListOpenDepositIntents(_ context.Context, updatedBefore time.Time, afterID string, limit int) ([]DepositIntent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	intents := make([]DepositIntent, 0)
	for _, intent := range store.deposits {
		if intent.Status == DepositIntentCreated && intent.UpdatedAt.Before(updatedBefore) && intent.IntentID > afterID {
			intents = append(intents, intent)
		}
	}
	sort.Slice(intents, func(left, right int) bool { return intents[left].IntentID < intents[right].IntentID })
	if len(intents) > limit {
		intents = intents[:limit]
	}
	return intents, nil
}

func (store *memoryIntents) CreateNotification(_ context.Context, notification Notification) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.notifications[notification.ID]; ok {
		return ErrNotificationExists
	}
	store.notifications[notification.ID] = notification
	return nil
}

func (store *memoryIntents) GetNotification(_ context.Context, id string) (Notification, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	notification, ok := store.notifications[id]
	if !ok {
		return Notification{}, ErrNotificationNotFound
	}
	return notification, nil
}

func (store *memoryIntents) TransitionNotification(_ context.Context, id string, from NotificationState, to NotificationState, outcome Outcome, at time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	notification, ok := store.notifications[id]
	if !ok {
		return ErrNotificationNotFound
	}
	if notification.State != from {
		return ErrStaleState
	}
	notification.State = to
	notification.Outcome = outcome
	notification.UpdatedAt = at
	store.notifications[id] = notification
	return nil
}

type scriptedPayments struct {
	mu       sync.Mutex
	payments map[string]provider.Payment
	failWith error
	calls    int
	searches int
}

func (payments *scriptedPayments) FetchPayment(_ context.Context, paymentID string) (provider.Payment, error) {
	payments.mu.Lock()
	defer payments.mu.Unlock()
	payments.calls++
	if payments.failWith != nil {
		return provider.Payment{}, payments.failWith
	}
	payment, ok := payments.payments[paymentID]
	if !ok {
		return provider.Payment{}, provider.ErrPaymentNotFound
	}
	return payment, nil
}

func (payments *scriptedPayments) SearchPayment(_ context.Context, reference string) (provider.Payment, error) {
	payments.mu.Lock()
	defer payments.mu.Unlock()
	payments.searches++
	if payments.failWith != nil {
		return provider.Payment{}, payments.failWith
	}
	var newest provider.Payment
	found := false
	for _, payment := range payments.payments {
		if payment.ExternalReference == reference && (!found || payment.ID > newest.ID) {
			newest = payment
			found = true
		}
	}
	if !found {
		return provider.Payment{}, provider.ErrPaymentNotFound
	}
	return newest, nil
}

func (payments *scriptedPayments) set(payment provider.Payment) {
	payments.mu.Lock()
	defer payments.mu.Unlock()
	payments.payments[payment.ID] = payment
}

type recordingRetries struct {
	mu      sync.Mutex
	charges []retry.ChargeRequest
	repolls []retry.RepollRequest
}

func (retries *recordingRetries) EnqueueCharge(_ context.Context, request retry.ChargeRequest) (retry.Record, error) {
	retries.mu.Lock()
	defer retries.mu.Unlock()
	retries.charges = append(retries.charges, request)
	return retry.Record{ID: "retry-charge", Kind: retry.KindCharge}, nil
}

func (retries *recordingRetries) EnqueueRepoll(_ context.Context, request retry.RepollRequest) (retry.Record, error) {
	retries.mu.Lock()
	defer retries.mu.Unlock()
	retries.repolls = append(retries.repolls, request)
	return retry.Record{ID: "retry-repoll", Kind: retry.KindRepoll}, nil
}

type recordingReviewer struct {
	mu    sync.Mutex
	items []review.Item
}

func (reviewer *recordingReviewer) Open(_ context.Context, kind review.Kind, subject string, details map[string]string) (review.Item, error) {
	reviewer.mu.Lock()
	defer reviewer.mu.Unlock()
	for _, item := range reviewer.items {
		if item.Kind == kind && item.Subject == subject {
			return item, nil
		}
	}
	item := review.Item{ID: string(kind) + ":" + subject, Kind: kind, Subject: subject, Details: details, Status: review.StatusOpen}
	reviewer.items = append(reviewer.items, item)
	return item, nil
}

func (reviewer *recordingReviewer) kinds() []review.Kind {
	reviewer.mu.Lock()
	defer reviewer.mu.Unlock()
	kinds := make([]review.Kind, 0, len(reviewer.items))
	for _, item := range reviewer.items {
		kinds = append(kinds, item.Kind)
	}
	return kinds
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []notify.Notification
}

func (notifier *recordingNotifier) Notify(_ context.Context, notification notify.Notification) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.notifications = append(notifier.notifications, notification)
	return nil
}

// unavailableLedger fails every write as a database outage would.
type unavailableLedger struct {
	Ledger
}

var errLedgerDown = errors.New("database unavailable")

func (unavailableLedger) ApplyEntries(context.Context, []ledger.EntryInput) ([]ledger.AppliedEntry, error) {
	return nil, errLedgerDown
}

// racingLedger spends part of the guarantee fund right before each capped debit, as a concurrent
// writer on the same wallet would.
type racingLedger struct {
	Ledger
	spend int64
}

func (racing racingLedger) ApplyCappedDebit(ctx context.Context, input ledger.EntryInput) (ledger.CappedDebit, error) {
	key, err := ledger.NewIdempotencyKey("concurrent:" + input.IdempotencyKey.String())
	if err != nil {
		return ledger.CappedDebit{}, err
	}
	if _, err := racing.Ledger.ApplyEntries(ctx, []ledger.EntryInput{{
		WalletID:       input.WalletID,
		Type:           ledger.EntryChargeback,
		Amount:         ledger.PositiveAmountCents(racing.spend),
		CreditBucket:   ledger.CreditBucketGuaranteeFund,
		IdempotencyKey: key,
	}}); err != nil {
		return ledger.CappedDebit{}, err
	}
	return racing.Ledger.ApplyCappedDebit(ctx, input)
}
