package retry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	testTarget    = "intent-1"
	testPaymentID = "pay-1"
	testToken     = "card-token-1"
	testUserID    = "renter-1"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]Record{}}
}

func (store *memoryStore) CreateRecord(_ context.Context, record Record) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.records {
		if existing.Kind == record.Kind && existing.DedupeKey == record.DedupeKey {
			return ErrRecordExists
		}
	}
	store.records[record.ID] = record
	return nil
}

func (store *memoryStore) FindRecord(_ context.Context, kind Kind, dedupeKey string) (Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.records {
		if existing.Kind == kind && existing.DedupeKey == dedupeKey {
			return existing, nil
		}
	}
	return Record{}, ErrRecordNotFound
}

func (store *memoryStore) RecoverStale(_ context.Context, staleBefore time.Time, now time.Time) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	recovered := 0
	for id, record := range store.records {
		if record.Status == StatusRetrying && record.UpdatedAt.Before(staleBefore) {
			record.Status = StatusPending
			record.UpdatedAt = now
			store.records[id] = record
			recovered++
		}
	}
	return recovered, nil
}

func (store *memoryStore) ClaimDue(_ context.Context, now time.Time, limit int) ([]Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	due := make([]Record, 0)
	for _, record := range store.records {
		if record.Status == StatusPending && !record.NextRetryAt.After(now) {
			due = append(due, record)
		}
	}
	sort.Slice(due, func(left, right int) bool { return due[left].NextRetryAt.Before(due[right].NextRetryAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for index := range due {
		due[index].Status = StatusRetrying
		due[index].UpdatedAt = now
		store.records[due[index].ID] = due[index]
	}
	return due, nil
}

func (store *memoryStore) UpdateClaimed(_ context.Context, record Record) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	existing, ok := store.records[record.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if existing.Status != StatusRetrying {
		return ErrStaleClaim
	}
	store.records[record.ID] = record
	return nil
}

func (store *memoryStore) get(test *testing.T, id string) Record {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	record, ok := store.records[id]
	if !ok {
		test.Fatalf("record %s not found", id)
	}
	return record
}

type chargeResult struct {
	payment provider.Payment
	err     error
}

type fakeGateway struct {
	mu       sync.Mutex
	charges  []chargeResult
	searches map[string]chargeResult
	fetches  []chargeResult
	keys     []string
	searched []string
}

func (gateway *fakeGateway) ChargeStoredMethod(_ context.Context, request provider.ChargeRequest) (provider.Payment, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.keys = append(gateway.keys, request.IdempotencyKey)
	if len(gateway.charges) == 0 {
		return provider.Payment{}, errors.New("no scripted charge")
	}
	next := gateway.charges[0]
	gateway.charges = gateway.charges[1:]
	return next.payment, next.err
}

func (gateway *fakeGateway) SearchPayment(_ context.Context, key string) (provider.Payment, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.searched = append(gateway.searched, key)
	result, ok := gateway.searches[key]
	if !ok {
		return provider.Payment{}, provider.ErrPaymentNotFound
	}
	return result.payment, result.err
}

func (gateway *fakeGateway) FetchPayment(_ context.Context, _ string) (provider.Payment, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if len(gateway.fetches) == 0 {
		return provider.Payment{}, provider.ErrTransientProvider
	}
	next := gateway.fetches[0]
	gateway.fetches = gateway.fetches[1:]
	return next.payment, next.err
}

type recordingFinalizer struct {
	mu       sync.Mutex
	applied  []provider.Payment
	failures int
}

func (finalizer *recordingFinalizer) ApplyPayment(_ context.Context, payment provider.Payment) error {
	finalizer.mu.Lock()
	defer finalizer.mu.Unlock()
	if finalizer.failures > 0 {
		finalizer.failures--
		return errors.New("ledger unavailable")
	}
	finalizer.applied = append(finalizer.applied, payment)
	return nil
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

type recordingReviewer struct {
	mu    sync.Mutex
	items []review.Item
}

func (reviewer *recordingReviewer) Open(_ context.Context, kind review.Kind, subject string, details map[string]string) (review.Item, error) {
	reviewer.mu.Lock()
	defer reviewer.mu.Unlock()
	item := review.Item{ID: subject, Kind: kind, Subject: subject, Details: details, Status: review.StatusOpen}
	reviewer.items = append(reviewer.items, item)
	return item, nil
}

type fakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.current
}

func (clock *fakeClock) Advance(delay time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.current = clock.current.Add(delay)
}

type engineFixture struct {
	engine    *Engine
	store     *memoryStore
	gateway   *fakeGateway
	finalizer *recordingFinalizer
	notifier  *recordingNotifier
	reviewer  *recordingReviewer
	clock     *fakeClock
}

func newEngineFixture(test *testing.T, config Config, options ...Option) engineFixture {
	test.Helper()
	fixture := engineFixture{
		store:     newMemoryStore(),
		gateway:   &fakeGateway{searches: map[string]chargeResult{}},
		finalizer: &recordingFinalizer{},
		notifier:  &recordingNotifier{},
		reviewer:  &recordingReviewer{},
		clock:     &fakeClock{current: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	options = append([]Option{
		WithClock(fixture.clock.Now),
		WithSleeper(func(context.Context, time.Duration) error { return nil }),
	}, options...)
	engine, err := NewEngine(fixture.store, fixture.gateway, fixture.finalizer, fixture.notifier, fixture.reviewer, config, options...)
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	fixture.engine = engine
	return fixture
}

func (fixture engineFixture) mustEnqueueCharge(test *testing.T) Record {
	test.Helper()
	record, err := fixture.engine.EnqueueCharge(context.Background(), ChargeRequest{
		TargetReference:    testTarget,
		ProviderPaymentID:  testPaymentID,
		UserID:             testUserID,
		AmountCents:        ledger.PositiveAmountCents(4500),
		Currency:           "BRL",
		PaymentMethodToken: testToken,
		Reason:             "cc_rejected_insufficient_amount",
	})
	if err != nil {
		test.Fatalf("enqueue charge: %v", err)
	}
	return record
}

func (fixture engineFixture) mustSweep(test *testing.T) SweepReport {
	test.Helper()
	report, err := fixture.engine.Sweep(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	return report
}

func TestBackoffDoublesUpToCeiling(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: time.Minute},
		{attempt: 1, expected: 2 * time.Minute},
		{attempt: 3, expected: 8 * time.Minute},
		{attempt: 10, expected: time.Hour},
		{attempt: 200, expected: time.Hour},
	}
	for _, testCase := range testCases {
		if got := Backoff(time.Minute, time.Hour, testCase.attempt); got != testCase.expected {
			test.Fatalf("attempt %d: expected %s, got %s", testCase.attempt, testCase.expected, got)
		}
	}
}

func TestEnqueueChargeIsIdempotentPerPayment(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{})
	first := fixture.mustEnqueueCharge(test)
	second := fixture.mustEnqueueCharge(test)
	if first.ID != second.ID {
		test.Fatalf("expected one record, got %s and %s", first.ID, second.ID)
	}
	if first.Status != StatusPending || first.MaxAttempts != 3 || !first.NextRetryAt.Equal(fixture.clock.Now().Add(5*time.Minute)) {
		test.Fatalf("unexpected record: %+v", first)
	}
}

func TestEnqueueChargeRejectsIncompleteRequests(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{})
	_, err := fixture.engine.EnqueueCharge(context.Background(), ChargeRequest{TargetReference: testTarget, AmountCents: 100})
	if !errors.Is(err, ErrInvalidRequest) || !errors.Is(err, ledger.ErrValidation) {
		test.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := fixture.engine.EnqueueRepoll(context.Background(), RepollRequest{}); !errors.Is(err, ErrInvalidRequest) {
		test.Fatalf("expected invalid repoll, got %v", err)
	}
}

func TestSweepSkipsRecordsNotDue(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{})
	fixture.mustEnqueueCharge(test)
	report := fixture.mustSweep(test)
	if report.Claimed != 0 || len(fixture.gateway.keys) != 0 {
		test.Fatalf("expected nothing claimed, got %+v", report)
	}
}

func TestSweepChargesAndFinalizesOnApproval(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{})
	record := fixture.mustEnqueueCharge(test)
	fixture.gateway.charges = []chargeResult{{payment: provider.Payment{ID: "pay-2", Status: provider.StatusApproved, ExternalReference: record.ID + ":1"}}}
	fixture.clock.Advance(5 * time.Minute)

	report := fixture.mustSweep(test)
	if report.Claimed != 1 || report.Succeeded != 1 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if fixture.gateway.keys[0] != record.ID+":1" {
		test.Fatalf("unexpected idempotency key %q", fixture.gateway.keys[0])
	}
	if len(fixture.finalizer.applied) != 1 || fixture.finalizer.applied[0].ExternalReference != testTarget {
		test.Fatalf("expected payment mirrored against the intent, got %+v", fixture.finalizer.applied)
	}
	stored := fixture.store.get(test, record.ID)
	if stored.Status != StatusSucceeded || stored.ProviderPaymentID != "pay-2" || stored.Attempt != 1 {
		test.Fatalf("unexpected stored record: %+v", stored)
	}
}

func TestRejectedChargesExhaustAfterMaxAttempts(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{MaxAttempts: 2, BaseDelay: time.Minute, MaxDelay: time.Hour})
	record := fixture.mustEnqueueCharge(test)
	rejected := chargeResult{payment: provider.Payment{ID: "pay-x", Status: provider.StatusRejected, StatusDetail: "cc_rejected_insufficient_amount"}}
	fixture.gateway.charges = []chargeResult{rejected, rejected}

	fixture.clock.Advance(time.Minute)
	fixture.mustSweep(test)
	stored := fixture.store.get(test, record.ID)
	if stored.Status != StatusPending || stored.Attempt != 1 || !stored.NextRetryAt.Equal(fixture.clock.Now().Add(2*time.Minute)) {
		test.Fatalf("expected backoff after first rejection, got %+v", stored)
	}

	fixture.clock.Advance(2 * time.Minute)
	report := fixture.mustSweep(test)
	if report.Exhausted != 1 {
		test.Fatalf("expected exhaustion, got %+v", report)
	}
	stored = fixture.store.get(test, record.ID)
	if stored.Status != StatusExhausted || stored.LastError == "" {
		test.Fatalf("unexpected exhausted record: %+v", stored)
	}
	if len(fixture.notifier.notifications) != 1 || fixture.notifier.notifications[0].Kind != notify.KindRetryExhausted || fixture.notifier.notifications[0].UserID != testUserID {
		test.Fatalf("expected exhaustion notification, got %+v", fixture.notifier.notifications)
	}
	if len(fixture.reviewer.items) != 1 || fixture.reviewer.items[0].Kind != review.KindRetryExhausted {
		test.Fatalf("expected review item, got %+v", fixture.reviewer.items)
	}

	fixture.clock.Advance(24 * time.Hour)
	if report := fixture.mustSweep(test); report.Claimed != 0 {
		test.Fatalf("exhausted records must not be claimed again, got %+v", report)
	}
}

func TestUnknownOutcomeIsResolvedBySearchBeforeRecharging(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{BaseDelay: time.Minute})
	record := fixture.mustEnqueueCharge(test)
	fixture.gateway.charges = []chargeResult{{err: provider.ErrUnknownOutcome}}
	fixture.clock.Advance(time.Minute)
	fixture.mustSweep(test)

	stored := fixture.store.get(test, record.ID)
	if stored.PendingAttemptKey != record.ID+":1" || stored.Status != StatusPending || !stored.NextRetryAt.Equal(fixture.clock.Now()) {
		test.Fatalf("expected pending attempt key, got %+v", stored)
	}

	fixture.gateway.searches[record.ID+":1"] = chargeResult{payment: provider.Payment{ID: "pay-3", Status: provider.StatusApproved}}
	report := fixture.mustSweep(test)
	if report.Succeeded != 1 {
		test.Fatalf("expected success from search, got %+v", report)
	}
	if len(fixture.gateway.keys) != 1 {
		test.Fatalf("expected no second charge, got keys %v", fixture.gateway.keys)
	}
	if len(fixture.finalizer.applied) != 1 || fixture.finalizer.applied[0].ID != "pay-3" {
		test.Fatalf("unexpected finalized payments: %+v", fixture.finalizer.applied)
	}
}

func TestUnknownOutcomeNotFoundCountsAsFailedAttempt(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{BaseDelay: time.Minute})
	record := fixture.mustEnqueueCharge(test)
	fixture.gateway.charges = []chargeResult{
		{err: provider.ErrUnknownOutcome},
		{payment: provider.Payment{ID: "pay-4", Status: provider.StatusApproved}},
	}
	fixture.clock.Advance(time.Minute)
	fixture.mustSweep(test)
	fixture.mustSweep(test)

	stored := fixture.store.get(test, record.ID)
	if stored.Status != StatusPending || stored.Attempt != 1 || stored.PendingAttemptKey != "" {
		test.Fatalf("expected a counted failure, got %+v", stored)
	}

	fixture.clock.Advance(2 * time.Minute)
	fixture.mustSweep(test)
	if fixture.gateway.keys[1] != record.ID+":2" {
		test.Fatalf("expected a fresh key for the second attempt, got %v", fixture.gateway.keys)
	}
	if stored := fixture.store.get(test, record.ID); stored.Status != StatusSucceeded {
		test.Fatalf("expected success, got %+v", stored)
	}
}

func TestTransientFailuresDoNotConsumeAttempts(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{MaxAttempts: 1, BaseDelay: time.Minute})
	record := fixture.mustEnqueueCharge(test)
	fixture.gateway.charges = []chargeResult{{err: provider.ErrTransientProvider}}
	fixture.clock.Advance(time.Minute)
	fixture.mustSweep(test)
	stored := fixture.store.get(test, record.ID)
	if stored.Status != StatusPending || stored.Attempt != 0 || stored.TransientFailures != 1 {
		test.Fatalf("expected no attempt consumed, got %+v", stored)
	}
}

func TestTransientFailuresExhaustAfterOutageBudget(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{MaxAttempts: 1, MaxTransientFailures: 2, BaseDelay: time.Minute, MaxDelay: time.Hour})
	record := fixture.mustEnqueueCharge(test)
	outage := chargeResult{err: provider.ErrTransientProvider}
	fixture.gateway.charges = []chargeResult{outage, outage, outage}

	fixture.clock.Advance(time.Minute)
	fixture.mustSweep(test)
	stored := fixture.store.get(test, record.ID)
	if stored.Status != StatusPending || !stored.NextRetryAt.Equal(fixture.clock.Now().Add(2*time.Minute)) {
		test.Fatalf("expected backoff after the first outage, got %+v", stored)
	}

	fixture.clock.Advance(2 * time.Minute)
	report := fixture.mustSweep(test)
	if report.Exhausted != 1 {
		test.Fatalf("expected exhaustion after the outage budget, got %+v", report)
	}
	stored = fixture.store.get(test, record.ID)
	if stored.Status != StatusExhausted || stored.Attempt != 0 || stored.TransientFailures != 2 {
		test.Fatalf("unexpected exhausted record: %+v", stored)
	}
	if len(fixture.reviewer.items) != 1 || fixture.reviewer.items[0].Kind != review.KindRetryExhausted {
		test.Fatalf("expected review item, got %+v", fixture.reviewer.items)
	}
	if len(fixture.gateway.keys) != 2 {
		test.Fatalf("expected two charge calls, got %v", fixture.gateway.keys)
	}
}

func TestSettledTargetCancelsChargeRetry(test *testing.T) {
	test.Parallel()
	var (
		mu       sync.Mutex
		settled  bool
		checkErr error
		checked  []string
	)
	checker := TargetCheckerFunc(func(_ context.Context, reference string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		checked = append(checked, reference)
		return settled, checkErr
	})
	fixture := newEngineFixture(test, Config{BaseDelay: time.Minute}, WithTargetChecker(checker))
	record := fixture.mustEnqueueCharge(test)

	checkErr = errors.New("database unavailable")
	fixture.clock.Advance(time.Minute)
	fixture.mustSweep(test)
	stored := fixture.store.get(test, record.ID)
	if stored.Status != StatusPending || stored.Attempt != 0 || stored.TransientFailures != 1 {
		test.Fatalf("expected a lookup failure to wait without charging, got %+v", stored)
	}

	checkErr = nil
	settled = true
	fixture.clock.Advance(time.Hour)
	report := fixture.mustSweep(test)
	if report.Cancelled != 1 {
		test.Fatalf("expected cancelled charge, got %+v", report)
	}
	stored = fixture.store.get(test, record.ID)
	if stored.Status != StatusCancelled || stored.Attempt != 0 {
		test.Fatalf("unexpected record: %+v", stored)
	}
	if len(fixture.gateway.keys) != 0 || len(fixture.finalizer.applied) != 0 {
		test.Fatalf("settled target must not be charged, got keys %v", fixture.gateway.keys)
	}
	if len(checked) != 2 || checked[0] != testTarget {
		test.Fatalf("unexpected target lookups %v", checked)
	}
	fixture.clock.Advance(24 * time.Hour)
	if report := fixture.mustSweep(test); report.Claimed != 0 {
		test.Fatalf("cancelled records must not be claimed again, got %+v", report)
	}
}

func TestFinalizerFailureSchedulesRepoll(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{BaseDelay: time.Minute})
	record := fixture.mustEnqueueCharge(test)
	fixture.finalizer.failures = 1
	fixture.gateway.charges = []chargeResult{{payment: provider.Payment{ID: "pay-5", Status: provider.StatusApproved}}}
	fixture.clock.Advance(time.Minute)
	fixture.mustSweep(test)

	if stored := fixture.store.get(test, record.ID); stored.Status != StatusSucceeded {
		test.Fatalf("expected charge record succeeded, got %+v", stored)
	}
	repoll, err := fixture.store.FindRecord(context.Background(), KindRepoll, "pay-5")
	if err != nil {
		test.Fatalf("expected repoll record: %v", err)
	}
	if repoll.TargetReference != testTarget {
		test.Fatalf("unexpected repoll: %+v", repoll)
	}

	fixture.gateway.fetches = []chargeResult{{payment: provider.Payment{ID: "pay-5", Status: provider.StatusApproved, ExternalReference: "other"}}}
	fixture.clock.Advance(time.Minute)
	report := fixture.mustSweep(test)
	if report.Succeeded != 1 {
		test.Fatalf("expected repoll success, got %+v", report)
	}
	if len(fixture.finalizer.applied) != 1 || fixture.finalizer.applied[0].ExternalReference != testTarget {
		test.Fatalf("unexpected finalized payments: %+v", fixture.finalizer.applied)
	}
}

func TestRepollExhaustsWhilePaymentStaysPending(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{MaxAttempts: 2, BaseDelay: time.Minute})
	record, err := fixture.engine.EnqueueRepoll(context.Background(), RepollRequest{ProviderPaymentID: "pay-6", UserID: testUserID})
	if err != nil {
		test.Fatalf("enqueue repoll: %v", err)
	}
	pending := chargeResult{payment: provider.Payment{ID: "pay-6", Status: provider.StatusInProcess}}
	fixture.gateway.fetches = []chargeResult{pending, pending}
	fixture.clock.Advance(time.Minute)
	fixture.mustSweep(test)
	fixture.clock.Advance(2 * time.Minute)
	fixture.mustSweep(test)
	if stored := fixture.store.get(test, record.ID); stored.Status != StatusExhausted || stored.Attempt != 2 {
		test.Fatalf("expected exhausted repoll, got %+v", stored)
	}
}

func TestSweepRecoversStaleClaims(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{BaseDelay: time.Minute, StaleAfter: 10 * time.Minute})
	record := fixture.mustEnqueueCharge(test)
	fixture.clock.Advance(time.Minute)
	if _, err := fixture.store.ClaimDue(context.Background(), fixture.clock.Now(), 10); err != nil {
		test.Fatalf("claim: %v", err)
	}
	fixture.clock.Advance(11 * time.Minute)
	fixture.gateway.charges = []chargeResult{{payment: provider.Payment{ID: "pay-7", Status: provider.StatusApproved}}}
	report := fixture.mustSweep(test)
	if report.Recovered != 1 || report.Succeeded != 1 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if stored := fixture.store.get(test, record.ID); stored.Status != StatusSucceeded {
		test.Fatalf("expected success after recovery, got %+v", stored)
	}
}

func TestSweepProcessesBatchConcurrently(test *testing.T) {
	test.Parallel()
	fixture := newEngineFixture(test, Config{BaseDelay: time.Minute, Concurrency: 3, BatchSize: 4})
	for index := 0; index < 6; index++ {
		_, err := fixture.engine.EnqueueRepoll(context.Background(), RepollRequest{ProviderPaymentID: "pay-batch-" + string(rune('a'+index))})
		if err != nil {
			test.Fatalf("enqueue: %v", err)
		}
	}
	approved := chargeResult{payment: provider.Payment{Status: provider.StatusApproved}}
	fixture.gateway.fetches = []chargeResult{approved, approved, approved, approved, approved, approved}
	fixture.clock.Advance(time.Minute)
	first := fixture.mustSweep(test)
	second := fixture.mustSweep(test)
	if first.Claimed != 4 || first.Succeeded != 4 || second.Claimed != 2 {
		test.Fatalf("unexpected reports: %+v %+v", first, second)
	}
}

func TestNewEngineRequiresCollaborators(test *testing.T) {
	test.Parallel()
	if _, err := NewEngine(nil, &fakeGateway{}, &recordingFinalizer{}, &recordingNotifier{}, &recordingReviewer{}, Config{}); !errors.Is(err, ErrInvalidConfig) {
		test.Fatalf("expected invalid config, got %v", err)
	}
}
