package rewards

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
)

type memoryStore struct {
	mu            sync.Mutex
	pools         map[string]Pool
	contributions map[string]Contribution
	payouts       map[string]Payout
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		pools:         map[string]Pool{},
		contributions: map[string]Contribution{},
		payouts:       map[string]Payout{},
	}
}

func (store *memoryStore) EnsurePool(_ context.Context, pool Pool) (Pool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, existing := range store.pools {
		if existing.PeriodStart.Equal(pool.PeriodStart) {
			return existing, nil
		}
	}
	store.pools[pool.ID] = pool
	return pool, nil
}

func (store *memoryStore) OldestDuePool(_ context.Context, now time.Time) (Pool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var oldest Pool
	found := false
	for _, pool := range store.pools {
		if pool.Status != PoolCollecting || pool.PeriodEnd.After(now) {
			continue
		}
		if !found || pool.PeriodStart.Before(oldest.PeriodStart) {
			oldest = pool
			found = true
		}
	}
	if !found {
		return Pool{}, ErrPoolNotFound
	}
	return oldest, nil
}

func (store *memoryStore) ListPools(_ context.Context, status PoolStatus) ([]Pool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	pools := make([]Pool, 0)
	for _, pool := range store.pools {
		if pool.Status == status {
			pools = append(pools, pool)
		}
	}
	sort.Slice(pools, func(left, right int) bool { return pools[left].PeriodStart.Before(pools[right].PeriodStart) })
	return pools, nil
}

func (store *memoryStore) TransitionPool(_ context.Context, poolID string, from PoolStatus, to PoolStatus, at time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	pool, ok := store.pools[poolID]
	if !ok {
		return ErrPoolNotFound
	}
	if pool.Status != from {
		return ErrStaleState
	}
	pool.Status = to
	pool.UpdatedAt = at
	store.pools[poolID] = pool
	return nil
}

func (store *memoryStore) AddContribution(_ context.Context, contribution Contribution) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.contributions[contribution.Reference]; ok {
		return ErrContributionExists
	}
	pool, ok := store.pools[contribution.PoolID]
	if !ok {
		return ErrPoolNotFound
	}
	if pool.Status != PoolCollecting {
		return ErrPoolNotCollecting
	}
	pool.TotalCollectedCents += contribution.AmountCents.ToAmountCents()
	store.pools[pool.ID] = pool
	store.contributions[contribution.Reference] = contribution
	return nil
}

func (store *memoryStore) CreatePayouts(_ context.Context, payouts []Payout) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, payout := range payouts {
		duplicate := false
		for _, existing := range store.payouts {
			if existing.PoolID == payout.PoolID && existing.OwnerID == payout.OwnerID {
				duplicate = true
				break
			}
		}
		if !duplicate {
			store.payouts[payout.ID] = payout
		}
	}
	return nil
}

func (store *memoryStore) GetPayout(_ context.Context, payoutID string) (Payout, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	payout, ok := store.payouts[payoutID]
	if !ok {
		return Payout{}, ErrPayoutNotFound
	}
	return payout, nil
}

func (store *memoryStore) ListPayouts(_ context.Context, filter PayoutFilter) ([]Payout, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	payouts := make([]Payout, 0)
	for _, payout := range store.payouts {
		if filter.PoolID != "" && payout.PoolID != filter.PoolID {
			continue
		}
		if filter.OwnerID != "" && payout.OwnerID != filter.OwnerID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, payout.Status) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !payout.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		payouts = append(payouts, payout)
	}
	sort.Slice(payouts, func(left, right int) bool { return payouts[left].OwnerID < payouts[right].OwnerID })
	if filter.Limit > 0 && len(payouts) > filter.Limit {
		payouts = payouts[:filter.Limit]
	}
	return payouts, nil
}

func (store *memoryStore) CountPayouts(_ context.Context, poolID string, statuses ...PayoutStatus) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var count int64
	for _, payout := range store.payouts {
		if payout.PoolID == poolID && containsStatus(statuses, payout.Status) {
			count++
		}
	}
	return count, nil
}

func (store *memoryStore) TransitionPayout(_ context.Context, payout Payout, from PayoutStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	existing, ok := store.payouts[payout.ID]
	if !ok {
		return ErrPayoutNotFound
	}
	if existing.Status != from {
		return ErrStaleState
	}
	store.payouts[payout.ID] = payout
	return nil
}

func (store *memoryStore) payoutFor(poolID string, ownerID string) (Payout, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, payout := range store.payouts {
		if payout.PoolID == poolID && payout.OwnerID == ownerID {
			return payout, true
		}
	}
	return Payout{}, false
}

func (store *memoryStore) pool(poolID string) Pool {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.pools[poolID]
}

func containsStatus(statuses []PayoutStatus, status PayoutStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

type staticSource struct {
	cars []CarPoints
	err  error
}

func (source staticSource) CarPoints(context.Context, time.Time, time.Time) ([]CarPoints, error) {
	return source.cars, source.err
}

type fakeTransfers struct {
	mu        sync.Mutex
	createErr error
	status    provider.TransferStatus
	transfers map[string]provider.Transfer
	findErr   error
	creates   int
}

func newFakeTransfers() *fakeTransfers {
	return &fakeTransfers{status: provider.TransferCompleted, transfers: map[string]provider.Transfer{}}
}

func (transfers *fakeTransfers) CreateTransfer(_ context.Context, request provider.TransferRequest) (provider.Transfer, error) {
	transfers.mu.Lock()
	defer transfers.mu.Unlock()
	transfers.creates++
	if transfers.createErr != nil {
		return provider.Transfer{}, transfers.createErr
	}
	transfer := provider.Transfer{
		ID:             "transfer-" + request.IdempotencyKey,
		Status:         transfers.status,
		AmountCents:    request.AmountCents.ToAmountCents(),
		IdempotencyKey: request.IdempotencyKey,
	}
	if transfer.Status == provider.TransferFailed {
		transfer.FailureReason = "destination closed"
	}
	transfers.transfers[request.IdempotencyKey] = transfer
	return transfer, nil
}

func (transfers *fakeTransfers) FindTransfer(_ context.Context, idempotencyKey string) (provider.Transfer, error) {
	transfers.mu.Lock()
	defer transfers.mu.Unlock()
	if transfers.findErr != nil {
		return provider.Transfer{}, transfers.findErr
	}
	transfer, ok := transfers.transfers[idempotencyKey]
	if !ok {
		return provider.Transfer{}, provider.ErrTransferNotFound
	}
	return transfer, nil
}

func (transfers *fakeTransfers) store(transfer provider.Transfer) {
	transfers.mu.Lock()
	defer transfers.mu.Unlock()
	transfers.transfers[transfer.IdempotencyKey] = transfer
}

type recordingReviewer struct {
	mu    sync.Mutex
	items []review.Item
}

func (reviewer *recordingReviewer) Open(_ context.Context, kind review.Kind, subject string, details map[string]string) (review.Item, error) {
	reviewer.mu.Lock()
	defer reviewer.mu.Unlock()
	item := review.Item{ID: string(kind) + ":" + subject, Kind: kind, Subject: subject, Details: details, Status: review.StatusOpen}
	reviewer.items = append(reviewer.items, item)
	return item, nil
}

func (reviewer *recordingReviewer) count(kind review.Kind) int {
	reviewer.mu.Lock()
	defer reviewer.mu.Unlock()
	count := 0
	for _, item := range reviewer.items {
		if item.Kind == kind {
			count++
		}
	}
	return count
}

type recordingNotifier struct {
	mu            sync.Mutex
	failWith      error
	notifications []notify.Notification
}

func (notifier *recordingNotifier) Notify(_ context.Context, notification notify.Notification) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.notifications = append(notifier.notifications, notification)
	return notifier.failWith
}

func (notifier *recordingNotifier) count(kind notify.Kind) int {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	count := 0
	for _, notification := range notifier.notifications {
		if notification.Kind == kind {
			count++
		}
	}
	return count
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (observer *recordingObserver) ObservePayout(status string) {
	observer.mu.Lock()
	defer observer.mu.Unlock()
	observer.statuses = append(observer.statuses, status)
}
