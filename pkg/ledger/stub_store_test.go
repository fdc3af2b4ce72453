package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type stubState struct {
	wallets map[WalletID]Wallet
	entries []Entry
}

func (state stubState) clone() stubState {
	wallets := make(map[WalletID]Wallet, len(state.wallets))
	for walletID, wallet := range state.wallets {
		credits := make(map[CreditBucket]AmountCents, len(wallet.Credits))
		for bucket, amount := range wallet.Credits {
			credits[bucket] = amount
		}
		wallet.Credits = credits
		wallets[walletID] = wallet
	}
	return stubState{wallets: wallets, entries: append([]Entry(nil), state.entries...)}
}

// stubStore is an in-memory Store; WithTx serializes transactions and commits a copy on success.
type stubStore struct {
	mu    *sync.Mutex
	state *stubState
	inTx  bool
}

func newStubStore() *stubStore {
	return &stubStore{
		mu:    &sync.Mutex{},
		state: &stubState{wallets: map[WalletID]Wallet{}},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	working := store.state.clone()
	transactionStore := &stubStore{mu: &sync.Mutex{}, state: &working, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	*store.state = working
	return nil
}

func (store *stubStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) CreateWallet(_ context.Context, wallet Wallet) error {
	defer store.guard()()
	for _, existing := range store.state.wallets {
		if existing.UserID == wallet.UserID {
			return ErrWalletExists
		}
	}
	store.state.wallets[wallet.WalletID] = wallet
	return nil
}

func (store *stubStore) GetWallet(_ context.Context, walletID WalletID) (Wallet, error) {
	defer store.guard()()
	wallet, ok := store.state.wallets[walletID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return wallet, nil
}

func (store *stubStore) GetWalletByUser(_ context.Context, userID UserID) (Wallet, error) {
	defer store.guard()()
	for _, wallet := range store.state.wallets {
		if wallet.UserID == userID {
			return wallet, nil
		}
	}
	return Wallet{}, ErrWalletNotFound
}

func (store *stubStore) LockWallet(ctx context.Context, walletID WalletID) (Wallet, error) {
	return store.GetWallet(ctx, walletID)
}

func (store *stubStore) SaveWallet(_ context.Context, wallet Wallet) error {
	defer store.guard()()
	if _, ok := store.state.wallets[wallet.WalletID]; !ok {
		return ErrWalletNotFound
	}
	store.state.wallets[wallet.WalletID] = wallet
	return nil
}

func (store *stubStore) GetEntry(_ context.Context, entryID EntryID) (Entry, error) {
	defer store.guard()()
	for _, entry := range store.state.entries {
		if entry.EntryID == entryID {
			return entry, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (store *stubStore) GetEntryByIdempotencyKey(_ context.Context, key IdempotencyKey) (Entry, error) {
	defer store.guard()()
	for _, entry := range store.state.entries {
		if entry.IdempotencyKey == key {
			return entry, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	defer store.guard()()
	for _, existing := range store.state.entries {
		if existing.IdempotencyKey == entry.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	store.state.entries = append(store.state.entries, entry)
	return nil
}

func (store *stubStore) UpdateEntryStatus(_ context.Context, entryID EntryID, from, to EntryStatus) error {
	defer store.guard()()
	for index, entry := range store.state.entries {
		if entry.EntryID == entryID && entry.Status == from {
			store.state.entries[index].Status = to
			return nil
		}
	}
	return ErrEntrySettled
}

func (store *stubStore) ListEntries(_ context.Context, filter EntryFilter) ([]Entry, error) {
	defer store.guard()()
	matched := make([]Entry, 0)
	for _, entry := range store.state.entries {
		if !filter.WalletID.IsZero() && entry.WalletID != filter.WalletID {
			continue
		}
		if !filter.Reference.IsZero() && entry.Reference != filter.Reference {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, entry.Type) {
			continue
		}
		matched = append(matched, entry)
	}
	for left, right := 0, len(matched)-1; left < right; left, right = left+1, right-1 {
		matched[left], matched[right] = matched[right], matched[left]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (store *stubStore) entryCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.state.entries)
}

func containsType(types []EntryType, candidate EntryType) bool {
	for _, entryType := range types {
		if entryType == candidate {
			return true
		}
	}
	return false
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	counter := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("%s-%d", prefix, counter)
	}
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithIDGenerator(sequentialIDs("id"))}, options...)
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustOpenWallet(test *testing.T, service *Service, rawUserID string) Wallet {
	test.Helper()
	wallet, err := service.OpenWallet(context.Background(), mustUserID(test, rawUserID), mustCurrency(test, "BRL"))
	if err != nil {
		test.Fatalf("open wallet: %v", err)
	}
	return wallet
}

func mustApply(test *testing.T, service *Service, input EntryInput) AppliedEntry {
	test.Helper()
	applied, err := service.ApplyEntry(context.Background(), input)
	if err != nil {
		test.Fatalf("apply %s %s: %v", input.Type, input.IdempotencyKey.String(), err)
	}
	return applied
}

func depositInput(test *testing.T, walletID WalletID, amount int64, key string) EntryInput {
	test.Helper()
	return EntryInput{
		WalletID:       walletID,
		Type:           EntryDeposit,
		Amount:         mustPositiveAmount(test, amount),
		IdempotencyKey: mustIdempotencyKey(test, key),
	}
}

func lockInput(test *testing.T, walletID WalletID, amount int64, bookingID string) EntryInput {
	test.Helper()
	return EntryInput{
		WalletID:       walletID,
		Type:           EntryLock,
		Amount:         mustPositiveAmount(test, amount),
		Reference:      mustReference(test, ReferenceBooking, bookingID),
		IdempotencyKey: mustIdempotencyKey(test, "lock:"+bookingID),
	}
}

func unlockInput(test *testing.T, lockEntry Entry) EntryInput {
	test.Helper()
	settles := lockEntry.EntryID
	return EntryInput{
		WalletID:       lockEntry.WalletID,
		Type:           EntryUnlock,
		Amount:         lockEntry.Amount,
		Reference:      lockEntry.Reference,
		IdempotencyKey: mustIdempotencyKey(test, "unlock:"+lockEntry.IdempotencyKey.String()),
		Settles:        &settles,
	}
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustWalletID(test *testing.T, raw string) WalletID {
	test.Helper()
	value, err := NewWalletID(raw)
	if err != nil {
		test.Fatalf("wallet id: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	value, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustCurrency(test *testing.T, raw string) Currency {
	test.Helper()
	value, err := NewCurrency(raw)
	if err != nil {
		test.Fatalf("currency: %v", err)
	}
	return value
}

func mustReference(test *testing.T, referenceType ReferenceType, id string) Reference {
	test.Helper()
	value, err := NewReference(referenceType, id)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return value
}
