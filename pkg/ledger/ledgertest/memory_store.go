// Package ledgertest provides an in-memory ledger.Store for tests of packages built on the ledger.
package ledgertest

import (
	"context"
	"sync"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

type memoryState struct {
	wallets map[ledger.WalletID]ledger.Wallet
	entries []ledger.Entry
}

func (state memoryState) clone() memoryState {
	wallets := make(map[ledger.WalletID]ledger.Wallet, len(state.wallets))
	for walletID, wallet := range state.wallets {
		credits := make(map[ledger.CreditBucket]ledger.AmountCents, len(wallet.Credits))
		for bucket, amount := range wallet.Credits {
			credits[bucket] = amount
		}
		wallet.Credits = credits
		wallets[walletID] = wallet
	}
	return memoryState{wallets: wallets, entries: append([]ledger.Entry(nil), state.entries...)}
}

// MemoryStore serializes transactions behind one mutex and commits a working copy on success.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memoryState
	inTx  bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu:    &sync.Mutex{},
		state: &memoryState{wallets: map[ledger.WalletID]ledger.Wallet{}},
	}
}

// WithTx runs fn against a copy of the state.
func (store *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	working := store.state.clone()
	transactionStore := &MemoryStore{mu: &sync.Mutex{}, state: &working, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	*store.state = working
	return nil
}

func (store *MemoryStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *MemoryStore) CreateWallet(_ context.Context, wallet ledger.Wallet) error {
	defer store.guard()()
	for _, existing := range store.state.wallets {
		if existing.UserID == wallet.UserID {
			return ledger.ErrWalletExists
		}
	}
	store.state.wallets[wallet.WalletID] = wallet
	return nil
}

func (store *MemoryStore) GetWallet(_ context.Context, walletID ledger.WalletID) (ledger.Wallet, error) {
	defer store.guard()()
	wallet, ok := store.state.wallets[walletID]
	if !ok {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	return wallet, nil
}

func (store *MemoryStore) GetWalletByUser(_ context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	defer store.guard()()
	for _, wallet := range store.state.wallets {
		if wallet.UserID == userID {
			return wallet, nil
		}
	}
	return ledger.Wallet{}, ledger.ErrWalletNotFound
}

func (store *MemoryStore) LockWallet(ctx context.Context, walletID ledger.WalletID) (ledger.Wallet, error) {
	return store.GetWallet(ctx, walletID)
}

func (store *MemoryStore) SaveWallet(_ context.Context, wallet ledger.Wallet) error {
	defer store.guard()()
	if _, ok := store.state.wallets[wallet.WalletID]; !ok {
		return ledger.ErrWalletNotFound
	}
	store.state.wallets[wallet.WalletID] = wallet
	return nil
}

func (store *MemoryStore) GetEntry(_ context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	defer store.guard()()
	for _, entry := range store.state.entries {
		if entry.EntryID == entryID {
			return entry, nil
		}
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

func (store *MemoryStore) GetEntryByIdempotencyKey(_ context.Context, key ledger.IdempotencyKey) (ledger.Entry, error) {
	defer store.guard()()
	for _, entry := range store.state.entries {
		if entry.IdempotencyKey == key {
			return entry, nil
		}
	}
	return ledger.Entry{}, ledger.ErrEntryNotFound
}

func (store *MemoryStore) InsertEntry(_ context.Context, entry ledger.Entry) error {
	defer store.guard()()
	for _, existing := range store.state.entries {
		if existing.IdempotencyKey == entry.IdempotencyKey {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	store.state.entries = append(store.state.entries, entry)
	return nil
}

func (store *MemoryStore) UpdateEntryStatus(_ context.Context, entryID ledger.EntryID, from, to ledger.EntryStatus) error {
	defer store.guard()()
	for index, entry := range store.state.entries {
		if entry.EntryID == entryID && entry.Status == from {
			store.state.entries[index].Status = to
			return nil
		}
	}
	return ledger.ErrEntrySettled
}

func (store *MemoryStore) ListEntries(_ context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	defer store.guard()()
	matched := make([]ledger.Entry, 0)
	for index := len(store.state.entries) - 1; index >= 0; index-- {
		entry := store.state.entries[index]
		if !filter.WalletID.IsZero() && entry.WalletID != filter.WalletID {
			continue
		}
		if !filter.Reference.IsZero() && entry.Reference != filter.Reference {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, entry.Type) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, entry.Status) {
			continue
		}
		if filter.BeforeUnixUTC > 0 && entry.CreatedUnixUTC >= filter.BeforeUnixUTC {
			continue
		}
		matched = append(matched, entry)
		if filter.Limit > 0 && len(matched) == filter.Limit {
			break
		}
	}
	return matched, nil
}

// Entries returns a copy of every committed entry in insertion order.
func (store *MemoryStore) Entries() []ledger.Entry {
	store.mu.Lock()
	defer store.mu.Unlock()
	return append([]ledger.Entry(nil), store.state.entries...)
}

// EntriesOfType counts committed entries of one type.
func (store *MemoryStore) EntriesOfType(entryType ledger.EntryType) int {
	count := 0
	for _, entry := range store.Entries() {
		if entry.Type == entryType {
			count++
		}
	}
	return count
}

func containsType(types []ledger.EntryType, candidate ledger.EntryType) bool {
	for _, entryType := range types {
		if entryType == candidate {
			return true
		}
	}
	return false
}

func containsStatus(statuses []ledger.EntryStatus, candidate ledger.EntryStatus) bool {
	for _, status := range statuses {
		if status == candidate {
			return true
		}
	}
	return false
}
