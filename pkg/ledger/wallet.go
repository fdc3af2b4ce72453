package ledger

import (
	"context"
	"fmt"
	"sort"
)

// Wallet is the materialized balance view for one user.
type Wallet struct {
	WalletID       WalletID
	UserID         UserID
	Currency       Currency
	AvailableCents AmountCents
	LockedCents    AmountCents
	Credits        map[CreditBucket]AmountCents
	UpdatedUnixUTC int64
}

// Balance is a point-in-time snapshot of a wallet.
type Balance struct {
	WalletID               WalletID
	Currency               Currency
	AvailableCents         AmountCents
	LockedCents            AmountCents
	SpecializedCreditCents AmountCents
	Credits                map[CreditBucket]AmountCents
	TotalCents             AmountCents
}

// EntryFilter narrows entry listings. A zero WalletID matches every wallet and a zero
// Limit means no limit at the store level.
type EntryFilter struct {
	WalletID      WalletID
	Types         []EntryType
	Statuses      []EntryStatus
	Reference     Reference
	BeforeUnixUTC int64
	Limit         int
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateWallet(ctx context.Context, wallet Wallet) error
	GetWallet(ctx context.Context, walletID WalletID) (Wallet, error)
	GetWalletByUser(ctx context.Context, userID UserID) (Wallet, error)
	// LockWallet reads the wallet and holds a row lock until the transaction ends.
	LockWallet(ctx context.Context, walletID WalletID) (Wallet, error)
	SaveWallet(ctx context.Context, wallet Wallet) error
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)
	GetEntryByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Entry, error)
	InsertEntry(ctx context.Context, entry Entry) error
	UpdateEntryStatus(ctx context.Context, entryID EntryID, from, to EntryStatus) error
	ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error)
}

// SpecializedCreditCents sums every credit sub-bucket.
func (wallet Wallet) SpecializedCreditCents() AmountCents {
	var total int64
	for _, amount := range wallet.Credits {
		total += amount.Int64()
	}
	return AmountCents(total)
}

// Balance derives the snapshot, including the never-stored total.
func (wallet Wallet) Balance() Balance {
	credits := make(map[CreditBucket]AmountCents, len(wallet.Credits))
	for bucket, amount := range wallet.Credits {
		credits[bucket] = amount
	}
	specialized := wallet.SpecializedCreditCents()
	return Balance{
		WalletID:               wallet.WalletID,
		Currency:               wallet.Currency,
		AvailableCents:         wallet.AvailableCents,
		LockedCents:            wallet.LockedCents,
		SpecializedCreditCents: specialized,
		Credits:                credits,
		TotalCents:             wallet.AvailableCents + wallet.LockedCents + specialized,
	}
}

// CreditBuckets returns bucket names in stable order.
func (balance Balance) CreditBuckets() []CreditBucket {
	buckets := make([]CreditBucket, 0, len(balance.Credits))
	for bucket := range balance.Credits {
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(left, right int) bool { return buckets[left] < buckets[right] })
	return buckets
}

func (wallet Wallet) apply(delta bucketDelta, bucket CreditBucket) (Wallet, error) {
	available := wallet.AvailableCents.Int64() + delta.available
	if available < 0 {
		return Wallet{}, fmt.Errorf("%w: available %d, required %d", ErrInsufficientFunds, wallet.AvailableCents, -delta.available)
	}
	locked := wallet.LockedCents.Int64() + delta.locked
	if locked < 0 {
		return Wallet{}, fmt.Errorf("%w: locked %d, required %d", ErrInsufficientFunds, wallet.LockedCents, -delta.locked)
	}
	credits := make(map[CreditBucket]AmountCents, len(wallet.Credits)+1)
	for name, amount := range wallet.Credits {
		credits[name] = amount
	}
	if delta.credit != 0 {
		creditValue := credits[bucket].Int64() + delta.credit
		if creditValue < 0 {
			return Wallet{}, fmt.Errorf("%w: %s %d, required %d", ErrInsufficientFunds, bucket, credits[bucket], -delta.credit)
		}
		credits[bucket] = AmountCents(creditValue)
	}
	updated := wallet
	updated.AvailableCents = AmountCents(available)
	updated.LockedCents = AmountCents(locked)
	updated.Credits = credits
	return updated, nil
}
