package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// OpenWallet returns the user's wallet, creating an empty one on first use.
func (service *Service) OpenWallet(ctx context.Context, userID UserID, currency Currency) (Wallet, error) {
	wallet, err := service.store.GetWalletByUser(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return Wallet{}, err
	}
	walletID, err := NewWalletID(service.newID())
	if err != nil {
		return Wallet{}, err
	}
	candidate := Wallet{
		WalletID:       walletID,
		UserID:         userID,
		Currency:       currency,
		Credits:        map[CreditBucket]AmountCents{},
		UpdatedUnixUTC: service.nowFn(),
	}
	createErr := service.store.CreateWallet(ctx, candidate)
	service.logOperation(ctx, OperationLog{
		Operation: operationOpenWallet,
		WalletID:  walletID,
		UserID:    userID,
		Error:     createErr,
	})
	if createErr == nil {
		return candidate, nil
	}
	if errors.Is(createErr, ErrWalletExists) {
		return service.store.GetWalletByUser(ctx, userID)
	}
	return Wallet{}, createErr
}

// WalletForUser looks up the wallet owned by userID.
func (service *Service) WalletForUser(ctx context.Context, userID UserID) (Wallet, error) {
	return service.store.GetWalletByUser(ctx, userID)
}

// GetBalance returns a snapshot read from the materialized wallet row.
func (service *Service) GetBalance(ctx context.Context, walletID WalletID) (Balance, error) {
	wallet, err := service.store.GetWallet(ctx, walletID)
	if err != nil {
		return Balance{}, err
	}
	return wallet.Balance(), nil
}

// ListTransactions returns entries newest first.
func (service *Service) ListTransactions(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	if filter.WalletID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	switch {
	case filter.Limit < 0:
		return nil, fmt.Errorf("%w: must be non-negative", ErrInvalidListLimit)
	case filter.Limit == 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrInvalidListLimit, filter.Limit, maxListLimit)
	}
	if _, err := service.store.GetWallet(ctx, filter.WalletID); err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, filter)
}

// EntriesByReference lists entries of one type pointing at reference, across wallets.
func (service *Service) EntriesByReference(ctx context.Context, reference Reference, entryType EntryType, statuses ...EntryStatus) ([]Entry, error) {
	if reference.IsZero() {
		return nil, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	return service.store.ListEntries(ctx, EntryFilter{
		Types:     []EntryType{entryType},
		Statuses:  statuses,
		Reference: reference,
	})
}

// EntryByIdempotencyKey returns the committed entry written under key.
func (service *Service) EntryByIdempotencyKey(ctx context.Context, key IdempotencyKey) (Entry, error) {
	return service.store.GetEntryByIdempotencyKey(ctx, key)
}

// ApplyEntry is the single write path for balance changes.
func (service *Service) ApplyEntry(ctx context.Context, input EntryInput) (AppliedEntry, error) {
	applied, err := service.ApplyEntries(ctx, []EntryInput{input})
	if err != nil {
		return AppliedEntry{}, err
	}
	return applied[0], nil
}

// ApplyEntries commits every input in one transaction or none of them.
// Inputs whose idempotency key already exists are returned as replays.
func (service *Service) ApplyEntries(ctx context.Context, inputs []EntryInput) ([]AppliedEntry, error) {
	normalized, err := normalizeBatch(inputs)
	if err != nil {
		service.logBatch(ctx, inputs, nil, err)
		return nil, err
	}
	applied, err := service.applyBatch(ctx, normalized)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// another writer committed one of the keys between our lookup and insert
		applied, err = service.applyBatch(ctx, normalized)
	}
	service.logBatch(ctx, normalized, applied, err)
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// CappedDebit is the result of ApplyCappedDebit. Debited is zero when there was nothing to take,
// and then Applied carries only the balance.
type CappedDebit struct {
	Applied AppliedEntry
	Debited AmountCents
}

// ApplyCappedDebit takes up to input.Amount from the balance input draws on: its credit bucket,
// available or locked funds. The balance is read under the wallet lock in the same transaction as
// the write. A replay returns the entry first written under the key.
func (service *Service) ApplyCappedDebit(ctx context.Context, input EntryInput) (CappedDebit, error) {
	normalized, err := input.normalize()
	if err != nil {
		service.logBatch(ctx, []EntryInput{input}, nil, err)
		return CappedDebit{}, err
	}
	result, err := service.applyCapped(ctx, normalized)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		result, err = service.applyCapped(ctx, normalized)
	}
	if result.Debited > 0 || err != nil {
		service.logBatch(ctx, []EntryInput{normalized}, []AppliedEntry{result.Applied}, err)
	}
	if err != nil {
		return CappedDebit{}, err
	}
	return result, nil
}

func (service *Service) applyCapped(ctx context.Context, input EntryInput) (CappedDebit, error) {
	var result CappedDebit
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.LockWallet(ctx, input.WalletID)
		if err != nil {
			return err
		}
		existing, err := transactionStore.GetEntryByIdempotencyKey(ctx, input.IdempotencyKey)
		if err == nil {
			if existing.WalletID != input.WalletID || existing.Type != input.Type || existing.CreditBucket != input.CreditBucket || existing.Amount > input.Amount {
				return fmt.Errorf("%w: key %s", ErrDuplicateEntry, input.IdempotencyKey.String())
			}
			result = CappedDebit{Applied: AppliedEntry{Entry: existing, Balance: wallet.Balance(), Replayed: true}, Debited: existing.Amount.ToAmountCents()}
			return nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		room, err := debitRoom(wallet, input)
		if err != nil {
			return err
		}
		if room <= 0 {
			result = CappedDebit{Applied: AppliedEntry{Balance: wallet.Balance()}}
			return nil
		}
		capped := input
		if room < input.Amount.Int64() {
			capped.Amount = PositiveAmountCents(room)
		}
		applied, err := service.applyWithin(ctx, transactionStore, capped)
		if err != nil {
			return err
		}
		result = CappedDebit{Applied: applied, Debited: capped.Amount.ToAmountCents()}
		return nil
	})
	if err != nil {
		return CappedDebit{}, err
	}
	return result, nil
}

// debitRoom is the balance a debit entry draws on.
func debitRoom(wallet Wallet, input EntryInput) (int64, error) {
	if input.Settles != nil {
		return 0, fmt.Errorf("%w: a settling entry cannot be capped", ErrInvalidEntryType)
	}
	delta := input.delta()
	switch {
	case delta.credit < 0:
		return wallet.Credits[input.CreditBucket].Int64(), nil
	case delta.available < 0:
		return wallet.AvailableCents.Int64(), nil
	case delta.locked < 0:
		return wallet.LockedCents.Int64(), nil
	default:
		return 0, fmt.Errorf("%w: %s does not debit the wallet", ErrInvalidEntryType, input.Type)
	}
}

func (service *Service) applyBatch(ctx context.Context, inputs []EntryInput) ([]AppliedEntry, error) {
	var applied []AppliedEntry
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied = make([]AppliedEntry, 0, len(inputs))
		for _, input := range inputs {
			result, err := service.applyWithin(ctx, transactionStore, input)
			if err != nil {
				return err
			}
			applied = append(applied, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (service *Service) applyWithin(ctx context.Context, transactionStore Store, input EntryInput) (AppliedEntry, error) {
	wallet, err := transactionStore.LockWallet(ctx, input.WalletID)
	if err != nil {
		return AppliedEntry{}, err
	}
	existing, err := transactionStore.GetEntryByIdempotencyKey(ctx, input.IdempotencyKey)
	if err == nil {
		if !existing.matches(input) {
			return AppliedEntry{}, fmt.Errorf("%w: key %s", ErrDuplicateEntry, input.IdempotencyKey.String())
		}
		return AppliedEntry{Entry: existing, Balance: wallet.Balance(), Replayed: true}, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return AppliedEntry{}, err
	}
	if input.Settles != nil {
		if err := settleLockEntry(ctx, transactionStore, input); err != nil {
			return AppliedEntry{}, err
		}
	}
	updated, err := wallet.apply(input.delta(), input.CreditBucket)
	if err != nil {
		return AppliedEntry{}, err
	}
	nowUnixUTC := service.nowFn()
	updated.UpdatedUnixUTC = nowUnixUTC
	if err := transactionStore.SaveWallet(ctx, updated); err != nil {
		return AppliedEntry{}, err
	}
	entryID, err := NewEntryID(service.newID())
	if err != nil {
		return AppliedEntry{}, err
	}
	entry := Entry{
		EntryID:        entryID,
		WalletID:       input.WalletID,
		Type:           input.Type,
		Amount:         input.Amount,
		Direction:      input.Direction,
		CreditBucket:   input.CreditBucket,
		Reference:      input.Reference,
		IdempotencyKey: input.IdempotencyKey,
		Status:         input.initialStatus(),
		Settles:        input.Settles,
		Metadata:       input.Metadata,
		CreatedUnixUTC: nowUnixUTC,
	}
	if err := transactionStore.InsertEntry(ctx, entry); err != nil {
		return AppliedEntry{}, err
	}
	return AppliedEntry{Entry: entry, Balance: updated.Balance()}, nil
}

func settleLockEntry(ctx context.Context, transactionStore Store, input EntryInput) error {
	lockEntry, err := transactionStore.GetEntry(ctx, *input.Settles)
	if errors.Is(err, ErrEntryNotFound) {
		return fmt.Errorf("%w: unknown lock entry %s", ErrInvalidSettlement, input.Settles.String())
	}
	if err != nil {
		return err
	}
	if lockEntry.Type != EntryLock || lockEntry.WalletID != input.WalletID {
		return fmt.Errorf("%w: entry %s is not a lock on this wallet", ErrInvalidSettlement, lockEntry.EntryID.String())
	}
	if lockEntry.Amount != input.Amount {
		return fmt.Errorf("%w: amount %d does not match locked %d", ErrInvalidSettlement, input.Amount, lockEntry.Amount)
	}
	if lockEntry.Status != EntryStatusLocked {
		return fmt.Errorf("%w: entry %s is %s", ErrEntrySettled, lockEntry.EntryID.String(), lockEntry.Status)
	}
	return transactionStore.UpdateEntryStatus(ctx, lockEntry.EntryID, EntryStatusLocked, input.settledStatus())
}

func normalizeBatch(inputs []EntryInput) ([]EntryInput, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidEntryBatch)
	}
	normalized := make([]EntryInput, 0, len(inputs))
	seenKeys := make(map[IdempotencyKey]struct{}, len(inputs))
	for _, input := range inputs {
		normalizedInput, err := input.normalize()
		if err != nil {
			return nil, err
		}
		if _, seen := seenKeys[normalizedInput.IdempotencyKey]; seen {
			return nil, fmt.Errorf("%w: repeated key %s", ErrInvalidEntryBatch, normalizedInput.IdempotencyKey.String())
		}
		seenKeys[normalizedInput.IdempotencyKey] = struct{}{}
		normalized = append(normalized, normalizedInput)
	}
	return normalized, nil
}

func (service *Service) logBatch(ctx context.Context, inputs []EntryInput, applied []AppliedEntry, operationError error) {
	for index, input := range inputs {
		entry := OperationLog{
			Operation:      operationApplyEntry,
			WalletID:       input.WalletID,
			EntryType:      input.Type,
			Amount:         input.Amount.ToAmountCents(),
			IdempotencyKey: input.IdempotencyKey,
			Reference:      input.Reference,
			Error:          operationError,
		}
		if operationError == nil && index < len(applied) && applied[index].Replayed {
			entry.Status = operationStatusReplayed
		}
		service.logOperation(ctx, entry)
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
