package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	errorSubjectWallet = "wallet"
	errorSubjectEntry  = "entry"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateWallet(ctx context.Context, wallet ledger.Wallet) error {
	model, err := walletModel(wallet)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectWallet, errorCodeDuplicate, ledger.ErrWalletExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetWallet(ctx context.Context, walletID ledger.WalletID) (ledger.Wallet, error) {
	return store.findWallet(store.db.WithContext(ctx), "wallet_id = ?", walletID.String())
}

func (store *Store) GetWalletByUser(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error) {
	return store.findWallet(store.db.WithContext(ctx), "user_id = ?", userID.String())
}

// LockWallet takes a row lock on PostgreSQL; SQLite serializes writers at the database level.
func (store *Store) LockWallet(ctx context.Context, walletID ledger.WalletID) (ledger.Wallet, error) {
	return store.findWallet(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), "wallet_id = ?", walletID.String())
}

func (store *Store) findWallet(query *gorm.DB, condition string, value string) (ledger.Wallet, error) {
	var model Wallet
	err := query.Where(condition, value).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, ledger.ErrWalletNotFound)
	}
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet, err := mapWallet(model)
	if err != nil {
		return ledger.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return wallet, nil
}

func (store *Store) SaveWallet(ctx context.Context, wallet ledger.Wallet) error {
	model, err := walletModel(wallet)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ?", model.WalletID).
		Updates(map[string]any{
			"available_cents": model.AvailableCents,
			"locked_cents":    model.LockedCents,
			"credits":         model.Credits,
			"updated_at":      model.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, ledger.ErrWalletNotFound)
	}
	return nil
}

func (store *Store) GetEntry(ctx context.Context, entryID ledger.EntryID) (ledger.Entry, error) {
	return store.findEntry(ctx, "entry_id = ?", entryID.String())
}

func (store *Store) GetEntryByIdempotencyKey(ctx context.Context, key ledger.IdempotencyKey) (ledger.Entry, error) {
	return store.findEntry(ctx, "idempotency_key = ?", key.String())
}

func (store *Store) findEntry(ctx context.Context, condition string, value string) (ledger.Entry, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).Where(condition, value).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, ledger.ErrEntryNotFound)
	}
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return ledger.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	var settles *string
	if entry.Settles != nil {
		value := entry.Settles.String()
		settles = &value
	}
	row := LedgerEntry{
		EntryID:        entry.EntryID.String(),
		WalletID:       entry.WalletID.String(),
		Type:           entry.Type.String(),
		AmountCents:    entry.Amount.Int64(),
		Direction:      string(entry.Direction),
		CreditBucket:   entry.CreditBucket.String(),
		ReferenceType:  string(entry.Reference.Type),
		ReferenceID:    entry.Reference.ID,
		IdempotencyKey: entry.IdempotencyKey.String(),
		Status:         entry.Status.String(),
		SettlesEntryID: settles,
		Metadata:       datatypesJSON(entry.Metadata.String()),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateEntryStatus(ctx context.Context, entryID ledger.EntryID, from, to ledger.EntryStatus) error {
	result := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Where("entry_id = ? AND status = ?", entryID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, ledger.ErrEntrySettled)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Model(&LedgerEntry{})
	if !filter.WalletID.IsZero() {
		query = query.Where("wallet_id = ?", filter.WalletID.String())
	}
	if !filter.Reference.IsZero() {
		query = query.Where("reference_type = ? AND reference_id = ?", string(filter.Reference.Type), filter.Reference.ID)
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, entryType := range filter.Types {
			types = append(types, entryType.String())
		}
		query = query.Where("type IN ?", types)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, status.String())
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.BeforeUnixUTC > 0 {
		query = query.Where("created_at < ?", time.Unix(filter.BeforeUnixUTC, 0).UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []LedgerEntry
	if err := query.Order("created_at DESC").Order("entry_id DESC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func walletModel(wallet ledger.Wallet) (Wallet, error) {
	credits := make(map[string]int64, len(wallet.Credits))
	for bucket, amount := range wallet.Credits {
		credits[bucket.String()] = amount.Int64()
	}
	encoded, err := json.Marshal(credits)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{
		WalletID:       wallet.WalletID.String(),
		UserID:         wallet.UserID.String(),
		Currency:       wallet.Currency.String(),
		AvailableCents: wallet.AvailableCents.Int64(),
		LockedCents:    wallet.LockedCents.Int64(),
		Credits:        datatypesJSON(string(encoded)),
		UpdatedAt:      time.Unix(wallet.UpdatedUnixUTC, 0).UTC(),
	}, nil
}

func mapWallet(model Wallet) (ledger.Wallet, error) {
	walletID, err := ledger.NewWalletID(model.WalletID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	userID, err := ledger.NewUserID(model.UserID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	currency, err := ledger.NewCurrency(model.Currency)
	if err != nil {
		return ledger.Wallet{}, err
	}
	available, err := ledger.NewAmountCents(model.AvailableCents)
	if err != nil {
		return ledger.Wallet{}, err
	}
	locked, err := ledger.NewAmountCents(model.LockedCents)
	if err != nil {
		return ledger.Wallet{}, err
	}
	var rawCredits map[string]int64
	if len(model.Credits) > 0 {
		if err := json.Unmarshal(model.Credits, &rawCredits); err != nil {
			return ledger.Wallet{}, err
		}
	}
	credits := make(map[ledger.CreditBucket]ledger.AmountCents, len(rawCredits))
	for rawBucket, rawAmount := range rawCredits {
		bucket, err := ledger.NewCreditBucket(rawBucket)
		if err != nil {
			return ledger.Wallet{}, err
		}
		amount, err := ledger.NewAmountCents(rawAmount)
		if err != nil {
			return ledger.Wallet{}, err
		}
		credits[bucket] = amount
	}
	return ledger.Wallet{
		WalletID:       walletID,
		UserID:         userID,
		Currency:       currency,
		AvailableCents: available,
		LockedCents:    locked,
		Credits:        credits,
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	walletID, err := ledger.NewWalletID(row.WalletID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewPositiveAmountCents(row.AmountCents)
	if err != nil {
		return ledger.Entry{}, err
	}
	direction, err := ledger.ParseDirection(row.Direction)
	if err != nil {
		return ledger.Entry{}, err
	}
	var bucket ledger.CreditBucket
	if row.CreditBucket != "" {
		if bucket, err = ledger.NewCreditBucket(row.CreditBucket); err != nil {
			return ledger.Entry{}, err
		}
	}
	var reference ledger.Reference
	if row.ReferenceType != "" || row.ReferenceID != "" {
		if reference, err = ledger.NewReference(ledger.ReferenceType(row.ReferenceType), row.ReferenceID); err != nil {
			return ledger.Entry{}, err
		}
	}
	key, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	var settles *ledger.EntryID
	if row.SettlesEntryID != nil {
		parsed, err := ledger.NewEntryID(*row.SettlesEntryID)
		if err != nil {
			return ledger.Entry{}, err
		}
		settles = &parsed
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.Entry{
		EntryID:        entryID,
		WalletID:       walletID,
		Type:           entryType,
		Amount:         amount,
		Direction:      direction,
		CreditBucket:   bucket,
		Reference:      reference,
		IdempotencyKey: key,
		Status:         status,
		Settles:        settles,
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}
