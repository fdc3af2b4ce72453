package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/retry"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const errorSubjectRetry = "retry"

// RetryStore implements retry.Store.
type RetryStore struct {
	db *gorm.DB
}

// NewRetryStore returns a RetryStore backed by gorm.DB.
func NewRetryStore(db *gorm.DB) *RetryStore {
	return &RetryStore{db: db}
}

func (store *RetryStore) CreateRecord(ctx context.Context, record retry.Record) error {
	model := retryModel(record)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectRetry, errorCodeDuplicate, retry.ErrRecordExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRetry, errorCodeCreate, err)
	}
	return nil
}

func (store *RetryStore) FindRecord(ctx context.Context, kind retry.Kind, dedupeKey string) (retry.Record, error) {
	var model RetryRecord
	err := store.db.WithContext(ctx).Where("kind = ? AND dedupe_key = ?", string(kind), dedupeKey).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return retry.Record{}, wrapStoreError(errorSubjectRetry, errorCodeGet, retry.ErrRecordNotFound)
	}
	if err != nil {
		return retry.Record{}, wrapStoreError(errorSubjectRetry, errorCodeGet, err)
	}
	record, err := mapRetryRecord(model)
	if err != nil {
		return retry.Record{}, wrapStoreError(errorSubjectRetry, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *RetryStore) RecoverStale(ctx context.Context, staleBefore time.Time, now time.Time) (int, error) {
	result := store.db.WithContext(ctx).
		Model(&RetryRecord{}).
		Where("status = ? AND updated_at < ?", string(retry.StatusRetrying), staleBefore.UTC()).
		Updates(map[string]any{"status": string(retry.StatusPending), "updated_at": now.UTC()})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectRetry, errorCodeUpdate, result.Error)
	}
	return int(result.RowsAffected), nil
}

// ClaimDue selects due rows with SKIP LOCKED on PostgreSQL and moves each to retrying with a
// status-guarded update, so concurrent sweepers never claim the same row.
func (store *RetryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]retry.Record, error) {
	claimed := make([]retry.Record, 0, limit)
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var models []RetryRecord
		err := transaction.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_retry_at <= ?", string(retry.StatusPending), now.UTC()).
			Order("next_retry_at ASC").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return err
		}
		for _, model := range models {
			result := transaction.
				Model(&RetryRecord{}).
				Where("retry_id = ? AND status = ?", model.RetryID, string(retry.StatusPending)).
				Updates(map[string]any{"status": string(retry.StatusRetrying), "updated_at": now.UTC()})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				continue
			}
			model.Status = string(retry.StatusRetrying)
			model.UpdatedAt = now.UTC()
			record, err := mapRetryRecord(model)
			if err != nil {
				return err
			}
			claimed = append(claimed, record)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreError(errorSubjectRetry, errorCodeUpdate, err)
	}
	return claimed, nil
}

func (store *RetryStore) UpdateClaimed(ctx context.Context, record retry.Record) error {
	model := retryModel(record)
	result := store.db.WithContext(ctx).
		Model(&RetryRecord{}).
		Where("retry_id = ? AND status = ?", model.RetryID, string(retry.StatusRetrying)).
		Updates(map[string]any{
			"provider_payment_id": model.ProviderPaymentID,
			"attempt":             model.Attempt,
			"transient_failures":  model.TransientFailures,
			"status":              model.Status,
			"next_retry_at":       model.NextRetryAt,
			"last_error":          model.LastError,
			"pending_attempt_key": model.PendingAttemptKey,
			"updated_at":          model.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRetry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRetry, errorCodeStale, retry.ErrStaleClaim)
	}
	return nil
}

func retryModel(record retry.Record) RetryRecord {
	return RetryRecord{
		RetryID:            record.ID,
		Kind:               string(record.Kind),
		DedupeKey:          record.DedupeKey,
		TargetReference:    record.TargetReference,
		BookingID:          record.BookingID,
		ProviderPaymentID:  record.ProviderPaymentID,
		UserID:             record.UserID,
		AmountCents:        record.AmountCents.Int64(),
		Currency:           record.Currency,
		PaymentMethodToken: record.PaymentMethodToken,
		Attempt:            record.Attempt,
		MaxAttempts:        record.MaxAttempts,
		TransientFailures:  record.TransientFailures,
		Status:             string(record.Status),
		NextRetryAt:        record.NextRetryAt.UTC(),
		LastError:          record.LastError,
		PendingAttemptKey:  record.PendingAttemptKey,
		CreatedAt:          record.CreatedAt.UTC(),
		UpdatedAt:          record.UpdatedAt.UTC(),
	}
}

func mapRetryRecord(model RetryRecord) (retry.Record, error) {
	amount, err := ledger.NewAmountCents(model.AmountCents)
	if err != nil {
		return retry.Record{}, err
	}
	return retry.Record{
		ID:                 model.RetryID,
		Kind:               retry.Kind(model.Kind),
		DedupeKey:          model.DedupeKey,
		TargetReference:    model.TargetReference,
		BookingID:          model.BookingID,
		ProviderPaymentID:  model.ProviderPaymentID,
		UserID:             model.UserID,
		AmountCents:        amount,
		Currency:           model.Currency,
		PaymentMethodToken: model.PaymentMethodToken,
		Attempt:            model.Attempt,
		MaxAttempts:        model.MaxAttempts,
		TransientFailures:  model.TransientFailures,
		Status:             retry.Status(model.Status),
		NextRetryAt:        model.NextRetryAt.UTC(),
		LastError:          model.LastError,
		PendingAttemptKey:  model.PendingAttemptKey,
		CreatedAt:          model.CreatedAt.UTC(),
		UpdatedAt:          model.UpdatedAt.UTC(),
	}, nil
}
