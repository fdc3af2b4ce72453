package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/webhook"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	errorSubjectBookingIntent = "booking_intent"
	errorSubjectDepositIntent = "deposit_intent"
	errorSubjectNotification  = "notification"
)

// IntentStore persists booking intents, deposit intents and webhook notifications.
type IntentStore struct {
	db *gorm.DB
}

// NewIntentStore returns an IntentStore backed by gorm.DB.
func NewIntentStore(db *gorm.DB) *IntentStore {
	return &IntentStore{db: db}
}

func (store *IntentStore) CreateBookingIntent(ctx context.Context, intent webhook.BookingIntent) error {
	model := BookingIntent{
		IntentID:           intent.IntentID,
		BookingID:          intent.BookingID,
		RenterID:           intent.RenterID,
		AmountCents:        intent.AmountCents.Int64(),
		Currency:           intent.Currency,
		ProviderPaymentID:  intent.ProviderPaymentID,
		Status:             string(intent.Status),
		PaymentMethodToken: intent.PaymentMethodToken,
		Preauthorization:   intent.Preauthorization,
		CreatedAt:          intent.CreatedAt.UTC(),
		UpdatedAt:          intent.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectBookingIntent, errorCodeDuplicate, webhook.ErrIntentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBookingIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *IntentStore) FindBookingIntent(ctx context.Context, intentID string) (webhook.BookingIntent, error) {
	var model BookingIntent
	err := store.db.WithContext(ctx).Where("intent_id = ?", intentID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return webhook.BookingIntent{}, wrapStoreError(errorSubjectBookingIntent, errorCodeGet, webhook.ErrIntentNotFound)
	}
	if err != nil {
		return webhook.BookingIntent{}, wrapStoreError(errorSubjectBookingIntent, errorCodeGet, err)
	}
	intent, err := mapBookingIntent(model)
	if err != nil {
		return webhook.BookingIntent{}, wrapStoreError(errorSubjectBookingIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

func (store *IntentStore) ListOpenBookingIntents(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]webhook.BookingIntent, error) {
	var models []BookingIntent
	err := store.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ? AND intent_id > ?",
			[]string{string(webhook.BookingIntentCreated), string(webhook.BookingIntentAuthorized)}, updatedBefore.UTC(), afterID).
		Order("intent_id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBookingIntent, errorCodeList, err)
	}
	intents := make([]webhook.BookingIntent, 0, len(models))
	for _, model := range models {
		intent, err := mapBookingIntent(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBookingIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

// TransitionBookingIntent never moves an intent out of a settled status.
func (store *IntentStore) TransitionBookingIntent(ctx context.Context, intentID string, from webhook.BookingIntentStatus, to webhook.BookingIntentStatus, providerPaymentID string, at time.Time) error {
	if from.Settled() {
		return wrapStoreError(errorSubjectBookingIntent, errorCodeStale, webhook.ErrIntentSettled)
	}
	result := store.db.WithContext(ctx).
		Model(&BookingIntent{}).
		Where("intent_id = ? AND status = ?", intentID, string(from)).
		Updates(map[string]any{
			"status":              string(to),
			"provider_payment_id": providerPaymentID,
			"updated_at":          at.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBookingIntent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.missingOrStale(ctx, &BookingIntent{}, intentID, errorSubjectBookingIntent)
	}
	return nil
}

func (store *IntentStore) CreateDepositIntent(ctx context.Context, intent webhook.DepositIntent) error {
	model := DepositIntent{
		IntentID:           intent.IntentID,
		UserID:             intent.UserID,
		Purpose:            string(intent.Purpose),
		AmountCents:        intent.AmountCents.Int64(),
		Currency:           intent.Currency,
		ProviderPaymentID:  intent.ProviderPaymentID,
		Status:             string(intent.Status),
		PaymentMethodToken: intent.PaymentMethodToken,
		CreatedAt:          intent.CreatedAt.UTC(),
		UpdatedAt:          intent.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectDepositIntent, errorCodeDuplicate, webhook.ErrIntentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectDepositIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *IntentStore) FindDepositIntent(ctx context.Context, intentID string) (webhook.DepositIntent, error) {
	var model DepositIntent
	err := store.db.WithContext(ctx).Where("intent_id = ?", intentID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return webhook.DepositIntent{}, wrapStoreError(errorSubjectDepositIntent, errorCodeGet, webhook.ErrIntentNotFound)
	}
	if err != nil {
		return webhook.DepositIntent{}, wrapStoreError(errorSubjectDepositIntent, errorCodeGet, err)
	}
	intent, err := mapDepositIntent(model)
	if err != nil {
		return webhook.DepositIntent{}, wrapStoreError(errorSubjectDepositIntent, errorCodeInvalid, err)
	}
	return intent, nil
}

// TransitionDepositIntent never moves a completed top-up.
func (store *IntentStore) TransitionDepositIntent(ctx context.Context, intentID string, from webhook.DepositIntentStatus, to webhook.DepositIntentStatus, providerPaymentID string, at time.Time) error {
	if from.Settled() {
		return wrapStoreError(errorSubjectDepositIntent, errorCodeStale, webhook.ErrIntentSettled)
	}
	result := store.db.WithContext(ctx).
		Model(&DepositIntent{}).
		Where("intent_id = ? AND status = ?", intentID, string(from)).
		Updates(map[string]any{
			"status":              string(to),
			"provider_payment_id": providerPaymentID,
			"updated_at":          at.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectDepositIntent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.missingOrStale(ctx, &DepositIntent{}, intentID, errorSubjectDepositIntent)
	}
	return nil
}

func (store *IntentStore) ListDepositIntents(ctx context.Context, userID string, limit int) ([]webhook.DepositIntent, error) {
	var models []DepositIntent
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDepositIntent, errorCodeList, err)
	}
	intents := make([]webhook.DepositIntent, 0, len(models))
	for _, model := range models {
		intent, err := mapDepositIntent(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDepositIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func (store *IntentStore) ListOpenDepositIntents(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]webhook.DepositIntent, error) {
	var models []DepositIntent
	err := store.db.WithContext(ctx).
		Where("status = ? AND updated_at < ? AND intent_id > ?", string(webhook.DepositIntentCreated), updatedBefore.UTC(), afterID).
		Order("intent_id").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectDepositIntent, errorCodeList, err)
	}
	intents := make([]webhook.DepositIntent, 0, len(models))
	for _, model := range models {
		intent, err := mapDepositIntent(model)
		if err != nil {
			return nil, wrapStoreError(errorSubjectDepositIntent, errorCodeInvalid, err)
		}
		intents = append(intents, intent)
	}
	return intents, nil
}

func (store *IntentStore) CreateNotification(ctx context.Context, notification webhook.Notification) error {
	model := WebhookNotification{
		NotificationID: notification.ID,
		PaymentID:      notification.PaymentID,
		RequestID:      notification.RequestID,
		State:          string(notification.State),
		Outcome:        string(notification.Outcome),
		ReceivedAt:     notification.ReceivedAt.UTC(),
		UpdatedAt:      notification.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectNotification, errorCodeDuplicate, webhook.ErrNotificationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectNotification, errorCodeCreate, err)
	}
	return nil
}

func (store *IntentStore) GetNotification(ctx context.Context, id string) (webhook.Notification, error) {
	var model WebhookNotification
	err := store.db.WithContext(ctx).Where("notification_id = ?", id).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return webhook.Notification{}, wrapStoreError(errorSubjectNotification, errorCodeGet, webhook.ErrNotificationNotFound)
	}
	if err != nil {
		return webhook.Notification{}, wrapStoreError(errorSubjectNotification, errorCodeGet, err)
	}
	return webhook.Notification{
		ID:         model.NotificationID,
		PaymentID:  model.PaymentID,
		RequestID:  model.RequestID,
		State:      webhook.NotificationState(model.State),
		Outcome:    webhook.Outcome(model.Outcome),
		ReceivedAt: model.ReceivedAt.UTC(),
		UpdatedAt:  model.UpdatedAt.UTC(),
	}, nil
}

func (store *IntentStore) TransitionNotification(ctx context.Context, id string, from webhook.NotificationState, to webhook.NotificationState, outcome webhook.Outcome, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&WebhookNotification{}).
		Where("notification_id = ? AND state = ?", id, string(from)).
		Updates(map[string]any{
			"state":      string(to),
			"outcome":    string(outcome),
			"updated_at": at.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectNotification, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&WebhookNotification{}).Where("notification_id = ?", id).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectNotification, errorCodeLookup, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectNotification, errorCodeUpdate, webhook.ErrNotificationNotFound)
		}
		return wrapStoreError(errorSubjectNotification, errorCodeStale, webhook.ErrStaleState)
	}
	return nil
}

// missingOrStale explains a compare-and-set that touched no intent row.
func (store *IntentStore) missingOrStale(ctx context.Context, model any, intentID string, subject string) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(model).Where("intent_id = ?", intentID).Count(&count).Error; err != nil {
		return wrapStoreError(subject, errorCodeLookup, err)
	}
	if count == 0 {
		return wrapStoreError(subject, errorCodeUpdate, webhook.ErrIntentNotFound)
	}
	return wrapStoreError(subject, errorCodeStale, webhook.ErrStaleState)
}

func mapBookingIntent(model BookingIntent) (webhook.BookingIntent, error) {
	amount, err := ledger.NewPositiveAmountCents(model.AmountCents)
	if err != nil {
		return webhook.BookingIntent{}, err
	}
	return webhook.BookingIntent{
		IntentID:           model.IntentID,
		BookingID:          model.BookingID,
		RenterID:           model.RenterID,
		AmountCents:        amount,
		Currency:           model.Currency,
		ProviderPaymentID:  model.ProviderPaymentID,
		Status:             webhook.BookingIntentStatus(model.Status),
		PaymentMethodToken: model.PaymentMethodToken,
		Preauthorization:   model.Preauthorization,
		CreatedAt:          model.CreatedAt.UTC(),
		UpdatedAt:          model.UpdatedAt.UTC(),
	}, nil
}

func mapDepositIntent(model DepositIntent) (webhook.DepositIntent, error) {
	amount, err := ledger.NewPositiveAmountCents(model.AmountCents)
	if err != nil {
		return webhook.DepositIntent{}, err
	}
	return webhook.DepositIntent{
		IntentID:           model.IntentID,
		UserID:             model.UserID,
		Purpose:            webhook.DepositPurpose(model.Purpose),
		AmountCents:        amount,
		Currency:           model.Currency,
		ProviderPaymentID:  model.ProviderPaymentID,
		Status:             webhook.DepositIntentStatus(model.Status),
		PaymentMethodToken: model.PaymentMethodToken,
		CreatedAt:          model.CreatedAt.UTC(),
		UpdatedAt:          model.UpdatedAt.UTC(),
	}, nil
}
