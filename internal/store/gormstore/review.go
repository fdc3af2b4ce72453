package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
)

const errorSubjectReview = "review"

// ReviewStore implements review.Store.
type ReviewStore struct {
	db *gorm.DB
}

// NewReviewStore returns a ReviewStore backed by gorm.DB.
func NewReviewStore(db *gorm.DB) *ReviewStore {
	return &ReviewStore{db: db}
}

func (store *ReviewStore) CreateItem(ctx context.Context, item review.Item) error {
	details, err := json.Marshal(item.Details)
	if err != nil {
		return wrapStoreError(errorSubjectReview, errorCodeInvalid, err)
	}
	if item.Details == nil {
		details = []byte(defaultMetadataJSON)
	}
	model := ReviewItem{
		ReviewID:   item.ID,
		Kind:       string(item.Kind),
		Subject:    item.Subject,
		Details:    datatypesJSON(string(details)),
		Status:     string(item.Status),
		Resolution: item.Resolution,
		CreatedAt:  item.CreatedAt.UTC(),
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReview, errorCodeDuplicate, review.ErrItemExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReview, errorCodeCreate, err)
	}
	return nil
}

func (store *ReviewStore) FindItem(ctx context.Context, kind review.Kind, subject string) (review.Item, error) {
	var model ReviewItem
	err := store.db.WithContext(ctx).Where("kind = ? AND subject = ?", string(kind), subject).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return review.Item{}, wrapStoreError(errorSubjectReview, errorCodeGet, review.ErrItemNotFound)
	}
	if err != nil {
		return review.Item{}, wrapStoreError(errorSubjectReview, errorCodeGet, err)
	}
	return mapReviewItem(model)
}

func (store *ReviewStore) ListItems(ctx context.Context, status review.Status, limit int) ([]review.Item, error) {
	query := store.db.WithContext(ctx).Where("status = ?", string(status)).Order("created_at ASC").Order("review_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []ReviewItem
	if err := query.Find(&models).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReview, errorCodeList, err)
	}
	items := make([]review.Item, 0, len(models))
	for _, model := range models {
		item, err := mapReviewItem(model)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (store *ReviewStore) ResolveItem(ctx context.Context, id string, resolution string, resolvedAt time.Time) error {
	resolvedAtUTC := resolvedAt.UTC()
	result := store.db.WithContext(ctx).
		Model(&ReviewItem{}).
		Where("review_id = ? AND status = ?", id, string(review.StatusOpen)).
		Updates(map[string]any{
			"status":      string(review.StatusResolved),
			"resolution":  resolution,
			"resolved_at": &resolvedAtUTC,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReview, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&ReviewItem{}).Where("review_id = ?", id).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectReview, errorCodeLookup, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectReview, errorCodeUpdate, review.ErrItemNotFound)
		}
		return wrapStoreError(errorSubjectReview, errorCodeStale, review.ErrItemResolved)
	}
	return nil
}

func mapReviewItem(model ReviewItem) (review.Item, error) {
	details := map[string]string{}
	if len(model.Details) > 0 {
		if err := json.Unmarshal(model.Details, &details); err != nil {
			return review.Item{}, wrapStoreError(errorSubjectReview, errorCodeInvalid, err)
		}
	}
	item := review.Item{
		ID:         model.ReviewID,
		Kind:       review.Kind(model.Kind),
		Subject:    model.Subject,
		Details:    details,
		Status:     review.Status(model.Status),
		Resolution: model.Resolution,
		CreatedAt:  model.CreatedAt.UTC(),
	}
	if model.ResolvedAt != nil {
		item.ResolvedAt = model.ResolvedAt.UTC()
	}
	return item, nil
}
