package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/rewards"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	errorSubjectPool         = "pool"
	errorSubjectContribution = "contribution"
	errorSubjectPayout       = "payout"
)

// RewardStore implements rewards.Store.
type RewardStore struct {
	db *gorm.DB
}

// NewRewardStore returns a RewardStore backed by gorm.DB.
func NewRewardStore(db *gorm.DB) *RewardStore {
	return &RewardStore{db: db}
}

func (store *RewardStore) EnsurePool(ctx context.Context, pool rewards.Pool) (rewards.Pool, error) {
	model := RewardPool{
		PoolID:              pool.ID,
		PeriodStart:         pool.PeriodStart.UTC(),
		PeriodEnd:           pool.PeriodEnd.UTC(),
		Status:              string(pool.Status),
		TotalCollectedCents: pool.TotalCollectedCents.Int64(),
		CreatedAt:           pool.CreatedAt.UTC(),
		UpdatedAt:           pool.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "period_start"}}, DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return rewards.Pool{}, wrapStoreError(errorSubjectPool, errorCodeCreate, err)
	}
	var stored RewardPool
	if err := store.db.WithContext(ctx).Where("period_start = ?", pool.PeriodStart.UTC()).Take(&stored).Error; err != nil {
		return rewards.Pool{}, wrapStoreError(errorSubjectPool, errorCodeGet, err)
	}
	return mapPool(stored)
}

func (store *RewardStore) OldestDuePool(ctx context.Context, now time.Time) (rewards.Pool, error) {
	var model RewardPool
	err := store.db.WithContext(ctx).
		Where("status = ? AND period_end <= ?", string(rewards.PoolCollecting), now.UTC()).
		Order("period_start ASC").
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.Pool{}, wrapStoreError(errorSubjectPool, errorCodeGet, rewards.ErrPoolNotFound)
	}
	if err != nil {
		return rewards.Pool{}, wrapStoreError(errorSubjectPool, errorCodeGet, err)
	}
	return mapPool(model)
}

func (store *RewardStore) ListPools(ctx context.Context, status rewards.PoolStatus) ([]rewards.Pool, error) {
	var models []RewardPool
	if err := store.db.WithContext(ctx).Where("status = ?", string(status)).Order("period_start ASC").Find(&models).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPool, errorCodeList, err)
	}
	pools := make([]rewards.Pool, 0, len(models))
	for _, model := range models {
		pool, err := mapPool(model)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func (store *RewardStore) TransitionPool(ctx context.Context, poolID string, from rewards.PoolStatus, to rewards.PoolStatus, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&RewardPool{}).
		Where("pool_id = ? AND status = ?", poolID, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": at.UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPool, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&RewardPool{}).Where("pool_id = ?", poolID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectPool, errorCodeLookup, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectPool, errorCodeUpdate, rewards.ErrPoolNotFound)
		}
		return wrapStoreError(errorSubjectPool, errorCodeStale, rewards.ErrStaleState)
	}
	return nil
}

// AddContribution locks the pool row so the collecting check and the total update are atomic.
func (store *RewardStore) AddContribution(ctx context.Context, contribution rewards.Contribution) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var pool RewardPool
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).Where("pool_id = ?", contribution.PoolID).Take(&pool).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rewards.ErrPoolNotFound
		}
		if err != nil {
			return err
		}
		if pool.Status != string(rewards.PoolCollecting) {
			return rewards.ErrPoolNotCollecting
		}
		model := PoolContribution{
			ContributionID: contribution.ID,
			PoolID:         contribution.PoolID,
			Reference:      contribution.Reference,
			AmountCents:    contribution.AmountCents.Int64(),
			ContributedAt:  contribution.At.UTC(),
		}
		if err := transaction.Create(&model).Error; err != nil {
			if isUniqueViolation(err) {
				return rewards.ErrContributionExists
			}
			return err
		}
		return transaction.Model(&RewardPool{}).
			Where("pool_id = ?", pool.PoolID).
			Update("total_collected_cents", gorm.Expr("total_collected_cents + ?", model.AmountCents)).Error
	})
	if err != nil {
		return wrapStoreError(errorSubjectContribution, errorCodeCreate, err)
	}
	return nil
}

func (store *RewardStore) CreatePayouts(ctx context.Context, payouts []rewards.Payout) error {
	models := make([]RewardPayout, 0, len(payouts))
	for _, payout := range payouts {
		models = append(models, payoutModel(payout))
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "pool_id"}, {Name: "owner_id"}}, DoNothing: true}).
		Create(&models).Error
	if err != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeCreate, err)
	}
	return nil
}

func (store *RewardStore) GetPayout(ctx context.Context, payoutID string) (rewards.Payout, error) {
	var model RewardPayout
	err := store.db.WithContext(ctx).Where("payout_id = ?", payoutID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, rewards.ErrPayoutNotFound)
	}
	if err != nil {
		return rewards.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeGet, err)
	}
	return mapPayout(model)
}

func (store *RewardStore) ListPayouts(ctx context.Context, filter rewards.PayoutFilter) ([]rewards.Payout, error) {
	query := store.db.WithContext(ctx).Model(&RewardPayout{})
	if filter.PoolID != "" {
		query = query.Where("pool_id = ?", filter.PoolID)
	}
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", payoutStatusStrings(filter.Statuses))
	}
	if !filter.UpdatedBefore.IsZero() {
		query = query.Where("updated_at < ?", filter.UpdatedBefore.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var models []RewardPayout
	if err := query.Order("updated_at ASC").Order("payout_id ASC").Find(&models).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPayout, errorCodeList, err)
	}
	payouts := make([]rewards.Payout, 0, len(models))
	for _, model := range models {
		payout, err := mapPayout(model)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, payout)
	}
	return payouts, nil
}

func (store *RewardStore) CountPayouts(ctx context.Context, poolID string, statuses ...rewards.PayoutStatus) (int64, error) {
	query := store.db.WithContext(ctx).Model(&RewardPayout{}).Where("pool_id = ?", poolID)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", payoutStatusStrings(statuses))
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, wrapStoreError(errorSubjectPayout, errorCodeLookup, err)
	}
	return count, nil
}

func (store *RewardStore) TransitionPayout(ctx context.Context, payout rewards.Payout, from rewards.PayoutStatus) error {
	model := payoutModel(payout)
	result := store.db.WithContext(ctx).
		Model(&RewardPayout{}).
		Where("payout_id = ? AND status = ?", model.PayoutID, string(from)).
		Updates(map[string]any{
			"eligibility":    model.Eligibility,
			"status":         model.Status,
			"freeze_reason":  model.FreezeReason,
			"transfer_id":    model.TransferID,
			"failure_reason": model.FailureReason,
			"attempts":       model.Attempts,
			"updated_at":     model.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectPayout, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := store.db.WithContext(ctx).Model(&RewardPayout{}).Where("payout_id = ?", model.PayoutID).Count(&count).Error; err != nil {
			return wrapStoreError(errorSubjectPayout, errorCodeLookup, err)
		}
		if count == 0 {
			return wrapStoreError(errorSubjectPayout, errorCodeUpdate, rewards.ErrPayoutNotFound)
		}
		return wrapStoreError(errorSubjectPayout, errorCodeStale, rewards.ErrStaleState)
	}
	return nil
}

func payoutStatusStrings(statuses []rewards.PayoutStatus) []string {
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}
	return values
}

func payoutModel(payout rewards.Payout) RewardPayout {
	return RewardPayout{
		PayoutID:        payout.ID,
		PoolID:          payout.PoolID,
		OwnerID:         payout.OwnerID,
		AmountCents:     payout.AmountCents.Int64(),
		SharePercentage: payout.SharePercentage.String(),
		Eligibility:     string(payout.Eligibility),
		Status:          string(payout.Status),
		FreezeReason:    payout.FreezeReason,
		TransferID:      payout.TransferID,
		FailureReason:   payout.FailureReason,
		Attempts:        payout.Attempts,
		CreatedAt:       payout.CreatedAt.UTC(),
		UpdatedAt:       payout.UpdatedAt.UTC(),
	}
}

func mapPayout(model RewardPayout) (rewards.Payout, error) {
	amount, err := ledger.NewAmountCents(model.AmountCents)
	if err != nil {
		return rewards.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	share, err := decimal.NewFromString(model.SharePercentage)
	if err != nil {
		return rewards.Payout{}, wrapStoreError(errorSubjectPayout, errorCodeInvalid, err)
	}
	return rewards.Payout{
		ID:              model.PayoutID,
		PoolID:          model.PoolID,
		OwnerID:         model.OwnerID,
		AmountCents:     amount,
		SharePercentage: share,
		Eligibility:     rewards.Eligibility(model.Eligibility),
		Status:          rewards.PayoutStatus(model.Status),
		FreezeReason:    model.FreezeReason,
		TransferID:      model.TransferID,
		FailureReason:   model.FailureReason,
		Attempts:        model.Attempts,
		CreatedAt:       model.CreatedAt.UTC(),
		UpdatedAt:       model.UpdatedAt.UTC(),
	}, nil
}

func mapPool(model RewardPool) (rewards.Pool, error) {
	total, err := ledger.NewAmountCents(model.TotalCollectedCents)
	if err != nil {
		return rewards.Pool{}, wrapStoreError(errorSubjectPool, errorCodeInvalid, err)
	}
	return rewards.Pool{
		ID:                  model.PoolID,
		PeriodStart:         model.PeriodStart.UTC(),
		PeriodEnd:           model.PeriodEnd.UTC(),
		Status:              rewards.PoolStatus(model.Status),
		TotalCollectedCents: total,
		CreatedAt:           model.CreatedAt.UTC(),
		UpdatedAt:           model.UpdatedAt.UTC(),
	}, nil
}
