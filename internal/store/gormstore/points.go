package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/rewards"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const errorSubjectPoints = "car_points"

var ErrInvalidPoints = fmt.Errorf("%w: invalid car points", ledger.ErrValidation)

// PointsStore records daily car scores and serves them as the reward pool contribution source.
type PointsStore struct {
	db *gorm.DB
}

// NewPointsStore returns a PointsStore backed by gorm.DB.
func NewPointsStore(db *gorm.DB) *PointsStore {
	return &PointsStore{db: db}
}

// RecordDailyPoints stores a car's score for the UTC day containing day. Recording the same car and
// day again replaces the score.
func (store *PointsStore) RecordDailyPoints(ctx context.Context, ownerID string, carID string, day time.Time, points int64, now time.Time) error {
	ownerID = strings.TrimSpace(ownerID)
	carID = strings.TrimSpace(carID)
	switch {
	case ownerID == "" || carID == "":
		return wrapStoreError(errorSubjectPoints, errorCodeInvalid, fmt.Errorf("%w: owner and car are required", ErrInvalidPoints))
	case points < 0:
		return wrapStoreError(errorSubjectPoints, errorCodeInvalid, fmt.Errorf("%w: points must be non-negative", ErrInvalidPoints))
	}
	model := CarDailyPoints{
		CarID:     carID,
		Day:       truncateDay(day),
		OwnerID:   ownerID,
		Points:    points,
		UpdatedAt: now.UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "car_id"}, {Name: "day"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_id", "points", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPoints, errorCodeCreate, err)
	}
	return nil
}

type carPointsRow struct {
	OwnerID string
	CarID   string
	Points  int64
}

// CarPoints sums each car's daily scores for days in [periodStart, periodEnd).
func (store *PointsStore) CarPoints(ctx context.Context, periodStart time.Time, periodEnd time.Time) ([]rewards.CarPoints, error) {
	if !periodEnd.After(periodStart) {
		return nil, wrapStoreError(errorSubjectPoints, errorCodeInvalid, errors.New("period end must follow period start"))
	}
	var rows []carPointsRow
	err := store.db.WithContext(ctx).
		Model(&CarDailyPoints{}).
		Select("owner_id, car_id, SUM(points) AS points").
		Where("day >= ? AND day < ?", periodStart.UTC(), periodEnd.UTC()).
		Group("owner_id, car_id").
		Order("owner_id ASC, car_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPoints, errorCodeList, err)
	}
	cars := make([]rewards.CarPoints, 0, len(rows))
	for _, row := range rows {
		cars = append(cars, rewards.CarPoints{OwnerID: row.OwnerID, CarID: row.CarID, Points: row.Points})
	}
	return cars, nil
}

func truncateDay(at time.Time) time.Time {
	utc := at.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
