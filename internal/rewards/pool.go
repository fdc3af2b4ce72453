// Package rewards splits each period's reward pool among car owners and pays the shares out.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

// PoolStatus is the lifecycle of a pool: collecting → distributing → closed.
type PoolStatus string

const (
	PoolCollecting   PoolStatus = "collecting"
	PoolDistributing PoolStatus = "distributing"
	PoolClosed       PoolStatus = "closed"
)

// Eligibility is the gate's verdict recorded on a payout.
type Eligibility string

const (
	EligibilityEligible Eligibility = "eligible"
	EligibilityFrozen   Eligibility = "frozen"
	EligibilitySkipped  Eligibility = "skipped"
)

// PayoutStatus is the lifecycle of a payout. Completed, failed and cancelled are terminal; held
// waits for an operator.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutHeld       PayoutStatus = "held"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// openPayoutStatuses keep a pool from closing.
var openPayoutStatuses = []PayoutStatus{PayoutPending, PayoutProcessing, PayoutHeld}

var (
	ErrPoolNotFound        = errors.New("rewards: pool not found")
	ErrPoolNotCollecting   = errors.New("rewards: pool is not collecting")
	ErrPayoutNotFound      = errors.New("rewards: payout not found")
	ErrContributionExists  = errors.New("rewards: contribution already recorded")
	ErrStaleState          = errors.New("rewards: stale state")
	ErrInvalidConfig       = errors.New("rewards: invalid configuration")
	ErrPayoutNotHeld       = fmt.Errorf("%w: payout is not held", ledger.ErrValidation)
	ErrInvalidContribution = fmt.Errorf("%w: invalid contribution", ledger.ErrValidation)
)

// Pool is one period's reward fund. PeriodEnd is exclusive.
type Pool struct {
	ID                  string
	PeriodStart         time.Time
	PeriodEnd           time.Time
	Status              PoolStatus
	TotalCollectedCents ledger.AmountCents
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Contribution is money added to a pool, unique by Reference.
type Contribution struct {
	ID          string
	PoolID      string
	Reference   string
	AmountCents ledger.PositiveAmountCents
	At          time.Time
}

// Payout is one owner's share of a pool. Pool and owner identify it.
type Payout struct {
	ID              string
	PoolID          string
	OwnerID         string
	AmountCents     ledger.AmountCents
	SharePercentage decimal.Decimal
	Eligibility     Eligibility
	Status          PayoutStatus
	FreezeReason    string
	TransferID      string
	FailureReason   string
	Attempts        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PayoutFilter narrows ListPayouts. Zero fields match everything.
type PayoutFilter struct {
	PoolID        string
	OwnerID       string
	Statuses      []PayoutStatus
	UpdatedBefore time.Time
	Limit         int
}

// Store persists pools, contributions and payouts.
type Store interface {
	// EnsurePool returns the pool starting at pool.PeriodStart, creating it when absent.
	EnsurePool(ctx context.Context, pool Pool) (Pool, error)
	// OldestDuePool returns the oldest collecting pool whose period ended at or before now.
	OldestDuePool(ctx context.Context, now time.Time) (Pool, error)
	ListPools(ctx context.Context, status PoolStatus) ([]Pool, error)
	// TransitionPool is compare-and-set on status and returns ErrStaleState on mismatch.
	TransitionPool(ctx context.Context, poolID string, from PoolStatus, to PoolStatus, at time.Time) error
	// AddContribution records a contribution and raises the pool total in one transaction. It
	// returns ErrContributionExists for a repeated reference and ErrPoolNotCollecting once the
	// pool stopped collecting.
	AddContribution(ctx context.Context, contribution Contribution) error
	// CreatePayouts inserts payouts, leaving existing pool and owner pairs untouched.
	CreatePayouts(ctx context.Context, payouts []Payout) error
	GetPayout(ctx context.Context, payoutID string) (Payout, error)
	ListPayouts(ctx context.Context, filter PayoutFilter) ([]Payout, error)
	CountPayouts(ctx context.Context, poolID string, statuses ...PayoutStatus) (int64, error)
	// TransitionPayout stores payout only while its persisted status equals from.
	TransitionPayout(ctx context.Context, payout Payout, from PayoutStatus) error
}

// PeriodBounds returns the calendar month (UTC) containing at.
func PeriodBounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
