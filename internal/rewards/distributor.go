package rewards

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	reasonGateUnavailable = "eligibility check unavailable"
	defaultCurrencyCode   = "BRL"
)

// ContributionSource reports per-car points earned in a period.
type ContributionSource interface {
	CarPoints(ctx context.Context, periodStart time.Time, periodEnd time.Time) ([]CarPoints, error)
}

// Verdict is the anti-fraud answer for one owner.
type Verdict struct {
	Eligible bool
	Reason   string
}

// EligibilityGate decides whether an owner may be paid.
type EligibilityGate interface {
	Check(ctx context.Context, ownerID string, pool Pool) (Verdict, error)
}

// EligibilityGateFunc adapts a function to EligibilityGate.
type EligibilityGateFunc func(ctx context.Context, ownerID string, pool Pool) (Verdict, error)

func (fn EligibilityGateFunc) Check(ctx context.Context, ownerID string, pool Pool) (Verdict, error) {
	return fn(ctx, ownerID, pool)
}

// Transfers is the provider surface used to pay owners.
type Transfers interface {
	CreateTransfer(ctx context.Context, request provider.TransferRequest) (provider.Transfer, error)
	FindTransfer(ctx context.Context, idempotencyKey string) (provider.Transfer, error)
}

// Ledger is the wallet surface payouts are mirrored into.
type Ledger interface {
	OpenWallet(ctx context.Context, userID ledger.UserID, currency ledger.Currency) (ledger.Wallet, error)
	ApplyEntries(ctx context.Context, inputs []ledger.EntryInput) ([]ledger.AppliedEntry, error)
}

// Reviewer opens manual-review items.
type Reviewer interface {
	Open(ctx context.Context, kind review.Kind, subject string, details map[string]string) (review.Item, error)
}

// Observer receives one label per payout state change.
type Observer interface {
	ObservePayout(status string)
}

// Config tunes the distributor. Zero values take defaults.
type Config struct {
	Shares           ShareConfig
	Currency         string
	DisburseBatch    int
	ProcessingStale  time.Duration
	TransferDescribe string
}

func (config Config) withDefaults() Config {
	config.Shares = config.Shares.withDefaults()
	if strings.TrimSpace(config.Currency) == "" {
		config.Currency = defaultCurrencyCode
	}
	if config.DisburseBatch <= 0 {
		config.DisburseBatch = 50
	}
	if config.ProcessingStale <= 0 {
		config.ProcessingStale = 15 * time.Minute
	}
	if strings.TrimSpace(config.TransferDescribe) == "" {
		config.TransferDescribe = "Reward pool payout"
	}
	return config
}

// Dependencies groups the distributor's collaborators.
type Dependencies struct {
	Store     Store
	Source    ContributionSource
	Gate      EligibilityGate
	Transfers Transfers
	Ledger    Ledger
	Reviewer  Reviewer
	Notifier  notify.Notifier
}

// Option customizes a Distributor.
type Option func(*Distributor)

func WithLogger(logger *zap.Logger) Option {
	return func(distributor *Distributor) {
		if logger != nil {
			distributor.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(distributor *Distributor) {
		distributor.observer = observer
	}
}

func WithClock(now func() time.Time) Option {
	return func(distributor *Distributor) {
		if now != nil {
			distributor.now = now
		}
	}
}

// Distributor runs the pool lifecycle.
type Distributor struct {
	store     Store
	source    ContributionSource
	gate      EligibilityGate
	transfers Transfers
	ledger    Ledger
	reviewer  Reviewer
	notifier  notify.Notifier
	config    Config
	logger    *zap.Logger
	observer  Observer
	now       func() time.Time
}

// NewDistributor validates collaborators and configuration.
func NewDistributor(deps Dependencies, config Config, options ...Option) (*Distributor, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	case deps.Source == nil:
		return nil, fmt.Errorf("%w: contribution source is nil", ErrInvalidConfig)
	case deps.Gate == nil:
		return nil, fmt.Errorf("%w: eligibility gate is nil", ErrInvalidConfig)
	case deps.Transfers == nil:
		return nil, fmt.Errorf("%w: transfers client is nil", ErrInvalidConfig)
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	case deps.Reviewer == nil:
		return nil, fmt.Errorf("%w: reviewer is nil", ErrInvalidConfig)
	case deps.Notifier == nil:
		return nil, fmt.Errorf("%w: notifier is nil", ErrInvalidConfig)
	}
	config = config.withDefaults()
	if _, err := ComputeShares(0, nil, config.Shares); err != nil {
		return nil, err
	}
	distributor := &Distributor{
		store:     deps.Store,
		source:    deps.Source,
		gate:      deps.Gate,
		transfers: deps.Transfers,
		ledger:    deps.Ledger,
		reviewer:  deps.Reviewer,
		notifier:  deps.Notifier,
		config:    config,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, option := range options {
		option(distributor)
	}
	return distributor, nil
}

// RunReport summarizes one Run.
type RunReport struct {
	PoolID           string
	Distributed      bool
	CurrentPoolID    string
	Eligible         int
	Frozen           int
	Skipped          int
	DistributedCents ledger.AmountCents
}

// Run distributes the oldest collecting pool whose period has ended and makes sure the pool for the
// current period exists. Payouts are written before the pool leaves collecting so a crash between
// the two steps is repaired by the next run. A zero now uses the distributor clock.
func (distributor *Distributor) Run(ctx context.Context, now time.Time) (RunReport, error) {
	if now.IsZero() {
		now = distributor.now()
	}
	now = now.UTC()
	var report RunReport

	pool, err := distributor.store.OldestDuePool(ctx, now)
	if errors.Is(err, ErrPoolNotFound) {
		current, err := distributor.ensurePool(ctx, now)
		if err != nil {
			return report, err
		}
		report.CurrentPoolID = current.ID
		return report, nil
	}
	if err != nil {
		return report, err
	}
	report.PoolID = pool.ID

	cars, err := distributor.source.CarPoints(ctx, pool.PeriodStart, pool.PeriodEnd)
	if err != nil {
		return report, fmt.Errorf("load contributions: %w", err)
	}
	shares, err := ComputeShares(pool.TotalCollectedCents, cars, distributor.config.Shares)
	if err != nil {
		return report, err
	}
	payouts := make([]Payout, 0, len(shares))
	for _, share := range shares {
		payouts = append(payouts, distributor.gatePayout(ctx, pool, share, now))
	}
	if len(payouts) > 0 {
		if err := distributor.store.CreatePayouts(ctx, payouts); err != nil {
			return report, fmt.Errorf("create payouts: %w", err)
		}
	}

	err = distributor.store.TransitionPool(ctx, pool.ID, PoolCollecting, PoolDistributing, now)
	won := err == nil
	if err != nil && !errors.Is(err, ErrStaleState) {
		return report, err
	}
	current, err := distributor.ensurePool(ctx, now)
	if err != nil {
		return report, err
	}
	report.CurrentPoolID = current.ID
	if !won {
		distributor.logger.Info("pool already distributed", zap.String("pool_id", pool.ID))
		return report, nil
	}
	report.Distributed = true

	stored, err := distributor.store.ListPayouts(ctx, PayoutFilter{PoolID: pool.ID})
	if err != nil {
		return report, err
	}
	for _, payout := range stored {
		switch payout.Eligibility {
		case EligibilityEligible:
			report.Eligible++
			report.DistributedCents += payout.AmountCents
		case EligibilityFrozen:
			report.Frozen++
		default:
			report.Skipped++
		}
		distributor.announce(ctx, payout)
		distributor.observe(payout.Status)
	}
	distributor.logger.Info("reward pool distributed",
		zap.String("pool_id", pool.ID),
		zap.Int64("total_collected_cents", pool.TotalCollectedCents.Int64()),
		zap.Int64("distributed_cents", report.DistributedCents.Int64()),
		zap.Int("eligible", report.Eligible),
		zap.Int("frozen", report.Frozen),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// gatePayout builds the payout for one share. A gate failure freezes the payout.
func (distributor *Distributor) gatePayout(ctx context.Context, pool Pool, share Share, now time.Time) Payout {
	payout := Payout{
		ID:              uuid.NewString(),
		PoolID:          pool.ID,
		OwnerID:         share.OwnerID,
		AmountCents:     share.AmountCents,
		SharePercentage: share.Percentage,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if share.AmountCents <= 0 {
		payout.AmountCents = 0
		payout.Eligibility = EligibilitySkipped
		payout.Status = PayoutCancelled
		return payout
	}
	verdict, err := distributor.gate.Check(ctx, share.OwnerID, pool)
	if err != nil {
		distributor.logger.Warn("eligibility check failed",
			zap.String("pool_id", pool.ID),
			zap.String("owner_id", share.OwnerID),
			zap.Error(err))
		verdict = Verdict{Reason: reasonGateUnavailable}
	}
	if !verdict.Eligible {
		payout.Eligibility = EligibilityFrozen
		payout.Status = PayoutHeld
		payout.FreezeReason = strings.TrimSpace(verdict.Reason)
		return payout
	}
	payout.Eligibility = EligibilityEligible
	payout.Status = PayoutPending
	return payout
}

// announce notifies the owner about a new payout. Failures are logged only.
func (distributor *Distributor) announce(ctx context.Context, payout Payout) {
	data := map[string]string{
		"pool_id":      payout.PoolID,
		"payout_id":    payout.ID,
		"amount_cents": strconv.FormatInt(payout.AmountCents.Int64(), 10),
	}
	var kind notify.Kind
	switch payout.Eligibility {
	case EligibilityEligible:
		kind = notify.KindRewardDistributed
	case EligibilityFrozen:
		kind = notify.KindPayoutFrozen
		data["freeze_reason"] = payout.FreezeReason
		if _, err := distributor.reviewer.Open(ctx, review.KindFrozenPayout, payout.ID, data); err != nil {
			distributor.logger.Error("open frozen payout review failed", zap.String("payout_id", payout.ID), zap.Error(err))
		}
	default:
		return
	}
	err := distributor.notifier.Notify(ctx, notify.Notification{
		Kind:    kind,
		UserID:  payout.OwnerID,
		Subject: payout.ID,
		Data:    data,
	})
	if err != nil {
		distributor.logger.Warn("payout notification failed",
			zap.String("payout_id", payout.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

func (distributor *Distributor) ensurePool(ctx context.Context, at time.Time) (Pool, error) {
	start, end := PeriodBounds(at)
	now := distributor.now().UTC()
	return distributor.store.EnsurePool(ctx, Pool{
		ID:          uuid.NewString(),
		PeriodStart: start,
		PeriodEnd:   end,
		Status:      PoolCollecting,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// RecordContribution adds money to the pool covering at. A contribution for a period that already
// stopped collecting lands in the current pool. Repeated references are no-ops.
func (distributor *Distributor) RecordContribution(ctx context.Context, at time.Time, amount ledger.PositiveAmountCents, reference string) (Contribution, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Contribution{}, fmt.Errorf("%w: reference is required", ErrInvalidContribution)
	}
	if amount <= 0 {
		return Contribution{}, fmt.Errorf("%w: amount must be positive", ErrInvalidContribution)
	}
	if at.IsZero() {
		at = distributor.now()
	}
	pool, err := distributor.ensurePool(ctx, at)
	if err != nil {
		return Contribution{}, err
	}
	contribution := Contribution{
		ID:          uuid.NewString(),
		PoolID:      pool.ID,
		Reference:   reference,
		AmountCents: amount,
		At:          at.UTC(),
	}
	err = distributor.store.AddContribution(ctx, contribution)
	if errors.Is(err, ErrPoolNotCollecting) {
		current, ensureErr := distributor.ensurePool(ctx, distributor.now())
		if ensureErr != nil {
			return Contribution{}, ensureErr
		}
		distributor.logger.Info("late contribution moved to current pool",
			zap.String("reference", reference),
			zap.String("from_pool_id", pool.ID),
			zap.String("to_pool_id", current.ID))
		contribution.PoolID = current.ID
		err = distributor.store.AddContribution(ctx, contribution)
	}
	if errors.Is(err, ErrContributionExists) {
		return contribution, nil
	}
	if err != nil {
		return Contribution{}, err
	}
	return contribution, nil
}

// ResolveFrozenPayout releases a held payout to pending or cancels it.
func (distributor *Distributor) ResolveFrozenPayout(ctx context.Context, payoutID string, release bool) (Payout, error) {
	payout, err := distributor.store.GetPayout(ctx, strings.TrimSpace(payoutID))
	if err != nil {
		return Payout{}, err
	}
	if payout.Status != PayoutHeld {
		return Payout{}, fmt.Errorf("%w: payout %s is %s", ErrPayoutNotHeld, payout.ID, payout.Status)
	}
	resolved := payout
	resolved.UpdatedAt = distributor.now().UTC()
	if release {
		resolved.Status = PayoutPending
		resolved.Eligibility = EligibilityEligible
	} else {
		resolved.Status = PayoutCancelled
	}
	if err := distributor.store.TransitionPayout(ctx, resolved, PayoutHeld); err != nil {
		return Payout{}, err
	}
	distributor.logger.Info("frozen payout resolved",
		zap.String("payout_id", payout.ID),
		zap.Bool("released", release))
	distributor.observe(resolved.Status)
	return resolved, nil
}

// ClosePools closes distributing pools with no payouts left pending, processing or held.
func (distributor *Distributor) ClosePools(ctx context.Context) (int, error) {
	pools, err := distributor.store.ListPools(ctx, PoolDistributing)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, pool := range pools {
		open, err := distributor.store.CountPayouts(ctx, pool.ID, openPayoutStatuses...)
		if err != nil {
			return closed, err
		}
		if open > 0 {
			continue
		}
		err = distributor.store.TransitionPool(ctx, pool.ID, PoolDistributing, PoolClosed, distributor.now().UTC())
		if errors.Is(err, ErrStaleState) {
			continue
		}
		if err != nil {
			return closed, err
		}
		closed++
		distributor.logger.Info("reward pool closed", zap.String("pool_id", pool.ID))
	}
	return closed, nil
}

func (distributor *Distributor) observe(status PayoutStatus) {
	if distributor.observer != nil {
		distributor.observer.ObservePayout(string(status))
	}
}
