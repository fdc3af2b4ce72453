// Package escrow moves booking funds between the available and locked balances of a renter's wallet.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	// DefaultSecurityDepositCents is the deposit held next to the rental amount.
	DefaultSecurityDepositCents ledger.PositiveAmountCents = 25000

	lockKeyPrefix    = "lock"
	unlockKeyPrefix  = "unlock"
	captureKeyPrefix = "capture"
	rentalPart       = "rental"
	depositPart      = "deposit"
	metadataPart     = "part"

	outcomeLocked      = "locked"
	outcomeReplayed    = "replayed"
	outcomeRateLimited = "rate_limited"
	outcomeRejected    = "rejected"
	outcomeUnlocked    = "unlocked"
	outcomeCaptured    = "captured"
	outcomeNoop        = "noop"
)

var (
	ErrRateLimited        = errors.New("escrow: too many lock attempts")
	ErrLimiterUnavailable = errors.New("escrow: attempt limiter unavailable")
	ErrInvalidConfig      = errors.New("escrow: invalid configuration")
	ErrInvalidRequest     = fmt.Errorf("%w: invalid escrow request", ledger.ErrValidation)
)

// RateLimitError reports how long the caller should wait before the next attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (rateLimitError *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited.Error(), rateLimitError.RetryAfter)
}

func (rateLimitError *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Ledger is the part of ledger.Service the manager depends on.
type Ledger interface {
	WalletForUser(ctx context.Context, userID ledger.UserID) (ledger.Wallet, error)
	ApplyEntries(ctx context.Context, inputs []ledger.EntryInput) ([]ledger.AppliedEntry, error)
	EntriesByReference(ctx context.Context, reference ledger.Reference, entryType ledger.EntryType, statuses ...ledger.EntryStatus) ([]ledger.Entry, error)
}

// Observer receives one outcome label per escrow operation.
type Observer interface {
	ObserveEscrow(operation string, outcome string)
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger attaches a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(manager *Manager) {
		if logger != nil {
			manager.logger = logger
		}
	}
}

// WithObserver attaches an outcome observer.
func WithObserver(observer Observer) Option {
	return func(manager *Manager) {
		manager.observer = observer
	}
}

// WithSecurityDeposit overrides the deposit used by LockRentalAndDeposit.
func WithSecurityDeposit(amount ledger.PositiveAmountCents) Option {
	return func(manager *Manager) {
		if amount > 0 {
			manager.securityDeposit = amount
		}
	}
}

// LockResult describes the lock entries written for a booking.
type LockResult struct {
	BookingID string
	Entries   []ledger.Entry
	Balance   ledger.Balance
	Replayed  bool
}

// LockedCents sums the amounts held by the result.
func (result LockResult) LockedCents() ledger.AmountCents {
	var total ledger.AmountCents
	for _, entry := range result.Entries {
		total += entry.Amount.ToAmountCents()
	}
	return total
}

// SettleResult describes the unlock or capture entries written for a booking.
type SettleResult struct {
	BookingID string
	Entries   []ledger.Entry
	// Noop is set when the booking held no locked funds.
	Noop bool
}

// Manager enforces the lock attempt limit and writes lock, unlock and capture entries.
type Manager struct {
	ledger          Ledger
	limiter         AttemptLimiter
	logger          *zap.Logger
	observer        Observer
	securityDeposit ledger.PositiveAmountCents
}

// NewManager wires a Manager around a ledger and an injected limiter.
func NewManager(ledgerService Ledger, limiter AttemptLimiter, options ...Option) (*Manager, error) {
	if ledgerService == nil {
		return nil, fmt.Errorf("%w: ledger is nil", ErrInvalidConfig)
	}
	if limiter == nil {
		return nil, fmt.Errorf("%w: limiter is nil", ErrInvalidConfig)
	}
	manager := &Manager{
		ledger:          ledgerService,
		limiter:         limiter,
		logger:          zap.NewNop(),
		securityDeposit: DefaultSecurityDepositCents,
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// Lock moves amount from available to locked for a booking.
func (manager *Manager) Lock(ctx context.Context, userID ledger.UserID, bookingID string, amount ledger.PositiveAmountCents) (LockResult, error) {
	return manager.lock(ctx, "lock", userID, bookingID, []lockPart{{amount: amount}})
}

// LockRentalAndDeposit holds the rental amount and the security deposit in one transaction.
// A zero deposit uses the manager's default.
func (manager *Manager) LockRentalAndDeposit(ctx context.Context, userID ledger.UserID, bookingID string, rentalAmount ledger.PositiveAmountCents, deposit ledger.AmountCents) (LockResult, error) {
	depositAmount := manager.securityDeposit
	if deposit > 0 {
		depositAmount = ledger.PositiveAmountCents(deposit)
	}
	return manager.lock(ctx, "lock_rental_and_deposit", userID, bookingID, []lockPart{
		{name: rentalPart, amount: rentalAmount},
		{name: depositPart, amount: depositAmount},
	})
}

// Unlock returns every locked amount of the booking to the available balance.
// A booking without locked funds is a no-op.
func (manager *Manager) Unlock(ctx context.Context, bookingID string) (SettleResult, error) {
	return manager.settle(ctx, "unlock", bookingID, ledger.EntryUnlock, unlockKeyPrefix)
}

// Capture consumes every locked amount of the booking.
func (manager *Manager) Capture(ctx context.Context, bookingID string) (SettleResult, error) {
	return manager.settle(ctx, "capture", bookingID, ledger.EntryCapture, captureKeyPrefix)
}

type lockPart struct {
	name   string
	amount ledger.PositiveAmountCents
}

func (manager *Manager) lock(ctx context.Context, operation string, userID ledger.UserID, bookingID string, parts []lockPart) (LockResult, error) {
	bookingID = strings.TrimSpace(bookingID)
	reference, err := ledger.NewReference(ledger.ReferenceBooking, bookingID)
	if err != nil {
		manager.observe(operation, outcomeRejected)
		return LockResult{}, fmt.Errorf("%w: booking id: %v", ErrInvalidRequest, err)
	}
	decision, err := manager.limiter.Allow(ctx, userID.String())
	if err != nil {
		manager.observe(operation, outcomeRejected)
		return LockResult{}, err
	}
	if !decision.Allowed {
		manager.observe(operation, outcomeRateLimited)
		manager.logger.Warn("lock attempt limited",
			zap.String("user_id", userID.String()),
			zap.String("booking_id", bookingID),
			zap.Duration("retry_after", decision.RetryAfter))
		return LockResult{}, &RateLimitError{RetryAfter: decision.RetryAfter}
	}
	wallet, err := manager.ledger.WalletForUser(ctx, userID)
	if err != nil {
		manager.observe(operation, outcomeRejected)
		return LockResult{}, err
	}

	inputs := make([]ledger.EntryInput, 0, len(parts))
	for _, part := range parts {
		keyParts := []string{lockKeyPrefix, bookingID}
		metadata := map[string]string{}
		if part.name != "" {
			keyParts = append(keyParts, part.name)
			metadata[metadataPart] = part.name
		}
		key, keyErr := ledger.DeriveIdempotencyKey(keyParts...)
		if keyErr != nil {
			return LockResult{}, keyErr
		}
		inputs = append(inputs, ledger.EntryInput{
			WalletID:       wallet.WalletID,
			Type:           ledger.EntryLock,
			Amount:         part.amount,
			Reference:      reference,
			IdempotencyKey: key,
			Metadata:       ledger.MetadataFromMap(metadata),
		})
	}

	applied, err := manager.ledger.ApplyEntries(ctx, inputs)
	if err != nil {
		manager.observe(operation, outcomeRejected)
		return LockResult{}, err
	}
	result := LockResult{BookingID: bookingID, Replayed: true}
	for _, appliedEntry := range applied {
		result.Entries = append(result.Entries, appliedEntry.Entry)
		result.Balance = appliedEntry.Balance
		result.Replayed = result.Replayed && appliedEntry.Replayed
	}
	if result.Replayed {
		manager.observe(operation, outcomeReplayed)
	} else {
		manager.observe(operation, outcomeLocked)
	}
	manager.logger.Info("booking funds locked",
		zap.String("user_id", userID.String()),
		zap.String("booking_id", bookingID),
		zap.Int64("locked_cents", result.LockedCents().Int64()),
		zap.Bool("replayed", result.Replayed))
	return result, nil
}

func (manager *Manager) settle(ctx context.Context, operation string, bookingID string, entryType ledger.EntryType, keyPrefix string) (SettleResult, error) {
	bookingID = strings.TrimSpace(bookingID)
	reference, err := ledger.NewReference(ledger.ReferenceBooking, bookingID)
	if err != nil {
		return SettleResult{}, fmt.Errorf("%w: booking id: %v", ErrInvalidRequest, err)
	}
	result, err := manager.settleOnce(ctx, bookingID, reference, entryType, keyPrefix)
	if errors.Is(err, ledger.ErrEntrySettled) {
		// a concurrent settlement won the race; whatever is still locked is re-read
		result, err = manager.settleOnce(ctx, bookingID, reference, entryType, keyPrefix)
	}
	if err != nil {
		manager.observe(operation, outcomeRejected)
		return SettleResult{}, err
	}
	if result.Noop {
		manager.observe(operation, outcomeNoop)
		return result, nil
	}
	if entryType == ledger.EntryCapture {
		manager.observe(operation, outcomeCaptured)
	} else {
		manager.observe(operation, outcomeUnlocked)
	}
	manager.logger.Info("booking funds settled",
		zap.String("booking_id", bookingID),
		zap.String("entry_type", entryType.String()),
		zap.Int("entries", len(result.Entries)))
	return result, nil
}

func (manager *Manager) settleOnce(ctx context.Context, bookingID string, reference ledger.Reference, entryType ledger.EntryType, keyPrefix string) (SettleResult, error) {
	locks, err := manager.ledger.EntriesByReference(ctx, reference, ledger.EntryLock, ledger.EntryStatusLocked)
	if err != nil {
		return SettleResult{}, err
	}
	if len(locks) == 0 {
		return SettleResult{BookingID: bookingID, Noop: true}, nil
	}
	inputs := make([]ledger.EntryInput, 0, len(locks))
	for _, lockEntry := range locks {
		key, keyErr := ledger.DeriveIdempotencyKey(keyPrefix, lockEntry.IdempotencyKey.String())
		if keyErr != nil {
			return SettleResult{}, keyErr
		}
		settles := lockEntry.EntryID
		inputs = append(inputs, ledger.EntryInput{
			WalletID:       lockEntry.WalletID,
			Type:           entryType,
			Amount:         lockEntry.Amount,
			Reference:      reference,
			IdempotencyKey: key,
			Settles:        &settles,
			Metadata:       lockEntry.Metadata,
		})
	}
	applied, err := manager.ledger.ApplyEntries(ctx, inputs)
	if err != nil {
		return SettleResult{}, err
	}
	result := SettleResult{BookingID: bookingID}
	for _, appliedEntry := range applied {
		result.Entries = append(result.Entries, appliedEntry.Entry)
	}
	return result, nil
}

func (manager *Manager) observe(operation string, outcome string) {
	if manager.observer != nil {
		manager.observer.ObserveEscrow(operation, outcome)
	}
}
