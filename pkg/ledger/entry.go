package ledger

import (
	"fmt"
	"strings"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryDeposit      EntryType = "deposit"
	EntryWithdrawal   EntryType = "withdrawal"
	EntryLock         EntryType = "lock"
	EntryUnlock       EntryType = "unlock"
	EntryCapture      EntryType = "capture"
	EntryChargeback   EntryType = "chargeback"
	EntryRewardPayout EntryType = "reward_payout"
	EntryTransfer     EntryType = "transfer"
	EntryCreditGrant  EntryType = "credit_grant"
)

// ParseEntryType converts a raw type string.
func ParseEntryType(raw string) (EntryType, error) {
	switch entryType := EntryType(strings.TrimSpace(raw)); entryType {
	case EntryDeposit, EntryWithdrawal, EntryLock, EntryUnlock, EntryCapture,
		EntryChargeback, EntryRewardPayout, EntryTransfer, EntryCreditGrant:
		return entryType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the raw type.
func (entryType EntryType) String() string {
	return string(entryType)
}

// EntryStatus defines the entry lifecycle.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusLocked    EntryStatus = "locked"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusFailed    EntryStatus = "failed"
	EntryStatusReversed  EntryStatus = "reversed"
)

// ParseEntryStatus converts a raw status string.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch status := EntryStatus(strings.TrimSpace(raw)); status {
	case EntryStatusPending, EntryStatusLocked, EntryStatusCompleted, EntryStatusFailed, EntryStatusReversed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
}

// String returns the raw status.
func (status EntryStatus) String() string {
	return string(status)
}

// Direction tells whether a transfer adds to or removes from available funds.
type Direction string

const (
	DirectionNone   Direction = ""
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// ParseDirection converts a raw direction; empty input yields DirectionNone.
func ParseDirection(raw string) (Direction, error) {
	switch direction := Direction(strings.TrimSpace(raw)); direction {
	case DirectionNone, DirectionCredit, DirectionDebit:
		return direction, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
	}
}

// EntryInput describes a balance change submitted to ApplyEntry.
type EntryInput struct {
	WalletID       WalletID
	Type           EntryType
	Amount         PositiveAmountCents
	Direction      Direction
	CreditBucket   CreditBucket
	Reference      Reference
	IdempotencyKey IdempotencyKey
	// Settles names the lock entry an unlock or capture closes.
	Settles  *EntryID
	Metadata MetadataJSON
}

// Entry is a single immutable line in the ledger. Only Status changes, and only on lock entries.
type Entry struct {
	EntryID        EntryID
	WalletID       WalletID
	Type           EntryType
	Amount         PositiveAmountCents
	Direction      Direction
	CreditBucket   CreditBucket
	Reference      Reference
	IdempotencyKey IdempotencyKey
	Status         EntryStatus
	Settles        *EntryID
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// AppliedEntry is the committed result of ApplyEntry.
type AppliedEntry struct {
	Entry    Entry
	Balance  Balance
	Replayed bool
}

type bucketDelta struct {
	available int64
	locked    int64
	credit    int64
}

func (input EntryInput) normalize() (EntryInput, error) {
	if input.WalletID.IsZero() {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	if _, err := ParseEntryType(input.Type.String()); err != nil {
		return EntryInput{}, err
	}
	if input.Amount <= 0 {
		return EntryInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	if input.IdempotencyKey.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if _, err := ParseDirection(string(input.Direction)); err != nil {
		return EntryInput{}, err
	}
	if input.Type == EntryTransfer {
		if input.Direction == DirectionNone {
			return EntryInput{}, fmt.Errorf("%w: transfer requires a direction", ErrInvalidDirection)
		}
	} else if input.Direction != DirectionNone {
		return EntryInput{}, fmt.Errorf("%w: only transfers carry a direction", ErrInvalidDirection)
	}
	switch input.Type {
	case EntryChargeback:
		if input.CreditBucket == "" {
			input.CreditBucket = CreditBucketGuaranteeFund
		}
	case EntryCreditGrant:
		if input.CreditBucket == "" {
			return EntryInput{}, fmt.Errorf("%w: credit grant requires a bucket", ErrInvalidCreditBucket)
		}
	default:
		if input.CreditBucket != "" {
			return EntryInput{}, fmt.Errorf("%w: %s entries do not touch credit buckets", ErrInvalidCreditBucket, input.Type)
		}
	}
	if input.CreditBucket != "" {
		bucket, err := NewCreditBucket(input.CreditBucket.String())
		if err != nil {
			return EntryInput{}, err
		}
		input.CreditBucket = bucket
	}
	settles := input.Type == EntryUnlock || input.Type == EntryCapture
	if settles && input.Settles == nil {
		return EntryInput{}, fmt.Errorf("%w: %s must settle a lock entry", ErrInvalidSettlement, input.Type)
	}
	if !settles && input.Settles != nil {
		return EntryInput{}, fmt.Errorf("%w: %s entries cannot settle", ErrInvalidSettlement, input.Type)
	}
	if !input.Reference.IsZero() {
		reference, err := NewReference(input.Reference.Type, input.Reference.ID)
		if err != nil {
			return EntryInput{}, err
		}
		input.Reference = reference
	}
	metadata, err := NewMetadataJSON(input.Metadata.value)
	if err != nil {
		return EntryInput{}, err
	}
	input.Metadata = metadata
	return input, nil
}

func (input EntryInput) initialStatus() EntryStatus {
	if input.Type == EntryLock {
		return EntryStatusLocked
	}
	return EntryStatusCompleted
}

// settledStatus is the status the settled lock entry moves to.
func (input EntryInput) settledStatus() EntryStatus {
	if input.Type == EntryCapture {
		return EntryStatusCompleted
	}
	return EntryStatusReversed
}

func (input EntryInput) delta() bucketDelta {
	return effectOf(input.Type, input.Direction, input.Amount)
}

func (entry Entry) delta() bucketDelta {
	return effectOf(entry.Type, entry.Direction, entry.Amount)
}

func effectOf(entryType EntryType, direction Direction, amount PositiveAmountCents) bucketDelta {
	value := amount.Int64()
	switch entryType {
	case EntryDeposit, EntryRewardPayout:
		return bucketDelta{available: value}
	case EntryWithdrawal:
		return bucketDelta{available: -value}
	case EntryLock:
		return bucketDelta{available: -value, locked: value}
	case EntryUnlock:
		return bucketDelta{available: value, locked: -value}
	case EntryCapture:
		return bucketDelta{locked: -value}
	case EntryChargeback:
		return bucketDelta{credit: -value}
	case EntryCreditGrant:
		return bucketDelta{credit: value}
	case EntryTransfer:
		if direction == DirectionDebit {
			return bucketDelta{available: -value}
		}
		return bucketDelta{available: value}
	default:
		return bucketDelta{}
	}
}

// matches reports whether a committed entry carries the same payload as input.
func (entry Entry) matches(input EntryInput) bool {
	if entry.WalletID != input.WalletID || entry.Type != input.Type || entry.Amount != input.Amount {
		return false
	}
	if entry.Direction != input.Direction || entry.CreditBucket != input.CreditBucket || entry.Reference != input.Reference {
		return false
	}
	if (entry.Settles == nil) != (input.Settles == nil) {
		return false
	}
	return entry.Settles == nil || *entry.Settles == *input.Settles
}
