package ledger

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// AmountCents is a non-negative amount in minor units.
type AmountCents int64

// PositiveAmountCents is a strictly positive amount in minor units.
type PositiveAmountCents int64

// WalletID identifies a wallet.
type WalletID struct {
	value string
}

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// Currency is an upper-case ISO 4217 code.
type Currency struct {
	value string
}

// ReferenceType names the kind of entity a ledger entry points at.
type ReferenceType string

const (
	ReferenceBooking       ReferenceType = "booking"
	ReferencePaymentIntent ReferenceType = "payment_intent"
	ReferenceDeposit       ReferenceType = "deposit"
	ReferencePayout        ReferenceType = "payout"
	ReferenceRetry         ReferenceType = "retry"
	ReferenceChargeback    ReferenceType = "chargeback"
	ReferenceTransfer      ReferenceType = "transfer"
	ReferenceManual        ReferenceType = "manual"
)

// Reference links an entry to the external entity that caused it.
type Reference struct {
	Type ReferenceType
	ID   string
}

var creditBucketPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be non-negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 exposes the raw cents.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 exposes the raw cents.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens the amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// NewWalletID validates and normalizes a wallet id.
func NewWalletID(raw string) (WalletID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WalletID{}, fmt.Errorf("%w: empty value", ErrInvalidWalletID)
	}
	return WalletID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WalletID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id WalletID) IsZero() bool {
	return id.value == ""
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// DeriveIdempotencyKey joins parts into a deterministic key such as "deposit:123".
func DeriveIdempotencyKey(parts ...string) (IdempotencyKey, error) {
	if len(parts) == 0 {
		return IdempotencyKey{}, fmt.Errorf("%w: no parts", ErrInvalidIdempotencyKey)
	}
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			return IdempotencyKey{}, fmt.Errorf("%w: empty part", ErrInvalidIdempotencyKey)
		}
		normalized = append(normalized, trimmed)
	}
	return NewIdempotencyKey(strings.Join(normalized, idempotencyKeyDelimiter))
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap encodes a flat map as metadata.
func MetadataFromMap(values map[string]string) MetadataJSON {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(encoded)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// NewCurrency validates a three-letter currency code.
func NewCurrency(raw string) (Currency, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != currencyCodeLength {
		return Currency{}, fmt.Errorf("%w: expected %d letters, got %q", ErrInvalidCurrency, currencyCodeLength, raw)
	}
	for _, letter := range normalized {
		if letter < 'A' || letter > 'Z' {
			return Currency{}, fmt.Errorf("%w: expected letters, got %q", ErrInvalidCurrency, raw)
		}
	}
	return Currency{value: normalized}, nil
}

// String returns the currency code.
func (currency Currency) String() string {
	return currency.value
}

// NewReference validates an entity reference.
func NewReference(referenceType ReferenceType, id string) (Reference, error) {
	switch referenceType {
	case ReferenceBooking, ReferencePaymentIntent, ReferenceDeposit, ReferencePayout,
		ReferenceRetry, ReferenceChargeback, ReferenceTransfer, ReferenceManual:
	default:
		return Reference{}, fmt.Errorf("%w: unsupported type %q", ErrInvalidReference, referenceType)
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty id", ErrInvalidReference)
	}
	return Reference{Type: referenceType, ID: trimmed}, nil
}

// IsZero reports whether the reference is unset.
func (reference Reference) IsZero() bool {
	return reference.Type == "" && reference.ID == ""
}

// String renders the reference as "type:id".
func (reference Reference) String() string {
	if reference.IsZero() {
		return ""
	}
	return string(reference.Type) + idempotencyKeyDelimiter + reference.ID
}

// CreditBucket names a non-withdrawable credit sub-bucket.
type CreditBucket string

const (
	CreditBucketGuaranteeFund CreditBucket = "guarantee_fund"
	CreditBucketProtection    CreditBucket = "protection_credit"
	CreditBucketSubscription  CreditBucket = "subscription_credit"
)

// NewCreditBucket validates a bucket name.
func NewCreditBucket(raw string) (CreditBucket, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if !creditBucketPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCreditBucket, raw)
	}
	return CreditBucket(normalized), nil
}

// String returns the bucket name.
func (bucket CreditBucket) String() string {
	return string(bucket)
}
