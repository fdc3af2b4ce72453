package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

// Kind distinguishes what a record retries.
type Kind string

const (
	// KindCharge re-charges a stored payment method after a recoverable rejection.
	KindCharge Kind = "charge"
	// KindRepoll re-fetches a provider payment whose ledger mirroring failed.
	KindRepoll Kind = "repoll"
)

// Status is the lifecycle of a record. Exhausted, succeeded and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
	// StatusCancelled ends a charge whose target was settled by another payment.
	StatusCancelled Status = "cancelled"
)

// ErrStaleClaim is returned when a claimed record changed state under the worker.
var (
	ErrRecordExists   = errors.New("retry: record exists")
	ErrRecordNotFound = errors.New("retry: record not found")
	ErrStaleClaim     = errors.New("retry: stale claim")
	ErrInvalidConfig  = errors.New("retry: invalid configuration")
	ErrInvalidRequest = fmt.Errorf("%w: invalid retry request", ledger.ErrValidation)
)

// Record is one durable retry. TransientFailures counts provider outages, which do not spend
// attempts but are bounded by Config.MaxTransientFailures.
type Record struct {
	ID        string
	Kind      Kind
	DedupeKey string
	// TargetReference is the intent the payment belongs to; it replaces the provider's
	// external reference when the result is mirrored.
	TargetReference    string
	BookingID          string
	ProviderPaymentID  string
	UserID             string
	AmountCents        ledger.AmountCents
	Currency           string
	PaymentMethodToken string
	Attempt            int
	MaxAttempts        int
	TransientFailures  int
	Status             Status
	NextRetryAt        time.Time
	LastError          string
	PendingAttemptKey  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Store persists records. ClaimDue and UpdateClaimed are compare-and-set on status.
type Store interface {
	CreateRecord(ctx context.Context, record Record) error
	FindRecord(ctx context.Context, kind Kind, dedupeKey string) (Record, error)
	// RecoverStale returns retrying records last touched before staleBefore to pending.
	RecoverStale(ctx context.Context, staleBefore time.Time, now time.Time) (int, error)
	// ClaimDue moves up to limit due pending records to retrying and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Record, error)
	// UpdateClaimed persists a processed record only while it is still retrying.
	UpdateClaimed(ctx context.Context, record Record) error
}

// ChargeRequest asks for a stored-method charge to be retried.
type ChargeRequest struct {
	TargetReference    string
	BookingID          string
	ProviderPaymentID  string
	UserID             string
	AmountCents        ledger.PositiveAmountCents
	Currency           string
	PaymentMethodToken string
	Reason             string
}

// RepollRequest asks for a provider payment to be fetched and mirrored again.
type RepollRequest struct {
	ProviderPaymentID string
	TargetReference   string
	UserID            string
	Reason            string
}

// Backoff returns base·2^attempt capped at ceiling.
func Backoff(base time.Duration, ceiling time.Duration, attempt int) time.Duration {
	delay := base
	for step := 0; step < attempt; step++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
