// Package provider talks to the external payment provider: payment lookups, stored-method
// charges and owner transfers.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

// ErrTransientProvider marks failures worth retrying later. ErrUnknownOutcome marks a write whose
// result could not be observed.
var (
	ErrTransientProvider = errors.New("provider: transient failure")
	ErrUnknownOutcome    = errors.New("provider: unknown outcome")
	ErrPaymentNotFound   = errors.New("provider: payment not found")
	ErrTransferNotFound  = errors.New("provider: transfer not found")
	ErrRequestRejected   = errors.New("provider: request rejected")
	ErrInvalidConfig     = errors.New("provider: invalid configuration")
)

// PaymentStatus is the provider's payment state.
type PaymentStatus string

const (
	StatusApproved    PaymentStatus = "approved"
	StatusAuthorized  PaymentStatus = "authorized"
	StatusPending     PaymentStatus = "pending"
	StatusInProcess   PaymentStatus = "in_process"
	StatusRejected    PaymentStatus = "rejected"
	StatusCancelled   PaymentStatus = "cancelled"
	StatusExpired     PaymentStatus = "expired"
	StatusRefunded    PaymentStatus = "refunded"
	StatusChargedBack PaymentStatus = "charged_back"
)

// recoverableDetails are rejection reasons a later charge on the same method can overcome.
var recoverableDetails = map[string]struct{}{
	"cc_rejected_insufficient_amount": {},
	"cc_rejected_call_for_authorize":  {},
	"cc_rejected_card_error":          {},
	"cc_rejected_other_reason":        {},
	"cc_rejected_max_attempts":        {},
}

// Payment is the provider's view of one payment.
type Payment struct {
	ID                string
	Status            PaymentStatus
	StatusDetail      string
	AmountCents       ledger.AmountCents
	Currency          string
	ExternalReference string
	PayerID           string
	PaymentMethodID   string
	Captured          bool
	Metadata          map[string]string
	ApprovedAt        time.Time
}

// IsRecoverableRejection reports whether a rejected or cancelled payment may succeed on retry.
func (payment Payment) IsRecoverableRejection() bool {
	if payment.Status != StatusRejected && payment.Status != StatusCancelled {
		return false
	}
	_, ok := recoverableDetails[payment.StatusDetail]
	return ok
}

// IsPending reports whether the provider has not settled the payment yet.
func (payment Payment) IsPending() bool {
	return payment.Status == StatusPending || payment.Status == StatusInProcess
}

// ChargeRequest charges a stored payment method. IdempotencyKey doubles as the external reference
// so a charge with an unobserved result can be found again with SearchPayment.
type ChargeRequest struct {
	IdempotencyKey     string
	AmountCents        ledger.PositiveAmountCents
	Currency           string
	PaymentMethodToken string
	PayerID            string
	Description        string
	Metadata           map[string]string
}

// TransferStatus is the state of an outgoing transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// TransferRequest pays out to a destination account.
type TransferRequest struct {
	IdempotencyKey string
	AmountCents    ledger.PositiveAmountCents
	Currency       string
	Destination    string
	Description    string
}

// Transfer is the provider's view of a payout transfer.
type Transfer struct {
	ID             string
	Status         TransferStatus
	AmountCents    ledger.AmountCents
	IdempotencyKey string
	FailureReason  string
}

// Client is the typed provider surface used by the reconciler, the retry engine and the reward distributor.
type Client interface {
	FetchPayment(ctx context.Context, paymentID string) (Payment, error)
	SearchPayment(ctx context.Context, idempotencyKey string) (Payment, error)
	ChargeStoredMethod(ctx context.Context, request ChargeRequest) (Payment, error)
	CreateTransfer(ctx context.Context, request TransferRequest) (Transfer, error)
	FindTransfer(ctx context.Context, idempotencyKey string) (Transfer, error)
}
