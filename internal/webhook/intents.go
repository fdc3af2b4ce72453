package webhook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

// BookingIntentStatus is the lifecycle of a booking payment.
type BookingIntentStatus string

const (
	BookingIntentCreated    BookingIntentStatus = "created"
	BookingIntentAuthorized BookingIntentStatus = "authorized"
	BookingIntentCaptured   BookingIntentStatus = "captured"
	BookingIntentCancelled  BookingIntentStatus = "cancelled"
	BookingIntentFailed     BookingIntentStatus = "failed"
)

// Settled reports whether the booking payment reached its final outcome. Only a chargeback
// moves money for a settled intent; failed intents stay open to a later successful payment.
func (status BookingIntentStatus) Settled() bool {
	return status == BookingIntentCaptured || status == BookingIntentCancelled
}

// Open reports whether the intent still waits on the provider.
func (status BookingIntentStatus) Open() bool {
	return status == BookingIntentCreated || status == BookingIntentAuthorized
}

// BookingIntent is a checkout payment for one booking. Its IntentID is the provider's external reference.
type BookingIntent struct {
	IntentID           string
	BookingID          string
	RenterID           string
	AmountCents        ledger.PositiveAmountCents
	Currency           string
	ProviderPaymentID  string
	Status             BookingIntentStatus
	PaymentMethodToken string
	// Preauthorization marks a hold that is captured or released later.
	Preauthorization bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DepositPurpose tells what a wallet top-up buys.
type DepositPurpose string

const (
	PurposeDeposit      DepositPurpose = "deposit"
	PurposeSubscription DepositPurpose = "subscription"
)

// DepositIntentStatus is the lifecycle of a wallet top-up.
type DepositIntentStatus string

const (
	DepositIntentCreated   DepositIntentStatus = "created"
	DepositIntentCompleted DepositIntentStatus = "completed"
	DepositIntentFailed    DepositIntentStatus = "failed"
)

// Settled reports whether the top-up was credited.
func (status DepositIntentStatus) Settled() bool {
	return status == DepositIntentCompleted
}

// DepositIntent is a wallet top-up or a subscription purchase.
type DepositIntent struct {
	IntentID           string
	UserID             string
	Purpose            DepositPurpose
	AmountCents        ledger.PositiveAmountCents
	Currency           string
	ProviderPaymentID  string
	Status             DepositIntentStatus
	PaymentMethodToken string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BookingDirectory resolves booking payments. Transitions are compare-and-set on status and
// fail with ErrIntentSettled when from is a settled status. ListOpenBookingIntents pages created
// and authorized intents last updated before updatedBefore, ordered by intent id after afterID.
type BookingDirectory interface {
	CreateBookingIntent(ctx context.Context, intent BookingIntent) error
	FindBookingIntent(ctx context.Context, intentID string) (BookingIntent, error)
	TransitionBookingIntent(ctx context.Context, intentID string, from BookingIntentStatus, to BookingIntentStatus, providerPaymentID string, at time.Time) error
	ListOpenBookingIntents(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]BookingIntent, error)
}

// DepositIntentStore resolves wallet top-ups. ListOpenDepositIntents pages like
// ListOpenBookingIntents over created top-ups.
type DepositIntentStore interface {
	CreateDepositIntent(ctx context.Context, intent DepositIntent) error
	FindDepositIntent(ctx context.Context, intentID string) (DepositIntent, error)
	TransitionDepositIntent(ctx context.Context, intentID string, from DepositIntentStatus, to DepositIntentStatus, providerPaymentID string, at time.Time) error
	ListDepositIntents(ctx context.Context, userID string, limit int) ([]DepositIntent, error)
	ListOpenDepositIntents(ctx context.Context, updatedBefore time.Time, afterID string, limit int) ([]DepositIntent, error)
}

// DepositIntentRequest opens a wallet top-up.
type DepositIntentRequest struct {
	UserID             string
	Purpose            DepositPurpose
	AmountCents        ledger.PositiveAmountCents
	Currency           string
	PaymentMethodToken string
}

// BookingIntentRequest opens a booking checkout payment.
type BookingIntentRequest struct {
	BookingID          string
	RenterID           string
	AmountCents        ledger.PositiveAmountCents
	Currency           string
	PaymentMethodToken string
	Preauthorization   bool
}

// OpenDepositIntent records a top-up whose id the checkout passes to the provider as external reference.
func (reconciler *Reconciler) OpenDepositIntent(ctx context.Context, request DepositIntentRequest) (DepositIntent, error) {
	if _, err := ledger.NewUserID(request.UserID); err != nil {
		return DepositIntent{}, err
	}
	if request.AmountCents <= 0 {
		return DepositIntent{}, fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	currency, err := ledger.NewCurrency(defaultCurrency(request.Currency, reconciler.currency))
	if err != nil {
		return DepositIntent{}, err
	}
	purpose := request.Purpose
	if purpose == "" {
		purpose = PurposeDeposit
	}
	if purpose != PurposeDeposit && purpose != PurposeSubscription {
		return DepositIntent{}, fmt.Errorf("%w: unknown purpose %q", ErrInvalidIntent, purpose)
	}
	now := reconciler.now().UTC()
	intent := DepositIntent{
		IntentID:           uuid.NewString(),
		UserID:             strings.TrimSpace(request.UserID),
		Purpose:            purpose,
		AmountCents:        request.AmountCents,
		Currency:           currency.String(),
		Status:             DepositIntentCreated,
		PaymentMethodToken: strings.TrimSpace(request.PaymentMethodToken),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := reconciler.deposits.CreateDepositIntent(ctx, intent); err != nil {
		return DepositIntent{}, err
	}
	return intent, nil
}

// OpenBookingIntent records a booking payment whose id is the provider's external reference.
func (reconciler *Reconciler) OpenBookingIntent(ctx context.Context, request BookingIntentRequest) (BookingIntent, error) {
	if _, err := ledger.NewUserID(request.RenterID); err != nil {
		return BookingIntent{}, err
	}
	if strings.TrimSpace(request.BookingID) == "" {
		return BookingIntent{}, fmt.Errorf("%w: booking id is empty", ErrInvalidIntent)
	}
	if request.AmountCents <= 0 {
		return BookingIntent{}, fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	currency, err := ledger.NewCurrency(defaultCurrency(request.Currency, reconciler.currency))
	if err != nil {
		return BookingIntent{}, err
	}
	now := reconciler.now().UTC()
	intent := BookingIntent{
		IntentID:           uuid.NewString(),
		BookingID:          strings.TrimSpace(request.BookingID),
		RenterID:           strings.TrimSpace(request.RenterID),
		AmountCents:        request.AmountCents,
		Currency:           currency.String(),
		Status:             BookingIntentCreated,
		PaymentMethodToken: strings.TrimSpace(request.PaymentMethodToken),
		Preauthorization:   request.Preauthorization,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := reconciler.bookings.CreateBookingIntent(ctx, intent); err != nil {
		return BookingIntent{}, err
	}
	return intent, nil
}

// DepositIntents lists a user's top-ups, newest first.
func (reconciler *Reconciler) DepositIntents(ctx context.Context, userID string, limit int) ([]DepositIntent, error) {
	if _, err := ledger.NewUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return reconciler.deposits.ListDepositIntents(ctx, strings.TrimSpace(userID), limit)
}

func defaultCurrency(requested string, fallback string) string {
	if strings.TrimSpace(requested) == "" {
		return fallback
	}
	return requested
}
