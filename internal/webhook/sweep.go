package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
)

// SweepReport counts what one ReconcileOpenIntents pass did. Unchanged intents are still
// waiting on the provider.
type SweepReport struct {
	Scanned   int
	Applied   int
	Unchanged int
	Abandoned int
	Review    int
	Failed    int
}

func (report *SweepReport) count(outcome Outcome, err error) {
	report.Scanned++
	switch {
	case err != nil:
		report.Failed++
	case outcome == OutcomeAbandoned:
		report.Abandoned++
	case outcome == OutcomeReview:
		report.Review++
	case outcome == OutcomeApplied || outcome == OutcomeDuplicate:
		report.Applied++
	default:
		report.Unchanged++
	}
}

// ReconcileOpenIntents asks the provider about every open intent untouched for StaleAfter and
// mirrors what it reports, so a lost notification only delays the ledger. A created intent with
// no provider payment after AbandonAfter is failed. A hold the provider still reports authorized
// after PreauthorizationTTL goes to review. Failures are counted and joined; the pass goes on.
func (reconciler *Reconciler) ReconcileOpenIntents(ctx context.Context, now time.Time) (SweepReport, error) {
	var (
		report   SweepReport
		failures []error
	)
	now = now.UTC()
	cutoff := now.Add(-reconciler.staleAfter)

	err := eachPage(ctx, reconciler.batchSize,
		func(afterID string) ([]BookingIntent, error) {
			return reconciler.bookings.ListOpenBookingIntents(ctx, cutoff, afterID, reconciler.batchSize)
		},
		func(intent BookingIntent) string { return intent.IntentID },
		func(intent BookingIntent) {
			outcome, err := reconciler.reconcileBooking(ctx, intent, now)
			report.count(outcome, err)
			if err != nil {
				failures = append(failures, reconciler.sweepFailure("booking", intent.IntentID, err))
			}
		})
	if err != nil {
		return report, errors.Join(append(failures, err)...)
	}

	err = eachPage(ctx, reconciler.batchSize,
		func(afterID string) ([]DepositIntent, error) {
			return reconciler.deposits.ListOpenDepositIntents(ctx, cutoff, afterID, reconciler.batchSize)
		},
		func(intent DepositIntent) string { return intent.IntentID },
		func(intent DepositIntent) {
			outcome, err := reconciler.reconcileDeposit(ctx, intent, now)
			report.count(outcome, err)
			if err != nil {
				failures = append(failures, reconciler.sweepFailure("deposit", intent.IntentID, err))
			}
		})
	if err != nil {
		failures = append(failures, err)
	}
	return report, errors.Join(failures...)
}

// eachPage walks a keyset-paginated listing until a short page.
func eachPage[T any](ctx context.Context, limit int, list func(afterID string) ([]T, error), id func(T) string, visit func(T)) error {
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := list(afterID)
		if err != nil {
			return err
		}
		for _, item := range page {
			visit(item)
		}
		if len(page) < limit {
			return nil
		}
		afterID = id(page[len(page)-1])
	}
}

func (reconciler *Reconciler) reconcileBooking(ctx context.Context, intent BookingIntent, now time.Time) (Outcome, error) {
	payment, found, err := reconciler.lookup(ctx, intent.ProviderPaymentID, intent.IntentID)
	if err != nil {
		return "", err
	}
	if !found {
		if intent.Status != BookingIntentCreated || now.Sub(intent.CreatedAt) < reconciler.abandonAfter {
			return OutcomePending, nil
		}
		err := reconciler.bookings.TransitionBookingIntent(ctx, intent.IntentID, intent.Status, BookingIntentFailed, "", now)
		return reconciler.abandoned(intent.IntentID, now.Sub(intent.CreatedAt), err)
	}
	if intent.Status == BookingIntentAuthorized && payment.Status == provider.StatusAuthorized {
		if now.Sub(intent.UpdatedAt) < reconciler.holdTTL {
			return OutcomePending, nil
		}
		return reconciler.flagStaleHold(ctx, intent, payment, now), nil
	}
	return reconciler.apply(ctx, target{booking: &intent}, payment)
}

func (reconciler *Reconciler) reconcileDeposit(ctx context.Context, intent DepositIntent, now time.Time) (Outcome, error) {
	payment, found, err := reconciler.lookup(ctx, intent.ProviderPaymentID, intent.IntentID)
	if err != nil {
		return "", err
	}
	if !found {
		if now.Sub(intent.CreatedAt) < reconciler.abandonAfter {
			return OutcomePending, nil
		}
		err := reconciler.deposits.TransitionDepositIntent(ctx, intent.IntentID, intent.Status, DepositIntentFailed, "", now)
		return reconciler.abandoned(intent.IntentID, now.Sub(intent.CreatedAt), err)
	}
	return reconciler.apply(ctx, target{deposit: &intent}, payment)
}

// lookup reads the payment behind an intent: by provider id once known, otherwise by the intent
// id the checkout sent as external reference.
func (reconciler *Reconciler) lookup(ctx context.Context, paymentID string, intentID string) (provider.Payment, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, reconciler.fetchTimeout)
	defer cancel()
	var (
		payment provider.Payment
		err     error
	)
	if paymentID != "" {
		payment, err = reconciler.payments.FetchPayment(fetchCtx, paymentID)
	} else {
		payment, err = reconciler.payments.SearchPayment(fetchCtx, intentID)
	}
	if errors.Is(err, provider.ErrPaymentNotFound) {
		return provider.Payment{}, false, nil
	}
	if err != nil {
		return provider.Payment{}, false, err
	}
	return payment, true, nil
}

// abandoned finishes a failed-for-silence transition. Losing the race to a notification is fine.
func (reconciler *Reconciler) abandoned(intentID string, age time.Duration, err error) (Outcome, error) {
	if errors.Is(err, ErrStaleState) || errors.Is(err, ErrIntentSettled) {
		return OutcomePending, nil
	}
	if err != nil {
		return "", err
	}
	reconciler.logger.Info("payment intent abandoned",
		zap.String("intent_id", intentID),
		zap.Duration("age", age))
	return OutcomeAbandoned, nil
}

func (reconciler *Reconciler) flagStaleHold(ctx context.Context, intent BookingIntent, payment provider.Payment, now time.Time) Outcome {
	reconciler.logger.Warn("preauthorization held past its lifetime",
		zap.String("intent_id", intent.IntentID),
		zap.String("payment_id", payment.ID),
		zap.Duration("held", now.Sub(intent.UpdatedAt)))
	reconciler.openReview(ctx, review.KindStaleHold, intent.IntentID, map[string]string{
		"booking_id":    intent.BookingID,
		"payment_id":    payment.ID,
		"authorized_at": intent.UpdatedAt.Format(time.RFC3339),
		"amount_cents":  strconv.FormatInt(intent.AmountCents.Int64(), 10),
	})
	return OutcomeReview
}

func (reconciler *Reconciler) sweepFailure(kind string, intentID string, err error) error {
	reconciler.logger.Warn("open intent reconciliation failed",
		zap.String("kind", kind),
		zap.String("intent_id", intentID),
		zap.Error(err))
	return fmt.Errorf("%s intent %s: %w", kind, intentID, err)
}

func positiveOr(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
