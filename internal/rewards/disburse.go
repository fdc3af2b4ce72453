package rewards

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/notify"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/provider"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const (
	transferKeyPrefix      = "payout"
	payoutEntryKeyPrefix   = "reward-payout"
	transferEntryKeyPrefix = "payout-transfer"
)

// DisburseReport summarizes one Disburse.
type DisburseReport struct {
	Reconciled int
	Attempted  int
	Completed  int
	Failed     int
	Deferred   int
}

// Disburse pays pending payouts through provider transfers. Payouts left processing by an earlier
// run are first settled by looking their transfer up. A completed transfer is mirrored into the
// owner's wallet before the payout is marked completed.
func (distributor *Distributor) Disburse(ctx context.Context) (DisburseReport, error) {
	var report DisburseReport
	var errs []error
	now := distributor.now().UTC()

	stale, err := distributor.store.ListPayouts(ctx, PayoutFilter{
		Statuses:      []PayoutStatus{PayoutProcessing},
		UpdatedBefore: now.Add(-distributor.config.ProcessingStale),
		Limit:         distributor.config.DisburseBatch,
	})
	if err != nil {
		return report, err
	}
	for _, payout := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Reconciled++
		status, err := distributor.reconcileProcessing(ctx, payout)
		report.count(status)
		if err != nil {
			errs = append(errs, err)
		}
	}

	pending, err := distributor.store.ListPayouts(ctx, PayoutFilter{
		Statuses: []PayoutStatus{PayoutPending},
		Limit:    distributor.config.DisburseBatch,
	})
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	for _, payout := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		status, err := distributor.disburseOne(ctx, payout)
		if status == "" {
			continue
		}
		report.Attempted++
		report.count(status)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (report *DisburseReport) count(status PayoutStatus) {
	switch status {
	case PayoutCompleted:
		report.Completed++
	case PayoutFailed:
		report.Failed++
	case PayoutPending, PayoutProcessing:
		report.Deferred++
	}
}

// disburseOne claims a pending payout and creates its transfer. It returns the resulting status,
// or an empty status when another worker claimed the payout first.
func (distributor *Distributor) disburseOne(ctx context.Context, payout Payout) (PayoutStatus, error) {
	claimed := payout
	claimed.Status = PayoutProcessing
	claimed.Attempts++
	claimed.UpdatedAt = distributor.now().UTC()
	err := distributor.store.TransitionPayout(ctx, claimed, PayoutPending)
	if errors.Is(err, ErrStaleState) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	distributor.observe(PayoutProcessing)

	amount, err := ledger.NewPositiveAmountCents(claimed.AmountCents.Int64())
	if err != nil {
		return distributor.failPayout(ctx, claimed, err.Error())
	}
	transfer, err := distributor.transfers.CreateTransfer(ctx, provider.TransferRequest{
		IdempotencyKey: transferKey(claimed.ID),
		AmountCents:    amount,
		Currency:       distributor.config.Currency,
		Destination:    claimed.OwnerID,
		Description:    distributor.config.TransferDescribe,
	})
	switch {
	case errors.Is(err, provider.ErrTransientProvider):
		distributor.logger.Warn("payout transfer deferred", zap.String("payout_id", claimed.ID), zap.Error(err))
		return distributor.releaseClaim(ctx, claimed)
	case errors.Is(err, provider.ErrRequestRejected):
		return distributor.failPayout(ctx, claimed, err.Error())
	case err != nil:
		distributor.logger.Warn("payout transfer outcome unknown",
			zap.String("payout_id", claimed.ID),
			zap.Error(err))
		return PayoutProcessing, nil
	}
	return distributor.settleTransfer(ctx, claimed, transfer)
}

// reconcileProcessing resolves a payout whose transfer result was never observed.
func (distributor *Distributor) reconcileProcessing(ctx context.Context, payout Payout) (PayoutStatus, error) {
	transfer, err := distributor.transfers.FindTransfer(ctx, transferKey(payout.ID))
	if errors.Is(err, provider.ErrTransferNotFound) {
		return distributor.releaseClaim(ctx, payout)
	}
	if err != nil {
		distributor.logger.Warn("payout transfer lookup failed", zap.String("payout_id", payout.ID), zap.Error(err))
		return PayoutProcessing, nil
	}
	return distributor.settleTransfer(ctx, payout, transfer)
}

func (distributor *Distributor) settleTransfer(ctx context.Context, payout Payout, transfer provider.Transfer) (PayoutStatus, error) {
	switch transfer.Status {
	case provider.TransferCompleted:
		return distributor.completePayout(ctx, payout, transfer)
	case provider.TransferFailed:
		return distributor.failPayout(ctx, payout, transfer.FailureReason)
	default:
		if payout.TransferID != transfer.ID {
			updated := payout
			updated.TransferID = transfer.ID
			updated.UpdatedAt = distributor.now().UTC()
			if err := distributor.store.TransitionPayout(ctx, updated, PayoutProcessing); err != nil && !errors.Is(err, ErrStaleState) {
				return PayoutProcessing, err
			}
		}
		return PayoutProcessing, nil
	}
}

func (distributor *Distributor) completePayout(ctx context.Context, payout Payout, transfer provider.Transfer) (PayoutStatus, error) {
	if err := distributor.mirrorPayout(ctx, payout, transfer); err != nil {
		distributor.logger.Error("payout ledger mirror failed",
			zap.String("payout_id", payout.ID),
			zap.String("transfer_id", transfer.ID),
			zap.Error(err))
		return PayoutProcessing, fmt.Errorf("mirror payout %s: %w", payout.ID, err)
	}
	completed := payout
	completed.Status = PayoutCompleted
	completed.TransferID = transfer.ID
	completed.FailureReason = ""
	completed.UpdatedAt = distributor.now().UTC()
	err := distributor.store.TransitionPayout(ctx, completed, PayoutProcessing)
	if errors.Is(err, ErrStaleState) {
		return PayoutProcessing, nil
	}
	if err != nil {
		return PayoutProcessing, err
	}
	distributor.observe(PayoutCompleted)
	distributor.logger.Info("payout completed",
		zap.String("payout_id", payout.ID),
		zap.String("owner_id", payout.OwnerID),
		zap.Int64("amount_cents", payout.AmountCents.Int64()))
	if err := distributor.notifier.Notify(ctx, notify.Notification{
		Kind:    notify.KindPayoutCompleted,
		UserID:  payout.OwnerID,
		Subject: payout.ID,
		Data:    map[string]string{"pool_id": payout.PoolID, "transfer_id": transfer.ID},
	}); err != nil {
		distributor.logger.Warn("payout notification failed", zap.String("payout_id", payout.ID), zap.Error(err))
	}
	return PayoutCompleted, nil
}

// mirrorPayout credits the reward and debits the transfer in one batch so the owner wallet shows
// both sides of the payout.
func (distributor *Distributor) mirrorPayout(ctx context.Context, payout Payout, transfer provider.Transfer) error {
	userID, err := ledger.NewUserID(payout.OwnerID)
	if err != nil {
		return err
	}
	currency, err := ledger.NewCurrency(distributor.config.Currency)
	if err != nil {
		return err
	}
	wallet, err := distributor.ledger.OpenWallet(ctx, userID, currency)
	if err != nil {
		return err
	}
	amount, err := ledger.NewPositiveAmountCents(payout.AmountCents.Int64())
	if err != nil {
		return err
	}
	reference, err := ledger.NewReference(ledger.ReferencePayout, payout.ID)
	if err != nil {
		return err
	}
	payoutKey, err := ledger.DeriveIdempotencyKey(payoutEntryKeyPrefix, payout.ID)
	if err != nil {
		return err
	}
	transferEntryKey, err := ledger.DeriveIdempotencyKey(transferEntryKeyPrefix, payout.ID)
	if err != nil {
		return err
	}
	metadata := ledger.MetadataFromMap(map[string]string{"pool_id": payout.PoolID, "transfer_id": transfer.ID})
	_, err = distributor.ledger.ApplyEntries(ctx, []ledger.EntryInput{
		{WalletID: wallet.WalletID, Type: ledger.EntryRewardPayout, Amount: amount, Reference: reference, IdempotencyKey: payoutKey, Metadata: metadata},
		{WalletID: wallet.WalletID, Type: ledger.EntryWithdrawal, Amount: amount, Reference: reference, IdempotencyKey: transferEntryKey, Metadata: metadata},
	})
	return err
}

func (distributor *Distributor) failPayout(ctx context.Context, payout Payout, reason string) (PayoutStatus, error) {
	failed := payout
	failed.Status = PayoutFailed
	failed.FailureReason = reason
	failed.UpdatedAt = distributor.now().UTC()
	err := distributor.store.TransitionPayout(ctx, failed, PayoutProcessing)
	if errors.Is(err, ErrStaleState) {
		return PayoutProcessing, nil
	}
	if err != nil {
		return PayoutProcessing, err
	}
	distributor.observe(PayoutFailed)
	distributor.logger.Error("payout failed",
		zap.String("payout_id", payout.ID),
		zap.String("owner_id", payout.OwnerID),
		zap.String("reason", reason))
	if _, err := distributor.reviewer.Open(ctx, review.KindPayoutFailed, payout.ID, map[string]string{
		"pool_id":  payout.PoolID,
		"owner_id": payout.OwnerID,
		"reason":   reason,
	}); err != nil {
		distributor.logger.Error("open payout review failed", zap.String("payout_id", payout.ID), zap.Error(err))
	}
	return PayoutFailed, nil
}

// releaseClaim returns a processing payout to pending for the next run.
func (distributor *Distributor) releaseClaim(ctx context.Context, payout Payout) (PayoutStatus, error) {
	released := payout
	released.Status = PayoutPending
	released.UpdatedAt = distributor.now().UTC()
	if err := distributor.store.TransitionPayout(ctx, released, PayoutProcessing); err != nil && !errors.Is(err, ErrStaleState) {
		return PayoutProcessing, err
	}
	return PayoutPending, nil
}

func transferKey(payoutID string) string {
	return transferKeyPrefix + ":" + payoutID
}

