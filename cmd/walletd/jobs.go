package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/scheduler"
)

const (
	jobRetrySweep   = "retry-sweep"
	jobDistribution = "reward-distribution"
	jobDisbursement = "payout-disbursement"

	jobPaymentReconciliation = "payment-reconciliation"
)

func (app *application) newRunner() (*scheduler.Runner, error) {
	return scheduler.NewRunner([]scheduler.Job{
		{Name: jobRetrySweep, Interval: app.config.RetrySweepInterval, Run: app.sweepRetries},
		{Name: jobPaymentReconciliation, Interval: app.config.ReconcileInterval, Run: app.reconcilePayments},
		{Name: jobDistribution, Interval: app.config.DistributionInterval, Run: app.distributeRewards},
		{Name: jobDisbursement, Interval: app.config.DisbursementInterval, Run: app.disbursePayouts},
	}, scheduler.WithLogger(app.logger.Named("scheduler")), scheduler.WithObserver(app.metrics))
}

func (app *application) sweepRetries(ctx context.Context, _ time.Time) error {
	report, err := app.retries.Sweep(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("retry sweep finished",
		zap.Int("recovered", report.Recovered),
		zap.Int("claimed", report.Claimed),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("rescheduled", report.Rescheduled),
		zap.Int("exhausted", report.Exhausted),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("stale", report.Stale))
	return nil
}

// reconcilePayments catches intents whose notification never arrived.
func (app *application) reconcilePayments(ctx context.Context, now time.Time) error {
	report, err := app.reconciler.ReconcileOpenIntents(ctx, now)
	app.logger.Info("payment reconciliation finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("applied", report.Applied),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("abandoned", report.Abandoned),
		zap.Int("review", report.Review),
		zap.Int("failed", report.Failed))
	return err
}

func (app *application) distributeRewards(ctx context.Context, now time.Time) error {
	report, err := app.distributor.Run(ctx, now)
	if err != nil {
		return err
	}
	app.logger.Info("reward distribution finished",
		zap.String("pool_id", report.PoolID),
		zap.Bool("distributed", report.Distributed),
		zap.String("current_pool_id", report.CurrentPoolID),
		zap.Int("eligible", report.Eligible),
		zap.Int("frozen", report.Frozen),
		zap.Int("skipped", report.Skipped),
		zap.Int64("distributed_cents", report.DistributedCents.Int64()))
	return nil
}

// disbursePayouts pays pending payouts and then closes pools with nothing left open.
func (app *application) disbursePayouts(ctx context.Context, _ time.Time) error {
	report, err := app.distributor.Disburse(ctx)
	if err != nil {
		return err
	}
	closed, err := app.distributor.ClosePools(ctx)
	if err != nil {
		return err
	}
	app.logger.Info("payout disbursement finished", zap.Any("report", report), zap.Int("pools_closed", closed))
	return nil
}
