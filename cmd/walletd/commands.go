package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalwallet/internal/config"
	"github.com/MarkoPoloResearchLab/rentalwallet/internal/review"
	"github.com/MarkoPoloResearchLab/rentalwallet/pkg/ledger"
)

const dayLayout = "2006-01-02"

func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook, wallet API, gRPC Ledger API and scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				return app.serve(ctx)
			})
		},
	}
}

// newJobCommand runs one scheduled job immediately, for external cron.
func newJobCommand(cfg *config.Config, use string, short string, job string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				runner, err := app.newRunner()
				if err != nil {
					return err
				}
				return runner.RunOnce(ctx, job)
			})
		},
	}
}

func newReconcileCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile PAYMENT_ID...",
		Short: "Fetch provider payments and mirror them into the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				for _, paymentID := range args {
					payment, err := app.provider.FetchPayment(ctx, paymentID)
					if err != nil {
						return fmt.Errorf("fetch payment %s: %w", paymentID, err)
					}
					outcome, err := app.reconciler.ApplyPayment(ctx, payment)
					if err != nil {
						return fmt.Errorf("apply payment %s: %w", paymentID, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", paymentID, payment.Status, outcome)
				}
				return nil
			})
		},
	}
}

func newVerifyWalletCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-wallet USER_ID",
		Short: "Replay a wallet's entries and compare them with its stored balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				wallet, err := app.ledger.WalletForUser(ctx, userID)
				if err != nil {
					return err
				}
				report, err := app.ledger.VerifyWalletIntegrity(ctx, wallet.WalletID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wallet %s: %d entries, stored available=%d locked=%d, replayed available=%d locked=%d\n",
					report.WalletID, report.EntryCount,
					report.Stored.AvailableCents.Int64(), report.Stored.LockedCents.Int64(),
					report.Replayed.AvailableCents.Int64(), report.Replayed.LockedCents.Int64())
				if !report.Consistent {
					app.logger.Error("wallet integrity mismatch", zap.String("wallet_id", report.WalletID.String()))
					return fmt.Errorf("wallet %s is inconsistent", report.WalletID)
				}
				return nil
			})
		},
	}
}

func newRecordPointsCommand(cfg *config.Config) *cobra.Command {
	var (
		ownerID string
		carID   string
		day     string
		points  int64
	)
	cmd := &cobra.Command{
		Use:   "record-points",
		Short: "Record a car's reward points for one day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scoredDay, err := time.Parse(dayLayout, day)
			if err != nil {
				return fmt.Errorf("day: %w", err)
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				return app.points.RecordDailyPoints(ctx, ownerID, carID, scoredDay, points, time.Now().UTC())
			})
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "car owner id (required)")
	cmd.Flags().StringVar(&carID, "car", "", "car id (required)")
	cmd.Flags().StringVar(&day, "day", time.Now().UTC().Format(dayLayout), "UTC day as YYYY-MM-DD")
	cmd.Flags().Int64Var(&points, "points", 0, "points earned that day")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("car")
	return cmd
}

func newRecordContributionCommand(cfg *config.Config) *cobra.Command {
	var (
		reference   string
		amountCents int64
		at          string
	)
	cmd := &cobra.Command{
		Use:   "record-contribution",
		Short: "Add a platform-fee contribution to the reward pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := ledger.NewPositiveAmountCents(amountCents)
			if err != nil {
				return err
			}
			var contributedAt time.Time
			if at != "" {
				if contributedAt, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("at: %w", err)
				}
			}
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				contribution, err := app.distributor.RecordContribution(ctx, contributedAt, amount, reference)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "contribution %s recorded in pool %s\n", contribution.Reference, contribution.PoolID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "unique contribution reference, e.g. fee:BOOKING_ID (required)")
	cmd.Flags().Int64Var(&amountCents, "amount-cents", 0, "contribution in cents (required)")
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 time the fee was earned (default now)")
	_ = cmd.MarkFlagRequired("reference")
	_ = cmd.MarkFlagRequired("amount-cents")
	return cmd
}

func newResolvePayoutCommand(cfg *config.Config) *cobra.Command {
	var decline bool
	cmd := &cobra.Command{
		Use:   "resolve-payout PAYOUT_ID",
		Short: "Release a held reward payout for disbursement, or decline it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				payout, err := app.distributor.ResolveFrozenPayout(ctx, args[0], !decline)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "payout %s is %s\n", payout.ID, payout.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&decline, "decline", false, "cancel the payout instead of releasing it")
	return cmd
}

func newReviewCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect and resolve manual-review items",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List open review items, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				items, err := app.reviews.ListOpen(ctx, limit)
				if err != nil {
					return err
				}
				for _, item := range items {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%v\n",
						item.ID, item.CreatedAt.Format(time.RFC3339), item.Kind, item.Subject, item.Details)
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum items to show")

	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve REVIEW_ID",
		Short: "Close a review item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				return app.reviews.Resolve(ctx, args[0], resolution)
			})
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", "", "what the operator did (required)")
	_ = resolve.MarkFlagRequired("resolution")

	var reason string
	flagOwner := &cobra.Command{
		Use:   "flag-owner OWNER_ID",
		Short: "Freeze an owner's reward payouts until the flag is resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, cfg, func(ctx context.Context, app *application) error {
				item, err := app.reviews.Open(ctx, review.KindOwnerFlagged, args[0], map[string]string{"reason": reason})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "review item %s is %s\n", item.ID, item.Status)
				return nil
			})
		},
	}
	flagOwner.Flags().StringVar(&reason, "reason", "", "why the owner is frozen")

	cmd.AddCommand(list, resolve, flagOwner)
	return cmd
}
