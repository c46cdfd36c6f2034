package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/billing"
)

var sweepLimit int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run time-based billing transitions now",
}

var sweepPromotionsCmd = &cobra.Command{
	Use:   "promotions",
	Short: "Expire finished and activate due featured promotions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := services(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		res, err := svc.Promotions.Sweep(cmd.Context(), time.Now(), sweepLimit)
		cmd.Printf("activated %d, expired %d\n", res.Activated, res.Expired)
		return err
	},
}

var sweepRenewalsCmd = &cobra.Command{
	Use:   "renewals",
	Short: "Charge subscriptions whose billing period has ended and cancel lapsed ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := services(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		due, err := svc.Subscriptions.DueForRenewal(ctx, time.Now(), sweepLimit)
		if err != nil {
			return err
		}

		var renewed, declined int
		var errs []error
		for _, sub := range due {
			key := sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
			if _, err := svc.Subscriptions.Renew(ctx, sub.ID, key); err != nil {
				if errors.Is(err, billing.ErrPaymentFailed) {
					declined++
					continue
				}
				errs = append(errs, fmt.Errorf("subscription %d: %w", sub.ID, err))
				continue
			}
			renewed++
		}
		canceled, err := svc.Subscriptions.CancelLapsed(ctx, time.Now().UTC(), sweepLimit)
		if err != nil {
			errs = append(errs, fmt.Errorf("cancel lapsed: %w", err))
		}
		cmd.Printf("due %d, renewed %d, declined %d, lapsed %d, errors %d\n", len(due), renewed, declined, canceled, len(errs))
		return errors.Join(errs...)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and correct payment ledger entries",
}

var ledgerRefundCmd = &cobra.Command{
	Use:   "refund <entry-id>",
	Short: "Mark a succeeded ledger entry refunded",
	Long: `Mark a succeeded ledger entry refunded. Money is returned through the
payment provider's dashboard; this only records the outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid ledger entry id %q", args[0])
		}

		svc, err := services(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		entry, err := svc.Ledger.MarkRefunded(cmd.Context(), id)
		if err != nil {
			return err
		}
		current.logger.Info("ledger entry refunded by operator", zap.Int64("entry_id", entry.ID))
		cmd.Printf("entry %d (%s) is %s\n", entry.ID, entry.GatewayPaymentRef, entry.Status)
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the pricing catalog",
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active plans and featured tiers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := services(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PLAN\tNAME\tCYCLE\tPRICE")
		for _, p := range svc.Catalog.Plans() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Slug, p.Name, p.BillingCycle, p.PriceMoney())
		}
		fmt.Fprintln(tw, "\nFEATURED DAYS\t\t\tPRICE")
		for _, t := range svc.Catalog.FeaturedTiers() {
			fmt.Fprintf(tw, "%d\t\t\t%s\n", t.DurationDays, t.PriceMoney())
		}
		return tw.Flush()
	},
}

func init() {
	sweepCmd.PersistentFlags().IntVar(&sweepLimit, "limit", 200, "maximum rows to process")
	sweepCmd.AddCommand(sweepPromotionsCmd, sweepRenewalsCmd)
	ledgerCmd.AddCommand(ledgerRefundCmd)
	catalogCmd.AddCommand(catalogListCmd)
}
