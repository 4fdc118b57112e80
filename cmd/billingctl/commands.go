package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"smallbiznis-billing/services/billing"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/schema"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update every billing table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var db *gorm.DB
			return withApp(cmd.Context(), nil, func() error {
				if err := schema.Migrate(cmd.Context(), db); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema migrated")
				return nil
			}, &db)
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [user...]",
		Short: "Compare stored balances with their ledger sums",
		Long: `Reconcile recomputes each user's balance from the ledger and reports
every user whose stored balance differs. Without arguments every user with
a balance row is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *ledger.Service
			return withApp(cmd.Context(), ledgerOptions(), func() error {
				drifts, err := svc.Reconcile(cmd.Context(), args...)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), drifts); err != nil {
					return err
				}
				if len(drifts) > 0 {
					return fmt.Errorf("%d balance(s) out of step with the ledger", len(drifts))
				}
				return nil
			}, &svc)
		},
	}
}

func verifyChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain <user>",
		Short: "Verify the hash chain of a user's ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc *ledger.Service
			return withApp(cmd.Context(), ledgerOptions(), func() error {
				report, err := svc.VerifyChain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Valid {
					return fmt.Errorf("ledger chain for %s is broken at %s", args[0], report.BrokenAt)
				}
				return nil
			}, &svc)
		},
	}
}

func runCycleCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "run-cycle",
		Short: "Bill every participant due at the given time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = parsed
			}

			var svc *billing.Service
			return withApp(cmd.Context(), billingOptions(), func() error {
				summary, err := svc.RunBillingCycle(cmd.Context(), now)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summary)
			}, &svc)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "billing time in RFC3339, defaults to now")

	return cmd
}
