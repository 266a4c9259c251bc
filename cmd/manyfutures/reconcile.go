package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	reconcileSubscription string
	reconcileDay          string
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild a day's spend aggregate from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		day := time.Now().UTC()
		if reconcileDay != "" {
			d, err := time.Parse(time.DateOnly, reconcileDay)
			if err != nil {
				return fmt.Errorf("--day: %w", err)
			}
			day = d
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		drift, err := a.governor.Reconcile(cmd.Context(), reconcileSubscription, day)
		if err != nil {
			return err
		}
		total, err := a.governor.DailyTotal(cmd.Context(), reconcileSubscription, day)
		if err != nil {
			return err
		}

		c := a.governor.Currency()
		out := cmd.OutOrStdout()
		if drift != 0 {
			warnColor.Fprintf(out, "drift %s corrected; ", drift.Format(c))
		} else {
			goodColor.Fprint(out, "no drift; ")
		}
		fmt.Fprintf(out, "%s spent %s %s of %s on %s\n",
			reconcileSubscription, total.Format(c), c, a.governor.Limits().Daily.Format(c), day.Format(time.DateOnly))
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileSubscription, "subscription", "", "Subscription ID")
	reconcileCmd.Flags().StringVar(&reconcileDay, "day", "", "UTC day as YYYY-MM-DD (default today)")
	_ = reconcileCmd.MarkFlagRequired("subscription")
	rootCmd.AddCommand(reconcileCmd)
}
