package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cancelSubscription string

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id...]",
	Short: "Cancel jobs, or every live job of a subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && cancelSubscription == "" {
			return errors.New("give job ids or --subscription")
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		now := time.Now().UTC()
		if cancelSubscription != "" {
			n, err := a.repo.CancelSubscription(cmd.Context(), cancelSubscription, now)
			if err != nil {
				return err
			}
			goodColor.Fprintf(out, "cancelled %d job(s) for %s\n", n, cancelSubscription)
		}

		var errs []error
		for _, id := range args {
			job, err := a.repo.Cancel(cmd.Context(), id, now)
			if err != nil {
				badColor.Fprintf(out, "%s: %v\n", id, err)
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			goodColor.Fprintf(out, "%s: %s\n", job.ID, job.Status)
		}
		return errors.Join(errs...)
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelSubscription, "subscription", "", "Cancel every pending or processing job of this subscription")
	rootCmd.AddCommand(cancelCmd)
}
