package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tiernaugh/MF252-sub001/internal/jobs"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)

	noColor            bool
	statusFilter       string
	statusSubscription string
	statusLimit        int
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show queued jobs, or one job in detail",
	Example: `  # failed jobs
  manyfutures status --status failed

  # one job
  manyfutures status 6f1c0e2a-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			job, err := a.repo.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(out, job)
			return nil
		}

		f := jobs.ListFilter{SubscriptionID: statusSubscription, Limit: statusLimit}
		if statusFilter != "" {
			st, ok := jobs.ParseStatus(statusFilter)
			if !ok {
				return fmt.Errorf("unknown status %q", statusFilter)
			}
			f.Status = st
		}
		list, err := a.repo.List(cmd.Context(), f)
		if err != nil {
			return err
		}

		headerColor.Fprintf(out, "%d job(s)\n", len(list))
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSUBSCRIPTION\tSTATUS\tATTEMPTS\tSTART\tTARGET\tLAST ERROR")
		for i := range list {
			j := &list[i]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
				j.ID, j.SubscriptionID, statusColor(j.Status).Sprint(j.Status),
				j.AttemptCount, j.MaxAttempts,
				j.GenerationStartTime.Format(time.RFC3339), j.TargetDeliveryTime.Format(time.RFC3339),
				deref(j.LastError))
		}
		return tw.Flush()
	},
}

func printJob(out io.Writer, j *jobs.ScheduleJob) {
	row := func(label, value string) {
		labelColor.Fprintf(out, "%-22s", label)
		fmt.Fprintln(out, value)
	}
	row("id", j.ID)
	row("subscription", j.SubscriptionID)
	row("plan", j.Plan)
	labelColor.Fprintf(out, "%-22s", "status")
	statusColor(j.Status).Fprintln(out, j.Status)
	row("priority", fmt.Sprint(j.Priority))
	row("attempts", fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts))
	row("idempotency key", j.IdempotencyKey)
	row("generation start", j.GenerationStartTime.Format(time.RFC3339))
	row("target delivery", j.TargetDeliveryTime.Format(time.RFC3339))
	if j.LeaseOwner != nil && j.LeaseExpiresAt != nil {
		row("lease", fmt.Sprintf("%s until %s (v%d)", *j.LeaseOwner, j.LeaseExpiresAt.Format(time.RFC3339), j.LeaseVersion))
	}
	if j.LastError != nil {
		row("last error", *j.LastError)
	}
	if j.ResultArtifactID != nil {
		row("artifact", *j.ResultArtifactID)
	}
}

func statusColor(s jobs.Status) *color.Color {
	switch s {
	case jobs.StatusCompleted:
		return goodColor
	case jobs.StatusFailed:
		return badColor
	case jobs.StatusProcessing:
		return warnColor
	}
	return color.New(color.Reset)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, processing, completed, failed, cancelled)")
	statusCmd.Flags().StringVar(&statusSubscription, "subscription", "", "Filter by subscription ID")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "Maximum rows")
	statusCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.AddCommand(statusCmd)
}
