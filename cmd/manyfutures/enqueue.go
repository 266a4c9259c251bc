package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiernaugh/MF252-sub001/internal/jobs"
)

var (
	enqSubscription string
	enqPlan         string
	enqTarget       string
	enqStart        string
	enqPriority     int
	enqMaxAttempts  int
	enqContext      string
	enqEmail        string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Schedule one episode delivery",
	Example: `  manyfutures enqueue --subscription sub_42 --target 2026-10-26T09:00:00Z \
    --plan premium --context '{"topic":"grid storage"}' --email reader@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := time.Parse(time.RFC3339, enqTarget)
		if err != nil {
			return fmt.Errorf("--target: %w", err)
		}
		req := jobs.ScheduleRequest{
			SubscriptionID:     enqSubscription,
			Plan:               enqPlan,
			TargetDeliveryTime: target,
			MaxAttempts:        enqMaxAttempts,
		}
		if enqStart != "" {
			if req.GenerationStartTime, err = time.Parse(time.RFC3339, enqStart); err != nil {
				return fmt.Errorf("--start: %w", err)
			}
		}
		if cmd.Flags().Changed("priority") {
			req.Priority = &enqPriority
		}
		if enqContext != "" {
			if err := json.Unmarshal([]byte(enqContext), &req.Context); err != nil {
				return fmt.Errorf("--context: %w", err)
			}
		}
		if enqEmail != "" {
			if req.Context == nil {
				req.Context = map[string]any{}
			}
			req.Context["recipient_email"] = enqEmail
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		job, err := a.scheduler.Schedule(cmd.Context(), req)
		if errors.Is(err, jobs.ErrDuplicateJob) {
			key := jobs.IdempotencyKey(req.SubscriptionID, target, a.scheduler.Period)
			existing, ferr := a.repo.FindByIdempotencyKey(cmd.Context(), key)
			if ferr != nil {
				return err
			}
			warnColor.Fprintf(out, "already scheduled: ")
			fmt.Fprintf(out, "%s (%s)\n", existing.ID, existing.Status)
			return nil
		}
		if err != nil {
			return err
		}

		goodColor.Fprintf(out, "scheduled: ")
		fmt.Fprintf(out, "%s key=%s start=%s\n", job.ID, job.IdempotencyKey, job.GenerationStartTime.Format(time.RFC3339))
		return nil
	},
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVar(&enqSubscription, "subscription", "", "Subscription ID")
	f.StringVar(&enqPlan, "plan", "", "Plan tier name")
	f.StringVar(&enqTarget, "target", "", "Target delivery time (RFC3339)")
	f.StringVar(&enqStart, "start", "", "Generation start time (RFC3339, default target minus GENERATION_LEAD_TIME)")
	f.IntVar(&enqPriority, "priority", 0, "Priority override, higher runs first")
	f.IntVar(&enqMaxAttempts, "max-attempts", 0, "Attempt budget override")
	f.StringVar(&enqContext, "context", "", "Generator context as a JSON object")
	f.StringVar(&enqEmail, "email", "", "Recipient email for delivery")
	_ = enqueueCmd.MarkFlagRequired("subscription")
	_ = enqueueCmd.MarkFlagRequired("target")
	rootCmd.AddCommand(enqueueCmd)
}
