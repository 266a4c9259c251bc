package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "manyfutures",
	Short: "Episode delivery scheduler for Many Futures",
	Long: `Schedules, generates and delivers Many Futures episodes.

Configuration is read from the environment (and a .env file if present).
Run "manyfutures serve" for the API with in-process workers, or
"manyfutures worker" for workers only.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
