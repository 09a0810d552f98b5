package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single sync cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(true)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		result, err := app.orch.RunCycle(ctx)
		if err != nil {
			return err
		}

		if result.Skipped {
			fmt.Printf("cycle skipped: %s\n", result.SkipReason)
			return nil
		}

		fmt.Printf("sent %d entries (%d failed, %d held back), requeued %d\n",
			result.Sent, result.SendFailures, result.SendsSkipped, result.Requeued)
		fmt.Printf("pulled %d scopes (%d failed), applied %d records in %s\n",
			result.ScopesSynced, result.ScopesFailed, result.RecordsApplied, result.Duration.Round(time.Millisecond))
		if result.PushError != "" {
			fmt.Printf("push error: %s\n", result.PushError)
		}
		if result.PullError != "" {
			fmt.Printf("pull error: %s\n", result.PullError)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(onceCmd)
}
