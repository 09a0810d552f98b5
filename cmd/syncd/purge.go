package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncwire/syncwire/internal/worker"
)

var purgeMaxAge time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete sent entries and resolved conflicts past the retention age",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(false)
		if err != nil {
			return err
		}
		defer app.Close()

		cfg := app.cfg.Retention.ToWorkerConfig()
		if purgeMaxAge > 0 {
			cfg.MaxAge = purgeMaxAge
		}

		w := worker.NewRetentionWorker(app.outbox, app.store, cfg, app.log)
		if err := w.RunOnce(cmd.Context()); err != nil {
			return err
		}

		fmt.Printf("purged rows older than %s\n", cfg.MaxAge)
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeMaxAge, "max-age", 0, "override retention.max_age for this run")
	rootCmd.AddCommand(purgeCmd)
}
