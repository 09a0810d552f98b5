package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending entries, scope checkpoints, and open conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(false)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx := cmd.Context()

		pending, err := app.outbox.PendingCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending entries: %d\n", pending)

		checkpoints, err := app.store.Checkpoints().List(ctx)
		if err != nil {
			return err
		}
		if len(checkpoints) == 0 {
			fmt.Println("scopes: none synced yet")
		}
		for _, cp := range checkpoints {
			line := fmt.Sprintf("scope %-12s %-12s cursor=%s", cp.Scope, cp.State, cursorOrDash(cp.Cursor))
			if cp.LastSyncedAt != nil {
				line += fmt.Sprintf(" last_synced=%s", cp.LastSyncedAt.Local().Format(time.RFC3339))
			}
			if cp.LastError != nil && *cp.LastError != "" {
				line += fmt.Sprintf(" error=%q", *cp.LastError)
			}
			fmt.Println(line)
		}

		conflicts, err := app.store.Conflicts().List(ctx, true, 50)
		if err != nil {
			return err
		}
		fmt.Printf("unresolved conflicts: %d\n", len(conflicts))
		for _, cf := range conflicts {
			fmt.Printf("  %s %s/%s local v%d vs remote v%d (detected %s)\n",
				cf.ID, cf.EntityType, cf.EntityID, cf.LocalVersion, cf.RemoteVersion,
				cf.DetectedAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

func cursorOrDash(cursor string) string {
	if cursor == "" {
		return "-"
	}
	return cursor
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
