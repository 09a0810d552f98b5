// syncd is the local-first sync daemon: it drains the outbox to the
// sync server, pulls remote changes, and keeps the local store
// reconciled in the background.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "Local-first sync daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to syncwire.yaml (searched in . and ./config when unset)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
