// Command satchel is an offline-first record store with background
// synchronization. Local writes land immediately and a durable queue
// replays them against the remote service when connectivity allows.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:   "satchel",
	Short: "Offline-first record store with background sync",
	Long: `Satchel keeps your records available offline and syncs them in the
background. Every write is applied locally first and queued durably;
drain passes replay the queue against the remote service, retrying
failures and parking conflicts for explicit resolution.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: <data-dir>/satchel.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: ~/.satchel)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
