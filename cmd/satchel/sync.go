package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Drain the mutation queue against the remote service",
	Long: `Run one drain pass: every pending mutation is sent to the remote
service in queue order. Transient failures are requeued for later
passes; conflicts are parked for "satchel resolve".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		result, err := env.engine.Sync(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("Synced %d, requeued %d, failed %d, conflicts %d\n",
			result.Synced, result.Requeued, result.Failed, result.Conflicts)
		if result.Conflicts > 0 {
			fmt.Println("Run 'satchel queue --status conflict' to inspect conflicts.")
		}
		if result.Failed > 0 {
			fmt.Println("Run 'satchel retry' to retry failed items.")
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:     "retry",
	GroupID: "sync",
	Short:   "Retry failed queue items with a fresh budget",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		n, result, err := env.engine.RetryFailed(context.Background())
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println("No failed items to retry.")
			return nil
		}

		fmt.Printf("Reset %d items; synced %d, requeued %d, failed %d, conflicts %d\n",
			n, result.Synced, result.Requeued, result.Failed, result.Conflicts)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, retryCmd)
}
