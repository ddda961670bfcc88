package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var wipeCmd = &cobra.Command{
	Use:     "wipe",
	GroupID: "advanced",
	Short:   "Destroy all local data",
	Long: `Delete every local record, the mutation queue, and all metadata.
Pending mutations that have not synced are lost. The database file is
removed and recreated empty, so freed space is actually released.

Used on logout or device handoff. Requires confirmation unless --force
is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		stats, err := env.queue.Stats(context.Background())
		if err != nil {
			return err
		}

		if !force {
			prompt := "Destroy all local data?"
			if stats.Pending > 0 {
				prompt = fmt.Sprintf("Destroy all local data? %d unsynced mutations will be lost.", stats.Pending)
			}

			var confirmed bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(prompt).
					Affirmative("Wipe").
					Negative("Cancel").
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				return fmt.Errorf("confirmation aborted: %w", err)
			}
			if !confirmed {
				fmt.Println("Cancelled.")
				return nil
			}
		}

		if err := env.store.DeleteEverything(); err != nil {
			return err
		}

		fmt.Println("All local data destroyed.")
		return nil
	},
}

func init() {
	wipeCmd.Flags().Bool("force", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(wipeCmd)
}
