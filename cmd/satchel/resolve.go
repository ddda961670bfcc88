package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/satchel-sync/satchel/internal/resolve"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve <item-id>",
	GroupID: "sync",
	Short:   "Resolve a conflicted queue item",
	Long: `Resolve a conflict between a queued local mutation and the server's
current state. The strategy can be passed with --strategy; without it an
interactive picker is shown.

Strategies:
  keep-local       resubmit the local payload as-is
  keep-remote      adopt the server state, discarding the local change
  merge-timestamp  newer payload (by updated_at) wins wholesale
  merge-fields     per-field merge using the field_times map

After resolution the item returns to pending and a drain pass runs
immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid item id %q", args[0])
		}

		strategyName, _ := cmd.Flags().GetString("strategy")
		if strategyName == "" {
			strategyName, err = pickStrategy()
			if err != nil {
				return err
			}
		}
		strategy, err := resolve.ParseStrategy(strategyName)
		if err != nil {
			return err
		}

		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		result, err := env.engine.ResolveConflict(context.Background(), id, strategy)
		if err != nil {
			return err
		}

		fmt.Printf("Resolved item %d with %s\n", id, strategy)
		if result.Synced > 0 {
			fmt.Println("Resubmission synced successfully.")
		}
		return nil
	},
}

func pickStrategy() (string, error) {
	options := make([]huh.Option[string], 0, len(resolve.Strategies))
	for _, s := range resolve.Strategies {
		options = append(options, huh.NewOption(string(s), string(s)))
	}

	var picked string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Resolution strategy").
			Options(options...).
			Value(&picked),
	))
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("strategy selection aborted: %w", err)
	}
	return picked, nil
}

func init() {
	resolveCmd.Flags().String("strategy", "", "Resolution strategy (skips the interactive picker)")
	rootCmd.AddCommand(resolveCmd)
}
