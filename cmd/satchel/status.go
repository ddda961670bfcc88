package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/satchel-sync/satchel/internal/queue"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	labelStyle  = lipgloss.NewStyle().Width(12)
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue and sync status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Plain output when the terminal has no color support.
		if termenv.EnvColorProfile() == termenv.Ascii {
			okStyle = lipgloss.NewStyle()
			warnStyle = lipgloss.NewStyle()
			errStyle = lipgloss.NewStyle()
			dimStyle = lipgloss.NewStyle()
		}

		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		ctx := context.Background()
		stats, err := env.engine.Stats(ctx)
		if err != nil {
			return err
		}
		lastSync, err := env.engine.LastSyncAt(ctx)
		if err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("Satchel Status"))
		fmt.Println()

		last := "never"
		if !lastSync.IsZero() {
			last = fmt.Sprintf("%s (%s ago)",
				lastSync.Local().Format(time.RFC1123),
				time.Since(lastSync).Round(time.Second))
		}
		fmt.Printf("%s %s\n", labelStyle.Render("Last sync:"), last)
		fmt.Printf("%s %s\n", labelStyle.Render("Remote:"), dimStyle.Render(env.cfg.Remote.BaseURL))
		fmt.Println()

		fmt.Println(headerStyle.Render("Queue"))
		fmt.Printf("%s %s\n", labelStyle.Render("Pending:"), countStyle(stats.Pending, warnStyle))
		fmt.Printf("%s %s\n", labelStyle.Render("Completed:"), okStyle.Render(strconv.Itoa(stats.Completed)))
		fmt.Printf("%s %s\n", labelStyle.Render("Failed:"), countStyle(stats.Failed, errStyle))
		fmt.Printf("%s %s\n", labelStyle.Render("Conflicts:"), countStyle(stats.Conflict, errStyle))

		return nil
	},
}

// countStyle highlights nonzero counts; zero stays dim.
func countStyle(n int, style lipgloss.Style) string {
	if n == 0 {
		return dimStyle.Render("0")
	}
	return style.Render(strconv.Itoa(n))
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "List queue items",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")

		env, err := openEnv(true)
		if err != nil {
			return err
		}
		defer env.close()

		items, err := env.queue.List(context.Background(), queue.Status(statusFilter))
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		fmt.Println(headerStyle.Render(fmt.Sprintf("%-6s %-12s %-20s %-8s %-12s %s",
			"ID", "STATUS", "RECORD", "OP", "RETRIES", "ENQUEUED")))
		for _, item := range items {
			line := fmt.Sprintf("%-6d %-12s %-20s %-8s %d/%-10d %s",
				item.ID,
				item.Status,
				item.Collection+"/"+item.RecordID,
				item.Op,
				item.RetryCount,
				item.MaxRetries,
				item.EnqueuedAt.Local().Format("2006-01-02 15:04:05"))

			switch item.Status {
			case queue.StatusFailed:
				fmt.Println(errStyle.Render(line))
				if item.LastError != "" {
					fmt.Println(dimStyle.Render("       " + item.LastError))
				}
			case queue.StatusConflict:
				fmt.Println(warnStyle.Render(line))
			case queue.StatusCompleted:
				fmt.Println(dimStyle.Render(line))
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	queueCmd.Flags().String("status", "", "Filter by status (pending, in_progress, completed, failed, conflict)")
	rootCmd.AddCommand(statusCmd, queueCmd)
}
