package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

const promptPreviewRunes = 48

// newPendingCmd creates the 'pending' subcommand, a dry run that lists what
// the next run would work on.
func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List the prompts the next run would generate",
		Long: `Scans the project workbooks exactly as 'run' does, including marking rows
whose images already exist, and prints the remaining prompts without opening
any browser.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			items, err := appInstance.Pending(cmd.Context())
			if err != nil {
				return fmt.Errorf("pending: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "Nothing pending.")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{
					item.SourceName,
					strconv.Itoa(item.Key.Row),
					item.AspectRatio,
					preview(item.Prompt),
				})
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("PROJECT", "ROW", "RATIO", "PROMPT").
				Rows(rows...)
			fmt.Fprintln(out, t.Render())
			fmt.Fprintf(out, "%d pending\n", len(items))
			return nil
		},
	}
}

func preview(prompt string) string {
	r := []rune(prompt)
	if len(r) <= promptPreviewRunes {
		return prompt
	}
	return string(r[:promptPreviewRunes-1]) + "…"
}
