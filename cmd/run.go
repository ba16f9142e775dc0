package cmd

import (
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/dispatcher"
	"github.com/JakeFAU/genfleet/internal/server"
)

var summaryTitle = lipgloss.NewStyle().Bold(true)

// newRunCmd creates the 'run' subcommand, which works through every pending
// prompt once and exits.
func newRunCmd(exitCode *int) *cobra.Command {
	var dashboard bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate images for every pending prompt",
		Long: `Opens one session per configured browser, hands pending prompts to idle
sessions and stops when the queue drains, every session is lost, or every
live session is out of credits. Interrupting the command lets in-flight
prompts finish within the shutdown grace period.

Exit codes: 0 when everything finished, 1 on configuration errors, 3 when
prompts remain or sessions were lost.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := appInstance.Run(ctx, server.RunOptions{Dashboard: dashboard})
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			appInstance.Logger().Info("run finished",
				zap.String("reason", string(summary.Reason)),
				zap.Int("completed", summary.Counters.Completed),
				zap.Int("failed", summary.Counters.Failed),
				zap.Int("pending", summary.Counters.Pending()),
				zap.Int("terminated", summary.Terminated),
			)
			printSummary(cmd.OutOrStdout(), summary)
			*exitCode = summary.ExitCode()
			return nil
		},
	}
	cmd.Flags().BoolVar(&dashboard, "dashboard", false, "show a live dashboard (logs go to logging.file or genfleet.log)")
	return cmd
}

func printSummary(out io.Writer, summary dispatcher.Summary) {
	c := summary.Counters
	fmt.Fprintln(out, summaryTitle.Render(fmt.Sprintf("Run %s finished: %s", summary.RunID, summary.Reason)))
	fmt.Fprintf(out, "total %d, completed %d, failed %d, pending %d\n",
		c.Total, c.Completed, c.Failed, c.Pending())

	if len(summary.Sessions) > 0 {
		rows := make([][]string, 0, len(summary.Sessions))
		for _, s := range summary.Sessions {
			quota := "unknown"
			if s.PointsKnown {
				quota = strconv.Itoa(s.Points)
			}
			rows = append(rows, []string{
				s.Label, string(s.State), strconv.Itoa(s.Completed), strconv.Itoa(s.Failed),
				strconv.Itoa(s.Restarts), quota,
			})
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("SESSION", "STATE", "COMPLETED", "FAILED", "RESTARTS", "QUOTA").
			Rows(rows...)
		fmt.Fprintln(out, t.Render())
	}

	if len(summary.Failed) > 0 {
		fmt.Fprintln(out, summaryTitle.Render("Failed prompts:"))
		for _, f := range summary.Failed {
			fmt.Fprintf(out, "  %s row %d: %s\n", f.Key.Source, f.Key.Row, f.Reason)
		}
	}
}
