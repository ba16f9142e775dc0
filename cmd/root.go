// Package cmd defines and implements the CLI commands for the genfleet executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/genfleet/internal/config"
	"github.com/JakeFAU/genfleet/internal/dispatcher"
	"github.com/JakeFAU/genfleet/internal/farm"
	"github.com/JakeFAU/genfleet/internal/logging"
	"github.com/JakeFAU/genfleet/internal/server"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitPartial = 3
)

const defaultDashboardLog = "genfleet.log"

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Run(ctx context.Context, opts server.RunOptions) (dispatcher.Summary, error)
	Pending(ctx context.Context) ([]farm.WorkItem, error)
	Logger() *zap.Logger
	Close()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	logger, err := logging.NewWithOptions(logging.Options{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

// newRootCmd creates and configures the root command. Subcommands that finish
// without error report a non-zero exit code through exitCode.
func newRootCmd(out io.Writer, exitCode *int) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "genfleet",
		Short: "Drives a fleet of remote browsers through image generation prompts.",
		Long: `genfleet reads prompts from per-project Excel workbooks, spreads them across
a pool of remote browser sessions, saves every generated image next to its
project and marks finished rows so the next run resumes where this one stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application after flags are parsed and before the
		// subcommand runs, so subcommands only see a ready App.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if dash, _ := cmd.Flags().GetBool("dashboard"); dash && cfg.Logging.File == "" {
				cfg.Logging.File = defaultDashboardLog
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}
	cmd.SetOut(out)
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment and built-in defaults)")

	cmd.AddCommand(newRunCmd(exitCode))
	cmd.AddCommand(newPendingCmd())
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, out, errOut io.Writer) int {
	code := ExitOK
	root := newRootCmd(out, &code)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(errOut, "genfleet: %v\n", err)
		return ExitFatal
	}
	return code
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
