package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/timmy/contentport/internal/app"
	"github.com/timmy/contentport/internal/config"
	"github.com/timmy/contentport/internal/logger"
)

var (
	configFile string
	jsonOutput bool
	engine     *app.App
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import content from a WordPress-style site",
	Long: `Analyze, rehearse, import and roll back content migrations from a
WordPress-style interchange file or REST API into the target site.

A migration runs in steps, each its own command:

  migrate analyze --file export.xml        # creates a job and analyzes the source
  migrate dry-run <job-id>                  # simulates the import
  migrate import <job-id> --yes             # imports what the dry run approved
  migrate rollback <job-id> --yes           # removes it again within the rollback window`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		app.NewLogger(cfg.Log, "contentport-migrate")

		engine, err = app.New(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize import engine: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if engine == nil {
			return nil
		}
		return engine.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_PATH"), "config file (default is ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		analyzeCmd,
		dryRunCmd,
		importCmd,
		resumeCmd,
		statusCmd,
		issuesCmd,
		diffCmd,
		cancelCmd,
		rollbackCmd,
		pruneCmd,
		redirectsCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
