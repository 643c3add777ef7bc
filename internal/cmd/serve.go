package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the API and run ingestion workers",
	Long: `Start the HTTP API and the worker pool that drains the job queue.

Both stop on SIGINT/SIGTERM; running jobs are checkpointed and their leases
released so the next start resumes them.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	application, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	logger.Info("ingestd is running",
		zap.String("port", cfg.Port),
		zap.Int("workers", cfg.WorkerConcurrency))
	if err := application.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutting down...")
	return nil
}
