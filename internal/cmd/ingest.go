package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/markdave123-py/docstream/internal/app"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/ingestion_engine"
	"github.com/markdave123-py/docstream/internal/models"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a local file",
	Long: `Ingest a local file for an owner and scope.

By default the job runs in this process, retrying resumable failures up to
MAX_ATTEMPTS times, and the outcome is printed as JSON. With --queue the job is
handed to the running service instead.

Examples:
  # Ingest a PDF and wait for the result
  ingestd ingest --file report.pdf --owner u1 --scope finance

  # Queue a recording for the workers of a running service
  ingestd ingest --file call.mp3 --owner u1 --scope support --queue`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().String("file", "", "Path of the file to ingest (required)")
	ingestCmd.Flags().String("owner", "", "Owner id (required)")
	ingestCmd.Flags().String("scope", "", "Scope id (required)")
	ingestCmd.Flags().String("document", "", "Document identifier (default: file name)")
	ingestCmd.Flags().String("type", "", "Declared content type (default: from extension and content)")
	ingestCmd.Flags().String("callback", "", "Callback URL for progress and completion events")
	ingestCmd.Flags().String("callback-secret", "", "HMAC secret for callback signatures")
	ingestCmd.Flags().Bool("queue", false, "Queue the job instead of running it here")
	_ = ingestCmd.MarkFlagRequired("file")
	_ = ingestCmd.MarkFlagRequired("owner")
	_ = ingestCmd.MarkFlagRequired("scope")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	payload, err := payloadFromFlags(cmd, cfg.MaxFileBytes)
	if err != nil {
		return err
	}
	queued, _ := cmd.Flags().GetBool("queue")

	application, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	if queued {
		if err := application.Service.SubmitPayload(ctx, &payload); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"jobId": payload.JobID, "status": "queued"})
	}

	out, err := runAttempts(ctx, application.Pipeline, payload, cfg.MaxAttempts, 5*time.Second)
	if out != nil {
		if perr := printJSON(cmd.OutOrStdout(), out); perr != nil {
			return perr
		}
	}
	return err
}

// payloadFromFlags reads the file into an inline job.
func payloadFromFlags(cmd *cobra.Command, maxBytes int64) (models.JobPayload, error) {
	path, _ := cmd.Flags().GetString("file")
	owner, _ := cmd.Flags().GetString("owner")
	scope, _ := cmd.Flags().GetString("scope")
	document, _ := cmd.Flags().GetString("document")
	declared, _ := cmd.Flags().GetString("type")
	callback, _ := cmd.Flags().GetString("callback")
	secret, _ := cmd.Flags().GetString("callback-secret")

	fi, err := os.Stat(path)
	if err != nil {
		return models.JobPayload{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if maxBytes > 0 && fi.Size() > maxBytes {
		return models.JobPayload{}, errs.New(errs.CodeFileTooLarge, "%s is %d bytes, limit is %d", path, fi.Size(), maxBytes)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return models.JobPayload{}, fmt.Errorf("read %s: %w", path, err)
	}

	name := filepath.Base(path)
	if document == "" {
		document = name
	}
	return models.JobPayload{
		JobID:                 uuid.NewString(),
		DeclaredContentType:   declared,
		OriginalFileName:      name,
		OwnerID:               owner,
		ScopeID:               scope,
		DocumentID:            document,
		CallbackURL:           callback,
		CallbackSigningSecret: secret,
		Content:               content,
	}, nil
}

// Runner is the part of the pipeline the ingest command drives.
type Runner interface {
	Run(ctx context.Context, payload models.JobPayload, attempt int, final bool) (*ingestion_engine.Outcome, error)
}

// runAttempts runs payload until it reaches a terminal outcome, waiting
// backoff times the attempt number between retries.
func runAttempts(ctx context.Context, r Runner, payload models.JobPayload, maxAttempts int, backoff time.Duration) (*ingestion_engine.Outcome, error) {
	maxAttempts = max(maxAttempts, 1)
	var (
		out *ingestion_engine.Outcome
		err error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err = r.Run(ctx, payload, attempt, attempt == maxAttempts)
		if out != nil && out.Terminal() {
			return out, err
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		logger.Sugar().Infof("attempt %d of job %s stopped: %v", attempt, payload.JobID, err)

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	return out, err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
