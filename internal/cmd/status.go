package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	appMiddleware "github.com/markdave123-py/docstream/internal/api/middlewares"
	"github.com/markdave123-py/docstream/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the progress of a job",
	Long: `Ask a running service for the status of a job.

The request is authenticated with --token, or with a short-lived token minted
from JWT_SECRET for --owner.

Examples:
  ingestd status 3f1c9a2e-7b0d-4c55-9a0e-1d2f3b4c5d6e --owner u1
  ingestd status my-job --token "$TOKEN" --api https://ingest.example`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("token", "", "Bearer token")
	statusCmd.Flags().String("owner", "", "Owner id to mint a token for when --token is not given")
	statusCmd.Flags().String("api", "", "Base URL of the service (default: API_URL)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	token, _ := cmd.Flags().GetString("token")
	owner, _ := cmd.Flags().GetString("owner")
	base, _ := cmd.Flags().GetString("api")
	if base == "" {
		base = cfg.APIURL
	}

	if token == "" {
		if owner == "" || cfg.JWTSecret == "" {
			return fmt.Errorf("pass --token, or --owner with JWT_SECRET set")
		}
		var err error
		if token, err = appMiddleware.IssueToken(cfg.JWTSecret, owner, 5*time.Minute); err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	st, err := fetchStatus(cmd.Context(), client, base, token, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

// fetchStatus calls GET /api/jobs/{id}.
func fetchStatus(ctx context.Context, client *http.Client, base, token, jobID string) (*models.JobStatus, error) {
	endpoint := base + "/api/jobs/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("job %s: %s (HTTP %d)", jobID, e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("job %s: HTTP %d", jobID, resp.StatusCode)
	}

	var st models.JobStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}
