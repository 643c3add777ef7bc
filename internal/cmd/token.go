package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	appMiddleware "github.com/markdave123-py/docstream/internal/api/middlewares"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token for an owner",
	Long: `Print a bearer token signed with JWT_SECRET for the given owner.

Example:
  ingestd token --owner u1 --ttl 24h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET not set")
		}
		tok, err := appMiddleware.IssueToken(cfg.JWTSecret, owner, ttl)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
		return err
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("owner", "", "Owner id (required)")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("owner")
}
