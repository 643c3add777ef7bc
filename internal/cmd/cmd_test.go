package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appMiddleware "github.com/markdave123-py/docstream/internal/api/middlewares"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/ingestion_engine"
	"github.com/markdave123-py/docstream/internal/models"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ingest", "status", "token"} {
		assert.True(t, names[want], want)
	}
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--owner", "u1", "--ttl", "1h"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	owner, err := appMiddleware.ParseToken("s3cret", strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/jobs/job-1":
			_, _ = w.Write([]byte(`{"jobId":"job-1","phase":"extracting","percent":35}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"job not found"}`))
		}
	}))
	defer srv.Close()

	st, err := fetchStatus(context.Background(), srv.Client(), srv.URL, "tok", "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseExtracting, st.Phase)
	assert.InDelta(t, 35.0, st.Percent, 0.001)

	_, err = fetchStatus(context.Background(), srv.Client(), srv.URL, "tok", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
	assert.Contains(t, err.Error(), "404")

	_, err = fetchStatus(context.Background(), srv.Client(), srv.URL, "bad", "job-1")
	assert.Contains(t, err.Error(), "401")
}

type scriptedRunner struct {
	statuses []string
	finals   []bool
}

func (r *scriptedRunner) Run(_ context.Context, p models.JobPayload, attempt int, final bool) (*ingestion_engine.Outcome, error) {
	r.finals = append(r.finals, final)
	status := r.statuses[attempt-1]
	out := &ingestion_engine.Outcome{JobID: p.JobID, Status: status}
	if status == ingestion_engine.StatusCompleted {
		return out, nil
	}
	return out, errs.New(errs.CodeRateLimited, "busy")
}

func TestRunAttemptsRetriesUntilTerminal(t *testing.T) {
	r := &scriptedRunner{statuses: []string{ingestion_engine.StatusRetry, ingestion_engine.StatusCompleted}}

	out, err := runAttempts(context.Background(), r, models.JobPayload{JobID: "j"}, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, ingestion_engine.StatusCompleted, out.Status)
	assert.Equal(t, []bool{false, false}, r.finals)
}

func TestRunAttemptsMarksLastAttemptFinal(t *testing.T) {
	r := &scriptedRunner{statuses: []string{ingestion_engine.StatusRetry, ingestion_engine.StatusFailed}}

	out, err := runAttempts(context.Background(), r, models.JobPayload{JobID: "j"}, 2, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, ingestion_engine.StatusFailed, out.Status)
	assert.Equal(t, []bool{false, true}, r.finals)
}

func ingestFlags(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{}
	for _, name := range []string{"file", "owner", "scope", "document", "type", "callback", "callback-secret"} {
		c.Flags().String(name, "", "")
	}
	require.NoError(t, c.Flags().Parse(args))
	return c
}

func TestPayloadFromFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	p, err := payloadFromFlags(ingestFlags(t, "--file", path, "--owner", "u1", "--scope", "s1"), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, p.JobID)
	assert.Equal(t, "notes.txt", p.DocumentID)
	assert.Equal(t, "notes.txt", p.OriginalFileName)
	assert.Equal(t, []byte("hello world"), p.Content)
	require.NoError(t, ingestion_engine.CheckPayload(p))

	_, err = payloadFromFlags(ingestFlags(t, "--file", path, "--owner", "u1", "--scope", "s1"), 5)
	assert.Equal(t, errs.CodeFileTooLarge, errs.CodeOf(err))

	_, err = payloadFromFlags(ingestFlags(t, "--file", filepath.Join(t.TempDir(), "nope"), "--owner", "u1", "--scope", "s1"), 0)
	assert.Error(t, err)
}
