package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/resilience"
	"github.com/markdave123-py/docstream/internal/models"
)

func fastPolicy() resilience.Policy {
	p := resilience.Callback
	p.BaseDelay = time.Millisecond
	p.MaxDelay = time.Millisecond
	return p
}

func TestCompletedIsSigned(t *testing.T) {
	var (
		body []byte
		sig  string
		ev   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		ev = r.Header.Get(EventHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(nil)
	err := w.Completed(context.Background(),
		models.CallbackTarget{URL: srv.URL, Secret: "s3cret"},
		models.CompletedEvent{DocumentIdentifier: "doc-1", TotalChunks: 12, Method: "pdf-ocr", DurationMs: 40, Resumed: true})
	require.NoError(t, err)

	assert.Equal(t, "completed", ev)
	assert.True(t, Verify("s3cret", body, sig))
	assert.False(t, Verify("other", body, sig))

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, "doc-1", got["documentIdentifier"])
	assert.EqualValues(t, 12, got["totalChunks"])
	assert.Equal(t, true, got["resumed"])
}

func TestUnsignedWithoutSecret(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(SignatureHeader))
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(nil).Failed(context.Background(),
		models.CallbackTarget{URL: srv.URL},
		models.FailedEvent{DocumentIdentifier: "doc-1", Error: "boom"}))
	assert.Equal(t, "", sig.Load())
}

func TestNoURLIsNoop(t *testing.T) {
	err := NewWebhook(nil).Progress(context.Background(), models.CallbackTarget{}, models.ProgressEvent{Phase: models.PhaseEmbedding})
	assert.NoError(t, err)
}

func TestServerErrorRetriedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWebhook(nil)
	w.Policy = fastPolicy()
	err := w.Transcript(context.Background(), models.CallbackTarget{URL: srv.URL}, models.TranscriptEvent{DocumentIdentifier: "d"})
	require.Error(t, err)
	assert.Equal(t, errs.CodeServiceUnavailable, errs.CodeOf(err))
	assert.EqualValues(t, 2, calls.Load())
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	w := NewWebhook(nil)
	w.Policy = fastPolicy()
	err := w.Progress(context.Background(), models.CallbackTarget{URL: srv.URL}, models.ProgressEvent{})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSignFormat(t *testing.T) {
	s := Sign("key", []byte("body"))
	assert.Len(t, s, len("sha256=")+64)
	assert.True(t, Verify("key", []byte("body"), s))
	assert.True(t, Verify("key", []byte("body"), s[len("sha256="):]))
	assert.False(t, Verify("key", []byte("body"), "sha256=zz"))
}
