package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/resilience"
	"github.com/markdave123-py/docstream/internal/models"
)

const (
	// SignatureHeader carries "sha256=<hex>" of the request body when the job
	// has a signing secret.
	SignatureHeader = "X-Signature-256"
	EventHeader     = "X-Docstream-Event"
)

// Webhook POSTs job events as JSON to the callback URL of the job. Jobs
// without a callback URL are skipped silently.
type Webhook struct {
	Client *http.Client
	Policy resilience.Policy
	Log    *zap.Logger
}

func NewWebhook(log *zap.Logger) *Webhook {
	if log == nil {
		log = zap.NewNop()
	}
	return &Webhook{
		Client: &http.Client{Timeout: 30 * time.Second},
		Policy: resilience.Callback,
		Log:    log,
	}
}

var _ core.Notifier = (*Webhook)(nil)

func (w *Webhook) Progress(ctx context.Context, target models.CallbackTarget, ev models.ProgressEvent) error {
	ev.Status = "progress"
	return w.post(ctx, target, ev.Status, ev)
}

func (w *Webhook) Completed(ctx context.Context, target models.CallbackTarget, ev models.CompletedEvent) error {
	ev.Status = "completed"
	return w.post(ctx, target, ev.Status, ev)
}

func (w *Webhook) Failed(ctx context.Context, target models.CallbackTarget, ev models.FailedEvent) error {
	ev.Status = "failed"
	return w.post(ctx, target, ev.Status, ev)
}

func (w *Webhook) Transcript(ctx context.Context, target models.CallbackTarget, ev models.TranscriptEvent) error {
	ev.Status = "transcript"
	return w.post(ctx, target, ev.Status, ev)
}

func (w *Webhook) post(ctx context.Context, target models.CallbackTarget, event string, body any) error {
	if target.URL == "" {
		return nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s callback: %w", event, err)
	}

	err = resilience.Do(ctx, w.Policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
		if err != nil {
			return errs.Wrap(errs.CodeInvalidPayload, err, "callback url")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(EventHeader, event)
		if target.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(target.Secret, payload))
		}

		resp, err := w.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

		if resp.StatusCode/100 != 2 {
			return errs.FromStatus(resp.StatusCode, event+" callback")
		}
		return nil
	})
	if err != nil {
		w.Log.Warn("Webhook: callback delivery failed",
			zap.String("event", event),
			zap.String("url", target.URL),
			zap.Error(err))
		return err
	}
	w.Log.Debug("Webhook: callback delivered", zap.String("event", event))
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign. The "sha256=" prefix is
// optional.
func Verify(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
