package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/models"
)

const (
	// inlineLimit is the largest request body Gemini accepts with inline data.
	inlineLimit = 20 * 1024 * 1024

	pageMarker   = "=== PAGE BREAK ==="
	filePollWait = 2 * time.Second
)

const ocrPrompt = `Transcribe all text in this document exactly as written, in reading order.
Do not summarise, translate or add commentary. Render tables as plain rows.
Write a line containing only "` + pageMarker + `" between consecutive pages.`

const transcribePrompt = `Transcribe the speech in this recording verbatim.
Answer with JSON: {"transcript": string, "confidence": number between 0 and 1, "durationSeconds": number}.`

// GeminiMedia reads documents and recordings through Gemini's multimodal
// models: OCR for PDFs and speech-to-text for audio and video.
type GeminiMedia struct {
	client          *genai.Client
	ocrModel        string
	transcribeModel string
	log             *zap.Logger
}

func NewGeminiMedia(ctx context.Context, apiKey, ocrModel, transcribeModel string, log *zap.Logger) (*GeminiMedia, error) {
	if apiKey == "" {
		return nil, errs.New(errs.CodeMissingConfig, "GEMINI_API_KEY not set")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if ocrModel == "" {
		ocrModel = "gemini-1.5-flash"
	}
	if transcribeModel == "" {
		transcribeModel = ocrModel
	}
	return &GeminiMedia{client: cl, ocrModel: ocrModel, transcribeModel: transcribeModel, log: log}, nil
}

func (g *GeminiMedia) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// OCRFile returns the document text with pages separated by form feeds.
func (g *GeminiMedia) OCRFile(ctx context.Context, path, mimeType string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	part, cleanup, err := g.mediaPart(ctx, path, mimeType, fi.Size() > inlineLimit)
	if err != nil {
		return "", err
	}
	defer cleanup()

	m := g.client.GenerativeModel(g.ocrModel)
	m.SetTemperature(0)
	text, err := generate(ctx, m, part, genai.Text(ocrPrompt))
	if err != nil {
		return "", errs.Classify(fmt.Errorf("gemini ocr: %w", err), errs.CodeOCRFailed)
	}
	return toPages(text), nil
}

// toPages turns page marker lines into form feeds.
func toPages(text string) string {
	lines := strings.Split(text, "\n")
	var b strings.Builder
	for i, line := range lines {
		if strings.TrimSpace(line) == pageMarker {
			b.WriteString("\f")
			continue
		}
		b.WriteString(line)
		if i < len(lines)-1 && strings.TrimSpace(lines[i+1]) != pageMarker {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (g *GeminiMedia) Transcribe(ctx context.Context, req core.TranscribeRequest) (*models.Transcript, error) {
	part, cleanup, err := g.mediaPart(ctx, req.Path, req.MimeType, req.Upload)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	m := g.client.GenerativeModel(g.transcribeModel)
	m.SetTemperature(0)
	m.ResponseMIMEType = "application/json"
	raw, err := generate(ctx, m, part, genai.Text(transcribePrompt))
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("gemini transcribe: %w", err), errs.CodeExtractionFailed)
	}
	t, err := parseTranscript(raw)
	if err != nil {
		return nil, err
	}
	t.Model = g.transcribeModel
	return t, nil
}

func parseTranscript(raw string) (*models.Transcript, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimSuffix(strings.TrimSpace(strings.TrimPrefix(raw, "```")), "```")
	var t models.Transcript
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, errs.Wrap(errs.CodeExtractionFailed, err, "decode transcript")
	}
	return &t, nil
}

// mediaPart sends small files inline and uploads the rest through the
// Files API. cleanup removes the uploaded copy.
func (g *GeminiMedia) mediaPart(ctx context.Context, path, mimeType string, upload bool) (genai.Part, func(), error) {
	noop := func() {}
	if !upload {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, noop, fmt.Errorf("read %s: %w", path, err)
		}
		return genai.Blob{MIMEType: mimeType, Data: data}, noop, nil
	}

	f, err := g.client.UploadFileFromPath(ctx, path, &genai.UploadFileOptions{MIMEType: mimeType})
	if err != nil {
		return nil, noop, errs.Classify(fmt.Errorf("gemini upload: %w", err), errs.CodeServiceUnavailable)
	}
	cleanup := func() {
		if err := g.client.DeleteFile(context.WithoutCancel(ctx), f.Name); err != nil {
			g.log.Warn("GeminiMedia: could not delete uploaded file", zap.String("file", f.Name), zap.Error(err))
		}
	}

	for f.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			cleanup()
			return nil, noop, ctx.Err()
		case <-time.After(filePollWait):
		}
		if f, err = g.client.GetFile(ctx, f.Name); err != nil {
			cleanup()
			return nil, noop, errs.Classify(fmt.Errorf("gemini file state: %w", err), errs.CodeServiceUnavailable)
		}
	}
	if f.State != genai.FileStateActive {
		cleanup()
		return nil, noop, errs.New(errs.CodeExtractionFailed, "uploaded file %s is in state %s", f.Name, f.State)
	}
	return genai.FileData{MIMEType: mimeType, URI: f.URI}, cleanup, nil
}

func generate(ctx context.Context, m *genai.GenerativeModel, parts ...genai.Part) (string, error) {
	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

var (
	_ core.OCRProvider = (*GeminiMedia)(nil)
	_ core.Transcriber = (*GeminiMedia)(nil)
)
