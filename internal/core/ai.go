package core

import (
	"context"

	"github.com/markdave123-py/docstream/internal/models"
)

// EmbeddingProvider turns a batch of texts into vectors, one per text, in order.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// OCRProvider recognises the text of a document file. Pages in the returned
// text are separated by a form feed when the provider can tell them apart.
type OCRProvider interface {
	OCRFile(ctx context.Context, path, mimeType string) (string, error)
}

// TranscribeRequest describes one audio/video file to transcribe. Upload
// marks files too large to send inline.
type TranscribeRequest struct {
	Path     string
	MimeType string
	Upload   bool
}

// Transcriber converts speech in an audio or video file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (*models.Transcript, error)
}
