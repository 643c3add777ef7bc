package core

import (
	"context"
	"io"

	"github.com/markdave123-py/docstream/internal/models"
)

// VectorStore persists chunk vectors and answers similarity queries.
// UpsertPoints overwrites points whose id already exists.
type VectorStore interface {
	UpsertPoints(ctx context.Context, points []models.VectorPoint) error
	Search(ctx context.Context, q models.SearchQuery) ([]models.SearchHit, error)
	CountPoints(ctx context.Context, ownerID, scopeID, documentID string) (int, error)
	Close() error
}

// ObjectClient reads source files from S3 or any object storage.
type ObjectClient interface {
	ObjectSize(ctx context.Context, bucket, key string) (int64, error)
	// GetObjectRange streams the object from offset to the end.
	GetObjectRange(ctx context.Context, bucket, key string, offset int64) (io.ReadCloser, error)
}

// Notifier delivers job events to the submitter's callback URL. It is the
// only place the pipeline reaches outside the process.
type Notifier interface {
	Progress(ctx context.Context, target models.CallbackTarget, ev models.ProgressEvent) error
	Completed(ctx context.Context, target models.CallbackTarget, ev models.CompletedEvent) error
	Failed(ctx context.Context, target models.CallbackTarget, ev models.FailedEvent) error
	Transcript(ctx context.Context, target models.CallbackTarget, ev models.TranscriptEvent) error
}
