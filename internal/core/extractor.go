package core

import (
	"context"

	"github.com/markdave123-py/docstream/internal/models"
)

// ExtractInput is a source file ready for extraction.
type ExtractInput struct {
	Path     string
	MimeType string
	FileName string
	// WorkDir holds intermediate files such as PDF page splits.
	WorkDir string
	// PageWindow is how many pages are grouped into one segment.
	PageWindow int
}

// Segment is one unit of extracted text handed to the chunker.
//
// Unit is the resume key: the last page covered for paged documents, or the
// 1-based ordinal of the segment otherwise. Units increase strictly within a
// job. Pages is the number of pages the segment covers (0 when not paged).
type Segment struct {
	Unit  int
	Pages int
	Text  string
}

// ExtractionSink receives extraction output as it becomes available and gives
// extractors access to the persisted job state they resume from.
type ExtractionSink interface {
	Emit(ctx context.Context, seg Segment) error
	State() *models.JobState
	SetMetadata(ctx context.Context, key, value string) error
	UpdateProgress(ctx context.Context, fn func(p *models.Progress)) error
	Transcript(ctx context.Context, t models.Transcript) error
}

// ExtractResult reports which method produced the text.
type ExtractResult struct {
	Method string
	Pages  int
}

// DocumentExtractor extracts text from a file into a sink.
type DocumentExtractor interface {
	Extract(ctx context.Context, in ExtractInput, sink ExtractionSink) (*ExtractResult, error)
}
