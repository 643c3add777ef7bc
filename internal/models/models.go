package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Phase is one stage of the ingestion state machine. The values are persisted
// in the job state store and sent in progress callbacks.
type Phase string

const (
	PhaseInitialized        Phase = "initialized"
	PhaseDownloading        Phase = "downloading"
	PhaseDownloadComplete   Phase = "download_complete"
	PhaseExtracting         Phase = "extracting"
	PhaseExtractionComplete Phase = "extraction_complete"
	PhaseEmbedding          Phase = "embedding"
	PhaseEmbeddingComplete  Phase = "embedding_complete"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseInitialized:        0,
	PhaseDownloading:        1,
	PhaseDownloadComplete:   2,
	PhaseExtracting:         3,
	PhaseExtractionComplete: 4,
	PhaseEmbedding:          5,
	PhaseEmbeddingComplete:  6,
	PhaseCompleted:          7,
}

// Order returns the position of the phase in the state machine. Failed is
// reachable from anywhere and sorts last.
func (p Phase) Order() int {
	if o, ok := phaseOrder[p]; ok {
		return o
	}
	return len(phaseOrder)
}

// Checkpoint records that a phase's work is durably complete, along with any
// data the next phase needs (e.g. the downloaded file path).
type Checkpoint struct {
	Phase     Phase             `json:"phase"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// Progress holds the fine-grained counters of a job. Every field is monotonic
// non-decreasing within a job.
//
// LastChunkIndex, LastEmbeddedIndex and LastUpsertedIndex are watermarks: the
// index of the next chunk to generate, embed or upsert respectively.
type Progress struct {
	BytesDownloaded   int64 `json:"bytes_downloaded"`
	BytesTotal        int64 `json:"bytes_total"`
	PagesExtracted    int   `json:"pages_extracted"`
	PagesTotal        int   `json:"pages_total"`
	LastExtractedPage int   `json:"last_extracted_page"`
	LastOCRChunk      int   `json:"last_ocr_chunk"`
	ChunksGenerated   int   `json:"chunks_generated"`
	LastChunkIndex    int   `json:"last_chunk_index"`
	ChunksEmbedded    int   `json:"chunks_embedded"`
	LastEmbeddedIndex int   `json:"last_embedded_index"`
	ChunksUpserted    int   `json:"chunks_upserted"`
	LastUpsertedIndex int   `json:"last_upserted_index"`
}

// CheckInvariants reports the first violated ordering between counters.
func (p Progress) CheckInvariants() error {
	if p.LastEmbeddedIndex > p.ChunksGenerated {
		return fmt.Errorf("last embedded index %d exceeds chunks generated %d", p.LastEmbeddedIndex, p.ChunksGenerated)
	}
	if p.LastUpsertedIndex > p.ChunksEmbedded {
		return fmt.Errorf("last upserted index %d exceeds chunks embedded %d", p.LastUpsertedIndex, p.ChunksEmbedded)
	}
	return nil
}

// Regressed returns the name of the first counter that is lower in next than in p.
func (p Progress) Regressed(next Progress) (string, bool) {
	checks := []struct {
		name      string
		prev, cur int64
	}{
		{"bytes_downloaded", p.BytesDownloaded, next.BytesDownloaded},
		{"pages_extracted", int64(p.PagesExtracted), int64(next.PagesExtracted)},
		{"last_extracted_page", int64(p.LastExtractedPage), int64(next.LastExtractedPage)},
		{"last_ocr_chunk", int64(p.LastOCRChunk), int64(next.LastOCRChunk)},
		{"chunks_generated", int64(p.ChunksGenerated), int64(next.ChunksGenerated)},
		{"last_chunk_index", int64(p.LastChunkIndex), int64(next.LastChunkIndex)},
		{"chunks_embedded", int64(p.ChunksEmbedded), int64(next.ChunksEmbedded)},
		{"last_embedded_index", int64(p.LastEmbeddedIndex), int64(next.LastEmbeddedIndex)},
		{"chunks_upserted", int64(p.ChunksUpserted), int64(next.ChunksUpserted)},
		{"last_upserted_index", int64(p.LastUpsertedIndex), int64(next.LastUpsertedIndex)},
	}
	for _, c := range checks {
		if c.cur < c.prev {
			return c.name, true
		}
	}
	return "", false
}

// JobError is the last error recorded against a job.
type JobError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// JobState is the durable, keyed-by-job record of what has already happened.
type JobState struct {
	JobID          string            `json:"job_id"`
	DocumentID     string            `json:"document_id"`
	CurrentPhase   Phase             `json:"current_phase"`
	Checkpoints    []Checkpoint      `json:"checkpoints"`
	Progress       Progress          `json:"progress"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	LastProgressAt time.Time         `json:"last_progress_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ErrorCount     int               `json:"error_count"`
	LastError      *JobError         `json:"last_error,omitempty"`
	AttemptNumber  int               `json:"attempt_number"`
	CanResume      bool              `json:"can_resume"`
	ResumedFrom    *Phase            `json:"resumed_from,omitempty"`
}

// Checkpoint returns the checkpoint recorded for phase, if any.
func (s *JobState) Checkpoint(phase Phase) (Checkpoint, bool) {
	for _, cp := range s.Checkpoints {
		if cp.Phase == phase {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// ChunkingOptions tunes the chunker for a single job.
type ChunkingOptions struct {
	MaxTokens    int     `json:"maxTokens,omitempty"`
	OverlapRatio float64 `json:"overlapRatio,omitempty"`
	PageWindow   int     `json:"pageWindow,omitempty"`
}

// JobPayload is the job submission contract. Content may substitute for
// SourceURL on direct-upload and test paths.
type JobPayload struct {
	JobID                 string           `json:"jobId,omitempty"`
	SourceURL             string           `json:"sourceUrl,omitempty"`
	DeclaredContentType   string           `json:"declaredContentType,omitempty"`
	OriginalFileName      string           `json:"originalFileName,omitempty"`
	OwnerID               string           `json:"ownerId"`
	ScopeID               string           `json:"scopeId"`
	DocumentID            string           `json:"documentIdentifier"`
	CallbackURL           string           `json:"callbackUrl,omitempty"`
	CallbackSigningSecret string           `json:"callbackSigningSecret,omitempty"`
	Chunking              *ChunkingOptions `json:"chunking,omitempty"`
	Content               []byte           `json:"content,omitempty"`
}

// Callback returns the webhook target of the payload.
func (p JobPayload) Callback() CallbackTarget {
	return CallbackTarget{URL: p.CallbackURL, Secret: p.CallbackSigningSecret}
}

// Chunk is a bounded slice of extracted text. Immutable once written to the ledger.
type Chunk struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// EmbeddedChunk is a chunk with its vector, as recorded in the embeddings ledger.
type EmbeddedChunk struct {
	ID       string            `json:"id"`
	Index    int               `json:"index"`
	Vector   []float32         `json:"vector"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VectorPoint is one entry of the similarity-search store.
type VectorPoint struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	ScopeID    string            `json:"scope_id"`
	DocumentID string            `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Vector     []float32         `json:"-"`
}

var pointNamespace = uuid.MustParse("6f1c2b0e-8d4a-5c7e-9b3f-2a1d0e4c6b85")

// PointID derives the vector-store id of a chunk. The same inputs always yield
// the same id, so re-upserting a chunk overwrites instead of duplicating.
// Fields are length-prefixed so no two owner/scope/document triples share a
// name.
func PointID(ownerID, scopeID, documentID string, chunkIndex int) string {
	name := fmt.Sprintf("%d:%s%d:%s%d:%s%d",
		len(ownerID), ownerID, len(scopeID), scopeID, len(documentID), documentID, chunkIndex)
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}

// SearchQuery is a similarity lookup restricted to one owner and optionally one scope.
type SearchQuery struct {
	OwnerID string    `json:"ownerId"`
	ScopeID string    `json:"scopeId,omitempty"`
	Vector  []float32 `json:"-"`
	Limit   int       `json:"limit,omitempty"`
}

// SearchHit is a vector point ranked by similarity.
type SearchHit struct {
	Point VectorPoint `json:"point"`
	Score float64     `json:"score"`
}

// Transcript is the result of audio/video transcription.
type Transcript struct {
	Text            string  `json:"transcript"`
	Confidence      float64 `json:"confidence"`
	DurationSeconds float64 `json:"durationSeconds"`
	Model           string  `json:"model"`
}

// CallbackTarget is where job notifications are delivered.
type CallbackTarget struct {
	URL    string
	Secret string
}

// CompletedEvent is the terminal success callback body.
type CompletedEvent struct {
	Status             string `json:"status"`
	DocumentIdentifier string `json:"documentIdentifier"`
	TotalChunks        int    `json:"totalChunks"`
	Method             string `json:"method"`
	DurationMs         int64  `json:"durationMs"`
	Resumed            bool   `json:"resumed"`
}

// FailedEvent is the terminal failure callback body.
type FailedEvent struct {
	Status             string `json:"status"`
	DocumentIdentifier string `json:"documentIdentifier"`
	Error              string `json:"error"`
	Code               string `json:"code,omitempty"`
	DurationMs         int64  `json:"durationMs"`
}

// ProgressEvent is sent once per phase transition.
type ProgressEvent struct {
	Status             string `json:"status"`
	DocumentIdentifier string `json:"documentIdentifier"`
	Phase              Phase  `json:"phase"`
}

// TranscriptEvent is the audio/video side channel body.
type TranscriptEvent struct {
	Status             string `json:"status"`
	DocumentIdentifier string `json:"documentIdentifier"`
	Transcript
}

// JobStatus is the coarse status returned by the status query.
type JobStatus struct {
	JobID           string    `json:"jobId"`
	DocumentID      string    `json:"documentIdentifier,omitempty"`
	Phase           Phase     `json:"phase"`
	Percent         float64   `json:"percent"`
	ChunksGenerated int       `json:"chunksGenerated"`
	ChunksEmbedded  int       `json:"chunksEmbedded"`
	ChunksUpserted  int       `json:"chunksUpserted"`
	Attempt         int       `json:"attempt"`
	CanResume       bool      `json:"canResume"`
	LastError       *JobError `json:"lastError,omitempty"`
	Queued          bool      `json:"queued"`
}
