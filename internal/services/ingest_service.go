package services

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/jobstate"
	"github.com/markdave123-py/docstream/internal/core/queue"
	"github.com/markdave123-py/docstream/internal/core/resilience"
	"github.com/markdave123-py/docstream/internal/models"
)

//go:embed schema/job_payload.json
var jobPayloadSchema []byte

// ErrJobNotFound is returned by Status for ids that are neither queued nor
// running. Finished jobs are forgotten once their callback is sent.
var ErrJobNotFound = errors.New("job not found")

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 50
)

// Enqueuer hands a validated job to the worker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload) error
}

// Prechecker rejects documents that can never be extracted.
type Prechecker interface {
	Precheck(declared, fileName string) error
}

// IngestService is the submission and query side of the ingestion service,
// shared by the HTTP handlers and the CLI.
type IngestService struct {
	jobs     Enqueuer
	queue    *queue.Queue
	states   *jobstate.Store
	router   Prechecker
	embedder core.EmbeddingProvider
	vectors  core.VectorStore
	schema   *jsonschema.Schema
	log      *zap.Logger
}

func NewIngestService(jobs Enqueuer, q *queue.Queue, states *jobstate.Store, router Prechecker, emb core.EmbeddingProvider, vectors core.VectorStore, log *zap.Logger) (*IngestService, error) {
	if log == nil {
		log = zap.NewNop()
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("job_payload.json", bytes.NewReader(jobPayloadSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("job_payload.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &IngestService{
		jobs:     jobs,
		queue:    q,
		states:   states,
		router:   router,
		embedder: emb,
		vectors:  vectors,
		schema:   schema,
		log:      log,
	}, nil
}

// Submit validates a raw JSON job, assigns a job id when the caller did not
// pick one and queues it.
func (s *IngestService) Submit(ctx context.Context, raw []byte) (*models.JobPayload, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPayload, err, "decode job")
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPayload, err, "job does not match schema")
	}

	var payload models.JobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidPayload, err, "decode job")
	}
	if err := s.SubmitPayload(ctx, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// SubmitPayload queues an already decoded job. payload.JobID is filled in
// when empty.
func (s *IngestService) SubmitPayload(ctx context.Context, payload *models.JobPayload) error {
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
	if s.router != nil {
		if err := s.router.Precheck(payload.DeclaredContentType, payload.OriginalFileName); err != nil {
			return err
		}
	}
	if err := s.jobs.Enqueue(ctx, *payload); err != nil {
		return err
	}
	s.log.Info("IngestService: job submitted",
		zap.String("job_id", payload.JobID),
		zap.String("owner_id", payload.OwnerID),
		zap.String("document_id", payload.DocumentID))
	return nil
}

// Status merges the durable job state with the job's queue entry.
func (s *IngestService) Status(ctx context.Context, jobID string) (*models.JobStatus, error) {
	row, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	st, err := s.states.Get(ctx, jobID)
	switch {
	case errors.Is(err, jobstate.ErrNotFound):
		if row == nil {
			return nil, ErrJobNotFound
		}
		return &models.JobStatus{
			JobID:     jobID,
			Phase:     models.PhaseInitialized,
			Attempt:   row.Attempts,
			CanResume: true,
			Queued:    true,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("read job state: %w", err)
	}

	p := st.Progress
	status := &models.JobStatus{
		JobID:           st.JobID,
		DocumentID:      st.DocumentID,
		Phase:           st.CurrentPhase,
		Percent:         Percent(st),
		ChunksGenerated: p.ChunksGenerated,
		ChunksEmbedded:  p.ChunksEmbedded,
		ChunksUpserted:  p.ChunksUpserted,
		Attempt:         st.AttemptNumber,
		CanResume:       st.CanResume,
		LastError:       st.LastError,
		Queued:          row != nil,
	}
	return status, nil
}

// Percent estimates overall progress. Download, extraction and embedding
// weigh 20, 30 and 50 percent.
func Percent(st *models.JobState) float64 {
	p := st.Progress
	switch st.CurrentPhase {
	case models.PhaseCompleted:
		return 100
	case models.PhaseInitialized:
		return 0
	case models.PhaseDownloading:
		return 20 * fraction(p.BytesDownloaded, p.BytesTotal)
	case models.PhaseDownloadComplete:
		return 20
	case models.PhaseExtracting:
		return 20 + 30*fraction(int64(p.PagesExtracted), int64(p.PagesTotal))
	case models.PhaseExtractionComplete:
		return 50
	case models.PhaseEmbedding:
		return 50 + 50*fraction(int64(p.ChunksUpserted), int64(p.ChunksGenerated))
	case models.PhaseEmbeddingComplete:
		return 100
	}
	// failed: report how far the job got
	if p.ChunksGenerated > 0 {
		return 50 + 50*fraction(int64(p.ChunksUpserted), int64(p.ChunksGenerated))
	}
	return 0
}

func fraction(done, total int64) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	if done >= total {
		return 1
	}
	return float64(done) / float64(total)
}

// SearchRequest is a similarity query over one owner's documents.
type SearchRequest struct {
	OwnerID string `json:"ownerId"`
	ScopeID string `json:"scopeId,omitempty"`
	Query   string `json:"query"`
	Limit   int    `json:"limit,omitempty"`
}

// Search embeds the query and returns the closest chunks.
func (s *IngestService) Search(ctx context.Context, req SearchRequest) ([]models.SearchHit, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.OwnerID == "" || req.Query == "" {
		return nil, errs.New(errs.CodeInvalidPayload, "ownerId and query are required")
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	req.Limit = min(req.Limit, maxSearchLimit)

	vecs, err := resilience.DoValue(ctx, resilience.Embedding, func(ctx context.Context) ([][]float32, error) {
		return s.embedder.EmbedTexts(ctx, []string{req.Query})
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, errs.New(errs.CodeEmbeddingFailed, "embedder returned %d vectors for one query", len(vecs))
	}

	return s.vectors.Search(ctx, models.SearchQuery{
		OwnerID: req.OwnerID,
		ScopeID: req.ScopeID,
		Vector:  vecs[0],
		Limit:   req.Limit,
	})
}
