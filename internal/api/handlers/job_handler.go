package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appMiddleware "github.com/markdave123-py/docstream/internal/api/middlewares"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/models"
	"github.com/markdave123-py/docstream/internal/services"
)

// MaxJobBodyBytes bounds a submission, inline content included.
const MaxJobBodyBytes = 64 << 20

// JobService is what the handlers need from services.IngestService.
type JobService interface {
	Submit(ctx context.Context, raw []byte) (*models.JobPayload, error)
	Status(ctx context.Context, jobID string) (*models.JobStatus, error)
	Search(ctx context.Context, req services.SearchRequest) ([]models.SearchHit, error)
}

type JobHandler struct {
	svc JobService
	log *zap.Logger
}

func NewJobHandler(svc JobService, log *zap.Logger) *JobHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &JobHandler{svc: svc, log: log}
}

type submitResponse struct {
	JobID      string `json:"jobId"`
	DocumentID string `json:"documentIdentifier"`
	Status     string `json:"status"`
}

// SubmitJob queues an ingestion job for the authenticated owner. The owner in
// the body, if any, is replaced by the token's.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := appMiddleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "owner_id not found in context", http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxJobBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, errs.New(errs.CodeFileTooLarge, "job body over %d bytes", MaxJobBodyBytes))
			return
		}
		writeError(w, errs.Wrap(errs.CodeInvalidPayload, err, "read body"))
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		writeError(w, errs.New(errs.CodeInvalidPayload, "body must be a JSON object"))
		return
	}
	fields["ownerId"] = ownerID
	raw, err = json.Marshal(fields)
	if err != nil {
		writeError(w, err)
		return
	}

	payload, err := h.svc.Submit(r.Context(), raw)
	if err != nil {
		h.log.Info("JobHandler: submission rejected", zap.String("owner_id", ownerID), zap.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:      payload.JobID,
		DocumentID: payload.DocumentID,
		Status:     "queued",
	})
}

// GetJob reports the progress of a queued or running job.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, errs.New(errs.CodeInvalidPayload, "job id is required"))
		return
	}

	status, err := h.svc.Status(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type searchResponse struct {
	Hits []models.SearchHit `json:"hits"`
}

// Search returns the chunks of the owner's documents closest to a query.
func (h *JobHandler) Search(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := appMiddleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req services.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.CodeInvalidPayload, err, "decode search request"))
		return
	}
	req.OwnerID = ownerID

	hits, err := h.svc.Search(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Hits: hits})
}
