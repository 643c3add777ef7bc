package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appMiddleware "github.com/markdave123-py/docstream/internal/api/middlewares"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/models"
	"github.com/markdave123-py/docstream/internal/services"
)

type fakeService struct {
	submitted map[string]any
	submitErr error
	status    *models.JobStatus
	statusErr error
	search    services.SearchRequest
}

func (f *fakeService) Submit(_ context.Context, raw []byte) (*models.JobPayload, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if err := json.Unmarshal(raw, &f.submitted); err != nil {
		return nil, err
	}
	return &models.JobPayload{JobID: "job-1", DocumentID: "d1"}, nil
}

func (f *fakeService) Status(_ context.Context, id string) (*models.JobStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeService) Search(_ context.Context, req services.SearchRequest) ([]models.SearchHit, error) {
	f.search = req
	return nil, nil
}

func serve(h *JobHandler, method, path, body, owner string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post("/api/jobs", h.SubmitJob)
	r.Get("/api/jobs/{id}", h.GetJob)
	r.Post("/api/search", h.Search)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req = req.WithContext(appMiddleware.WithOwner(req.Context(), owner))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobUsesTokenOwner(t *testing.T) {
	svc := &fakeService{}
	rec := serve(NewJobHandler(svc, nil), http.MethodPost, "/api/jobs",
		`{"ownerId":"someone-else","scopeId":"s","documentIdentifier":"d1","sourceUrl":"https://x/a.pdf"}`, "owner-1")

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "owner-1", svc.submitted["ownerId"])

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.Equal(t, "queued", resp.Status)
}

func TestSubmitJobWithoutOwner(t *testing.T) {
	rec := serve(NewJobHandler(&fakeService{}, nil), http.MethodPost, "/api/jobs", `{}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmitJobRejectsNonObject(t *testing.T) {
	rec := serve(NewJobHandler(&fakeService{}, nil), http.MethodPost, "/api/jobs", `[1,2]`, "owner-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJobMapsErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{errs.New(errs.CodeInvalidPayload, "bad"), http.StatusBadRequest, "INVALID_PAYLOAD"},
		{errs.New(errs.CodeUnsupportedLegacyFormat, "doc"), http.StatusBadRequest, "UNSUPPORTED_LEGACY_FORMAT"},
		{errs.New(errs.CodeFileTooLarge, "big"), http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
		{errs.New(errs.CodeConcurrencyLimit, "busy"), http.StatusTooManyRequests, "CONCURRENCY_LIMIT"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := serve(NewJobHandler(&fakeService{submitErr: tt.err}, nil), http.MethodPost, "/api/jobs", `{}`, "owner-1")
			assert.Equal(t, tt.want, rec.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestGetJob(t *testing.T) {
	svc := &fakeService{status: &models.JobStatus{JobID: "job-1", Phase: models.PhaseEmbedding, Percent: 70}}
	rec := serve(NewJobHandler(svc, nil), http.MethodGet, "/api/jobs/job-1", "", "owner-1")

	require.Equal(t, http.StatusOK, rec.Code)
	var got models.JobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.PhaseEmbedding, got.Phase)
	assert.InDelta(t, 70.0, got.Percent, 0.001)
}

func TestGetJobNotFound(t *testing.T) {
	svc := &fakeService{statusErr: services.ErrJobNotFound}
	rec := serve(NewJobHandler(svc, nil), http.MethodGet, "/api/jobs/nope", "", "owner-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchScopesToOwner(t *testing.T) {
	svc := &fakeService{}
	rec := serve(NewJobHandler(svc, nil), http.MethodPost, "/api/search",
		`{"ownerId":"intruder","scopeId":"s1","query":"revenue","limit":3}`, "owner-1")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "owner-1", svc.search.OwnerID)
	assert.Equal(t, "s1", svc.search.ScopeID)
	assert.Equal(t, 3, svc.search.Limit)
	assert.JSONEq(t, `{"hits":[]}`, rec.Body.String())
}
