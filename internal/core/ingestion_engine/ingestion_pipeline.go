package ingestion_engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/downloader"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/extraction"
	"github.com/markdave123-py/docstream/internal/core/jobstate"
	"github.com/markdave123-py/docstream/internal/core/scratch"
	"github.com/markdave123-py/docstream/internal/models"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	// StatusRetry means the job stopped with resumable state kept for the
	// next attempt.
	StatusRetry = "retry"

	metaTranscriptSent = "transcript_sent"
	metaAnnounced      = "announced_"
)

// Extractor routes a source file to the strategy that can read it.
type Extractor interface {
	core.DocumentExtractor
	// Precheck rejects types that can never be extracted, before download.
	Precheck(declared, fileName string) error
}

// Fetcher downloads a source into scratch, resuming partial files.
type Fetcher interface {
	DownloadToScratch(ctx context.Context, sourceURL, dest string, onProgress func(downloader.Progress) error) (*downloader.Result, error)
}

// Outcome is how a Run ended.
type Outcome struct {
	JobID       string
	DocumentID  string
	Status      string
	Method      string
	TotalChunks int
	Skipped     int // chunks already embedded by an earlier attempt
	Resumed     bool
	Duration    time.Duration
}

// Terminal reports whether the job needs no further attempt.
func (o *Outcome) Terminal() bool { return o.Status != StatusRetry }

// Pipeline drives one job through download, extraction and embedding. Each
// phase is skipped when its checkpoint exists, and inside a phase the job
// state watermarks let an attempt continue where the previous one stopped.
type Pipeline struct {
	States     *jobstate.Store
	Scratch    *scratch.Store
	Downloader Fetcher
	Router     Extractor
	Embedder   *EmbedUpserter
	Notifier   core.Notifier
	Config     IngestConfig
	Log        *zap.Logger
	now        func() time.Time
}

func NewPipeline(states *jobstate.Store, sc *scratch.Store, dl Fetcher, router Extractor, emb *EmbedUpserter, notifier core.Notifier, cfg IngestConfig, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		States:     states,
		Scratch:    sc,
		Downloader: dl,
		Router:     router,
		Embedder:   emb,
		Notifier:   notifier,
		Config:     cfg.withDefaults(),
		Log:        log,
		now:        time.Now,
	}
}

// Run processes payload. final marks the last attempt the queue will make:
// a failure then is reported and the job's state discarded. The returned
// error is the cause of a failed or retryable outcome.
func (p *Pipeline) Run(ctx context.Context, payload models.JobPayload, attempt int, final bool) (*Outcome, error) {
	out := &Outcome{JobID: payload.JobID, DocumentID: payload.DocumentID}
	log := p.Log.With(zap.String("job_id", payload.JobID), zap.String("document_id", payload.DocumentID))

	if err := CheckPayload(payload); err != nil {
		out.Status = StatusFailed
		p.notifyFailed(ctx, payload, err, 0)
		return out, err
	}

	st, err := p.States.Initialize(ctx, payload.JobID, payload.DocumentID, attempt)
	if err != nil {
		out.Status = StatusRetry
		return out, err
	}
	area, err := p.Scratch.Area(payload.JobID)
	if err != nil {
		out.Status = StatusRetry
		return out, err
	}

	cfg := p.Config.forJob(payload.Chunking)
	j := &job{
		p:       p,
		payload: payload,
		st:      st,
		area:    area,
		cfg:     cfg,
		chunker: NewChunker(cfg.MaxTokens, cfg.OverlapRatio),
		log:     log,
	}
	out.Resumed = st.ResumedFrom != nil
	if out.Resumed {
		log.Info("Pipeline: resuming job",
			zap.String("from", string(*st.ResumedFrom)),
			zap.Int("attempt", st.AttemptNumber))
	}

	phase, err := j.run(ctx)
	out.Method = j.method
	out.TotalChunks = st.Progress.ChunksGenerated
	out.Skipped = j.skipped
	out.Duration = p.now().Sub(st.StartedAt)
	if err != nil {
		return j.fail(ctx, out, phase, err, final)
	}
	return j.complete(ctx, out)
}

// Abandon reports a job that can no longer be attempted and discards its
// state, without running it.
func (p *Pipeline) Abandon(ctx context.Context, payload models.JobPayload, cause error) {
	var durationMs int64
	if st, err := p.States.Get(ctx, payload.JobID); err == nil {
		durationMs = p.now().Sub(st.StartedAt).Milliseconds()
	}
	p.Log.Warn("Pipeline: abandoning job",
		zap.String("job_id", payload.JobID),
		zap.Error(cause))
	p.notifyFailed(ctx, payload, cause, durationMs)
	p.cleanup(ctx, payload.JobID)
}

// CheckPayload validates the fields every job needs.
func CheckPayload(payload models.JobPayload) error {
	switch {
	case payload.JobID == "":
		return errs.New(errs.CodeInvalidPayload, "job id is required")
	case payload.OwnerID == "" || payload.ScopeID == "":
		return errs.New(errs.CodeInvalidPayload, "ownerId and scopeId are required")
	case payload.DocumentID == "":
		return errs.New(errs.CodeInvalidPayload, "documentIdentifier is required")
	case payload.SourceURL == "" && len(payload.Content) == 0:
		return errs.New(errs.CodeInvalidPayload, "sourceUrl or content is required")
	}
	return nil
}

func (p *Pipeline) notifyFailed(ctx context.Context, payload models.JobPayload, cause error, durationMs int64) {
	if p.Notifier == nil {
		return
	}
	_ = p.Notifier.Failed(context.WithoutCancel(ctx), payload.Callback(), models.FailedEvent{
		DocumentIdentifier: payload.DocumentID,
		Error:              errs.UserMessage(cause),
		Code:               string(errs.CodeOf(cause)),
		DurationMs:         durationMs,
	})
}

func (p *Pipeline) cleanup(ctx context.Context, jobID string) {
	ctx = context.WithoutCancel(ctx)
	if err := p.States.Delete(ctx, jobID); err != nil {
		p.Log.Warn("Pipeline: delete job state", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := p.Scratch.Destroy(jobID); err != nil {
		p.Log.Warn("Pipeline: delete scratch", zap.String("job_id", jobID), zap.Error(err))
	}
}

// job is one Run of one payload. It is also the extraction sink and the
// embedder's progress tracker, so every watermark goes through the store.
type job struct {
	p       *Pipeline
	payload models.JobPayload
	st      *models.JobState
	area    *scratch.Area
	cfg     IngestConfig
	chunker *Chunker
	log     *zap.Logger

	source      string
	contentType string
	method      string
	skipped     int
}

var _ core.ExtractionSink = (*job)(nil)
var _ ProgressTracker = (*job)(nil)

func (j *job) run(ctx context.Context) (models.Phase, error) {
	if !jobstate.HasCompletedPhase(j.st, models.PhaseDownloadComplete) {
		if err := j.p.Router.Precheck(j.payload.DeclaredContentType, j.payload.OriginalFileName); err != nil {
			return models.PhaseInitialized, err
		}
	}
	if err := j.download(ctx); err != nil {
		return models.PhaseDownloading, err
	}
	if err := j.extract(ctx); err != nil {
		return models.PhaseExtracting, err
	}
	if err := j.embed(ctx); err != nil {
		return models.PhaseEmbedding, err
	}
	return models.PhaseCompleted, nil
}

func (j *job) download(ctx context.Context) error {
	if cp, ok := j.st.Checkpoint(models.PhaseDownloadComplete); ok {
		j.source = cp.Data["path"]
		j.contentType = cp.Data["content_type"]
		if _, ok := j.area.Exists(j.source); !ok {
			return errs.New(errs.CodeStateInvariant, "downloaded source %s is missing", j.source)
		}
		return nil
	}
	if err := j.enter(ctx, models.PhaseDownloading); err != nil {
		return err
	}

	declared := extraction.DeclaredMime(j.payload.DeclaredContentType, j.payload.OriginalFileName)
	ext := extraction.ExtFor(declared, j.payload.OriginalFileName)
	var size int64

	if len(j.payload.Content) > 0 {
		size = int64(len(j.payload.Content))
		if j.cfg.MaxFileBytes > 0 && size > j.cfg.MaxFileBytes {
			return errs.New(errs.CodeFileTooLarge, "payload of %d bytes exceeds limit of %d", size, j.cfg.MaxFileBytes)
		}
		path, err := j.area.WriteSource(ext, j.payload.Content)
		if err != nil {
			return err
		}
		j.source = path
		if err := j.UpdateProgress(ctx, func(p *models.Progress) {
			p.BytesDownloaded = max(p.BytesDownloaded, size)
			p.BytesTotal = max(p.BytesTotal, size)
		}); err != nil {
			return err
		}
	} else {
		res, err := j.p.Downloader.DownloadToScratch(ctx, j.payload.SourceURL, j.area.SourcePath(ext), func(pr downloader.Progress) error {
			// A restarted download reports from zero again; the stored
			// counter only ever rises.
			return j.UpdateProgress(ctx, func(p *models.Progress) {
				p.BytesDownloaded = max(p.BytesDownloaded, pr.BytesDownloaded)
				p.BytesTotal = max(p.BytesTotal, pr.BytesTotal)
			})
		})
		if err != nil {
			return err
		}
		j.source = res.Path
		j.contentType = res.ContentType
		size = res.Bytes
		if err := j.UpdateProgress(ctx, func(p *models.Progress) {
			p.BytesDownloaded = max(p.BytesDownloaded, size)
			p.BytesTotal = max(p.BytesTotal, size)
		}); err != nil {
			return err
		}
	}

	return j.finish(ctx, models.PhaseDownloadComplete, map[string]string{
		"path":         j.source,
		"content_type": j.contentType,
		"bytes":        strconv.FormatInt(size, 10),
	})
}

func (j *job) extract(ctx context.Context) error {
	if cp, ok := j.st.Checkpoint(models.PhaseExtractionComplete); ok {
		j.method = cp.Data["method"]
		return nil
	}
	if err := j.enter(ctx, models.PhaseExtracting); err != nil {
		return err
	}
	// Chunks past the watermark were written by an attempt that died before
	// recording them; their segment is extracted again.
	if err := j.area.TruncateChunks(j.st.Progress.LastChunkIndex); err != nil {
		return err
	}

	declared := j.payload.DeclaredContentType
	if extraction.NormalizeMime(declared) == "" || extraction.NormalizeMime(declared) == "application/octet-stream" {
		declared = j.contentType
	}
	mimeType := extraction.ResolveMime(declared, j.payload.OriginalFileName, j.source)

	res, err := j.p.Router.Extract(ctx, core.ExtractInput{
		Path:       j.source,
		MimeType:   mimeType,
		FileName:   j.payload.OriginalFileName,
		WorkDir:    j.area.WorkDir(),
		PageWindow: j.cfg.PageWindow,
	}, j)
	if err != nil {
		return err
	}
	if j.st.Progress.ChunksGenerated == 0 {
		return errs.New(errs.CodeExtractionFailed, "extraction produced no chunks")
	}
	j.method = res.Method
	if j.st.Metadata[extraction.MetaExtractionMethod] != res.Method {
		if err := j.SetMetadata(ctx, extraction.MetaExtractionMethod, res.Method); err != nil {
			return err
		}
	}

	j.log.Info("Pipeline: extraction complete",
		zap.String("method", res.Method),
		zap.String("mime", mimeType),
		zap.Int("chunks", j.st.Progress.ChunksGenerated))
	return j.finish(ctx, models.PhaseExtractionComplete, map[string]string{
		"method":       res.Method,
		"mime_type":    mimeType,
		"total_chunks": strconv.Itoa(j.st.Progress.ChunksGenerated),
	})
}

func (j *job) embed(ctx context.Context) error {
	if jobstate.HasCompletedPhase(j.st, models.PhaseEmbeddingComplete) {
		return nil
	}
	if err := j.enter(ctx, models.PhaseEmbedding); err != nil {
		return err
	}
	if err := j.area.TruncateEmbeddings(j.st.Progress.LastEmbeddedIndex); err != nil {
		return err
	}

	res, err := j.p.Embedder.EmbedAndUpsert(ctx, j.area, DocumentRef{
		OwnerID:    j.payload.OwnerID,
		ScopeID:    j.payload.ScopeID,
		DocumentID: j.payload.DocumentID,
		FileName:   j.payload.OriginalFileName,
		Method:     j.method,
	}, j)
	if err != nil {
		return err
	}
	j.skipped = res.Skipped
	pr := j.st.Progress
	if pr.LastUpsertedIndex != pr.ChunksGenerated {
		return errs.New(errs.CodeStateInvariant, "upserted %d of %d chunks", pr.LastUpsertedIndex, pr.ChunksGenerated)
	}
	return j.finish(ctx, models.PhaseEmbeddingComplete, map[string]string{
		"total_chunks": strconv.Itoa(pr.ChunksGenerated),
		"skipped":      strconv.Itoa(res.Skipped),
	})
}

func (j *job) complete(ctx context.Context, out *Outcome) (*Outcome, error) {
	if err := j.p.States.MarkCompleted(ctx, j.st); err != nil {
		out.Status = StatusRetry
		return out, err
	}
	out.Status = StatusCompleted
	j.log.Info("Pipeline: job completed",
		zap.String("method", out.Method),
		zap.Int("chunks", out.TotalChunks),
		zap.Bool("resumed", out.Resumed),
		zap.Duration("took", out.Duration))

	if j.p.Notifier != nil {
		_ = j.p.Notifier.Completed(context.WithoutCancel(ctx), j.payload.Callback(), models.CompletedEvent{
			DocumentIdentifier: j.payload.DocumentID,
			TotalChunks:        out.TotalChunks,
			Method:             out.Method,
			DurationMs:         out.Duration.Milliseconds(),
			Resumed:            out.Resumed,
		})
	}
	j.p.cleanup(ctx, j.payload.JobID)
	return out, nil
}

func (j *job) fail(ctx context.Context, out *Outcome, phase models.Phase, err error, final bool) (*Outcome, error) {
	// Shutdown is not a failure of the job; the lease expires and another
	// worker resumes it.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		j.log.Info("Pipeline: job interrupted", zap.String("phase", string(phase)))
		out.Status = StatusRetry
		return out, err
	}

	if rerr := j.p.States.RecordError(ctx, j.st, err, phase); rerr != nil {
		j.log.Error("Pipeline: record error", zap.Error(rerr))
	}
	terminal := final || !j.st.CanResume || !errs.IsRetryable(err)
	if !terminal {
		j.log.Warn("Pipeline: job failed, will resume",
			zap.String("phase", string(phase)),
			zap.Int("error_count", j.st.ErrorCount),
			zap.Error(err))
		out.Status = StatusRetry
		return out, err
	}

	j.log.Error("Pipeline: job failed",
		zap.String("phase", string(phase)),
		zap.String("code", string(errs.CodeOf(err))),
		zap.Bool("final_attempt", final),
		zap.Error(err))
	if merr := j.p.States.MarkFailed(ctx, j.st); merr != nil {
		j.log.Warn("Pipeline: mark failed", zap.Error(merr))
	}
	j.p.notifyFailed(ctx, j.payload, err, out.Duration.Milliseconds())
	j.p.cleanup(ctx, j.payload.JobID)
	out.Status = StatusFailed
	return out, err
}

// enter moves the job into a working phase and announces it once.
func (j *job) enter(ctx context.Context, phase models.Phase) error {
	if err := j.p.States.BeginPhase(ctx, j.st, phase); err != nil {
		return err
	}
	return j.announce(ctx, phase)
}

// finish checkpoints a phase and announces it once.
func (j *job) finish(ctx context.Context, phase models.Phase, data map[string]string) error {
	if err := j.p.States.CompletePhase(ctx, j.st, phase, data); err != nil {
		return err
	}
	return j.announce(ctx, phase)
}

// announce sends the progress callback of phase at most once per job. The
// marker is stored before sending, so a crash loses the callback rather
// than repeating it.
func (j *job) announce(ctx context.Context, phase models.Phase) error {
	key := metaAnnounced + string(phase)
	if j.st.Metadata[key] != "" || j.p.Notifier == nil || j.payload.CallbackURL == "" {
		return nil
	}
	if err := j.SetMetadata(ctx, key, "1"); err != nil {
		return err
	}
	_ = j.p.Notifier.Progress(ctx, j.payload.Callback(), models.ProgressEvent{
		DocumentIdentifier: j.payload.DocumentID,
		Phase:              phase,
	})
	return nil
}

// Emit chunks one extracted segment. Segments at or below the extraction
// watermark were chunked by an earlier attempt and are skipped.
func (j *job) Emit(ctx context.Context, seg core.Segment) error {
	if seg.Unit <= j.st.Progress.LastExtractedPage {
		return nil
	}
	chunks := j.chunker.Split(seg.Text, j.st.Progress.LastChunkIndex)
	if err := j.area.AppendChunks(chunks); err != nil {
		return err
	}
	return j.UpdateProgress(ctx, func(p *models.Progress) {
		p.ChunksGenerated += len(chunks)
		p.LastChunkIndex += len(chunks)
		p.LastExtractedPage = seg.Unit
		p.PagesExtracted += seg.Pages
	})
}

func (j *job) State() *models.JobState { return j.st }

func (j *job) SetMetadata(ctx context.Context, key, value string) error {
	return j.p.States.SetMetadata(ctx, j.st, key, value)
}

func (j *job) UpdateProgress(ctx context.Context, fn func(p *models.Progress)) error {
	return j.p.States.UpdateProgress(ctx, j.st, fn)
}

// Transcript delivers the transcript side channel once per job.
func (j *job) Transcript(ctx context.Context, t models.Transcript) error {
	if j.st.Metadata[metaTranscriptSent] != "" || j.p.Notifier == nil || j.payload.CallbackURL == "" {
		return nil
	}
	if err := j.SetMetadata(ctx, metaTranscriptSent, "1"); err != nil {
		return err
	}
	_ = j.p.Notifier.Transcript(ctx, j.payload.Callback(), models.TranscriptEvent{
		DocumentIdentifier: j.payload.DocumentID,
		Transcript:         t,
	})
	return nil
}
