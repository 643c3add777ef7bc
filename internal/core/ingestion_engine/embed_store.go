package ingestion_engine

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/resilience"
	"github.com/markdave123-py/docstream/internal/models"
)

const (
	DefaultEmbedBatchSize  = 64
	DefaultUpsertBatchSize = 100
)

// ChunkLedger is the durable record of a job's chunks and embeddings.
type ChunkLedger interface {
	EachChunk(ctx context.Context, from int, fn func(models.Chunk) error) error
	AppendEmbeddings(items []models.EmbeddedChunk) error
	LoadEmbeddings(from, to int) (map[int]models.EmbeddedChunk, error)
}

// ProgressTracker exposes the job state the embedder resumes from and
// persists its watermarks.
type ProgressTracker interface {
	State() *models.JobState
	UpdateProgress(ctx context.Context, fn func(p *models.Progress)) error
}

// DocumentRef identifies the document the vectors belong to.
type DocumentRef struct {
	OwnerID    string
	ScopeID    string
	DocumentID string
	FileName   string
	Method     string
}

// EmbedResult counts the work done by one EmbedAndUpsert call.
type EmbedResult struct {
	TotalEmbedded int
	TotalUpserted int
	// Skipped is the number of chunks embedded by an earlier attempt.
	Skipped int
}

// EmbedUpserter embeds ledger chunks in batches and upserts them into the
// vector store, persisting watermarks after every batch so that a retry
// never embeds or upserts the same chunk twice.
type EmbedUpserter struct {
	Embedder        core.EmbeddingProvider
	Store           core.VectorStore
	Gate            *resilience.Gate
	EmbedPolicy     resilience.Policy
	UpsertPolicy    resilience.Policy
	BatchSize       int
	UpsertBatchSize int
	Log             *zap.Logger
}

func NewEmbedUpserter(emb core.EmbeddingProvider, store core.VectorStore, gate *resilience.Gate, log *zap.Logger) *EmbedUpserter {
	if log == nil {
		log = zap.NewNop()
	}
	return &EmbedUpserter{
		Embedder:        emb,
		Store:           store,
		Gate:            gate,
		EmbedPolicy:     resilience.Embedding,
		UpsertPolicy:    resilience.Upsert,
		BatchSize:       DefaultEmbedBatchSize,
		UpsertBatchSize: DefaultUpsertBatchSize,
		Log:             log,
	}
}

// embedRun is the state of one EmbedAndUpsert call.
type embedRun struct {
	*EmbedUpserter
	ledger     ChunkLedger
	tr         ProgressTracker
	doc        DocumentRef
	log        *zap.Logger
	batchSize  int
	upsertSize int
	pending    []models.Chunk
	buffer     []models.EmbeddedChunk
	res        EmbedResult
}

// EmbedAndUpsert processes every chunk of the ledger that has not been
// embedded yet, and upserts everything embedded but not yet upserted.
func (e *EmbedUpserter) EmbedAndUpsert(ctx context.Context, ledger ChunkLedger, doc DocumentRef, tr ProgressTracker) (*EmbedResult, error) {
	p := tr.State().Progress
	r := &embedRun{
		EmbedUpserter: e,
		ledger:        ledger,
		tr:            tr,
		doc:           doc,
		log:           e.Log.With(zap.String("job_id", tr.State().JobID)),
		batchSize:     max(e.BatchSize, 1),
		upsertSize:    max(e.UpsertBatchSize, 1),
	}
	if e.BatchSize <= 0 {
		r.batchSize = DefaultEmbedBatchSize
	}
	if e.UpsertBatchSize <= 0 {
		r.upsertSize = DefaultUpsertBatchSize
	}
	r.res.Skipped = p.LastEmbeddedIndex

	// Vectors embedded by an earlier attempt but never upserted come back
	// from the embeddings ledger.
	if p.LastUpsertedIndex < p.LastEmbeddedIndex {
		loaded, err := ledger.LoadEmbeddings(p.LastUpsertedIndex, p.LastEmbeddedIndex)
		if err != nil {
			return nil, fmt.Errorf("reload embeddings: %w", err)
		}
		for i := p.LastUpsertedIndex; i < p.LastEmbeddedIndex; i++ {
			ec, ok := loaded[i]
			if !ok {
				return nil, errs.New(errs.CodeStateInvariant, "embedding %d missing from ledger", i)
			}
			r.buffer = append(r.buffer, ec)
		}
		r.log.Info("EmbedUpserter: reloaded embedded chunks",
			zap.Int("from", p.LastUpsertedIndex),
			zap.Int("count", len(r.buffer)))
	}

	err := ledger.EachChunk(ctx, p.LastEmbeddedIndex, func(c models.Chunk) error {
		r.pending = append(r.pending, c)
		if len(r.pending) < r.batchSize {
			return nil
		}
		return r.embedPending(ctx)
	})
	if err != nil {
		return &r.res, err
	}
	if err := r.embedPending(ctx); err != nil {
		return &r.res, err
	}
	if err := r.flush(ctx, true); err != nil {
		return &r.res, err
	}

	r.log.Info("EmbedUpserter: done",
		zap.Int("embedded", r.res.TotalEmbedded),
		zap.Int("upserted", r.res.TotalUpserted),
		zap.Int("skipped", r.res.Skipped))
	return &r.res, nil
}

// embedPending embeds the pending window in batches. A batch the provider
// rejects as too large is halved and retried until it fits; at size 1 the
// error surfaces.
func (r *embedRun) embedPending(ctx context.Context) error {
	for len(r.pending) > 0 {
		n := min(r.batchSize, len(r.pending))
		batch := r.pending[:n]

		texts := make([]string, n)
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := r.embed(ctx, texts)
		if errs.Is(err, errs.CodeBatchTooLarge) && n > 1 {
			r.batchSize = max(n/2, 1)
			r.log.Warn("EmbedUpserter: embedding batch too large, shrinking",
				zap.Int("from", n), zap.Int("to", r.batchSize))
			continue
		}
		if err != nil {
			return err
		}

		items := make([]models.EmbeddedChunk, n)
		for i, c := range batch {
			items[i] = models.EmbeddedChunk{
				ID:       strconv.Itoa(c.Index),
				Index:    c.Index,
				Vector:   vecs[i],
				Text:     c.Text,
				Metadata: r.metadata(c.Index),
			}
		}
		if err := r.ledger.AppendEmbeddings(items); err != nil {
			return fmt.Errorf("append embeddings: %w", err)
		}
		next := batch[n-1].Index + 1
		if err := r.tr.UpdateProgress(ctx, func(p *models.Progress) {
			p.ChunksEmbedded = max(p.ChunksEmbedded, next)
			p.LastEmbeddedIndex = max(p.LastEmbeddedIndex, next)
		}); err != nil {
			return err
		}
		r.res.TotalEmbedded += n
		r.pending = r.pending[n:]
		r.buffer = append(r.buffer, items...)

		if err := r.flush(ctx, false); err != nil {
			return err
		}
	}
	r.pending = r.pending[:0]
	return nil
}

func (r *embedRun) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := resilience.Call(ctx, r.EmbedPolicy, r.Gate, func(ctx context.Context) error {
		v, err := r.Embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return errs.Classify(err, errs.CodeEmbeddingFailed)
		}
		vecs = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, errs.New(errs.CodeEmbeddingFailed, "embed size mismatch: got %d want %d", len(vecs), len(texts))
	}
	return vecs, nil
}

// flush upserts the buffer once it holds a full upsert batch, or whatever
// is left when final is set.
func (r *embedRun) flush(ctx context.Context, final bool) error {
	for len(r.buffer) >= r.upsertSize || (final && len(r.buffer) > 0) {
		n := min(r.upsertSize, len(r.buffer))
		batch := r.buffer[:n]

		points := make([]models.VectorPoint, n)
		for i, ec := range batch {
			points[i] = models.VectorPoint{
				ID:         models.PointID(r.doc.OwnerID, r.doc.ScopeID, r.doc.DocumentID, ec.Index),
				OwnerID:    r.doc.OwnerID,
				ScopeID:    r.doc.ScopeID,
				DocumentID: r.doc.DocumentID,
				ChunkIndex: ec.Index,
				Text:       ec.Text,
				Metadata:   ec.Metadata,
				Vector:     ec.Vector,
			}
		}

		err := resilience.Do(ctx, r.UpsertPolicy, func(ctx context.Context) error {
			return r.Store.UpsertPoints(ctx, points)
		})
		if errs.Is(err, errs.CodeBatchTooLarge) && n > 1 {
			r.upsertSize = max(n/2, 1)
			r.log.Warn("EmbedUpserter: upsert batch too large, shrinking",
				zap.Int("from", n), zap.Int("to", r.upsertSize))
			continue
		}
		if err != nil {
			return errs.Classify(err, errs.CodeUpsertFailed)
		}

		next := batch[n-1].Index + 1
		if err := r.tr.UpdateProgress(ctx, func(p *models.Progress) {
			p.ChunksUpserted = max(p.ChunksUpserted, next)
			p.LastUpsertedIndex = max(p.LastUpsertedIndex, next)
		}); err != nil {
			return err
		}
		r.res.TotalUpserted += n
		r.buffer = r.buffer[n:]
	}
	return nil
}

func (r *embedRun) metadata(index int) map[string]string {
	md := map[string]string{
		"owner_id":    r.doc.OwnerID,
		"scope_id":    r.doc.ScopeID,
		"document_id": r.doc.DocumentID,
		"chunk_index": strconv.Itoa(index),
	}
	if r.doc.FileName != "" {
		md["file_name"] = r.doc.FileName
	}
	if r.doc.Method != "" {
		md["extraction_method"] = r.doc.Method
	}
	return md
}
