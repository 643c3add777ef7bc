package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
)

// GeminiMaxBatch is the most texts one batchEmbedContents request accepts.
const GeminiMaxBatch = 100

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dim       int
	limiter   *rate.Limiter
}

func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dim int, rps float64) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, errs.New(errs.CodeMissingConfig, "GEMINI_API_KEY not set")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dim: dim, limiter: newLimiter(rps)}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts batches all texts in one request via EmbeddingBatch. Batches
// over the provider limit fail with BATCH_TOO_LARGE so the caller can shrink.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > GeminiMaxBatch {
		return nil, errs.New(errs.CodeBatchTooLarge, "%d texts exceed the batch limit of %d", len(texts), GeminiMaxBatch)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	em := g.client.EmbeddingModel(g.modelName)

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("gemini batch embed: %w", err), errs.CodeEmbeddingFailed)
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	if err := checkVectors(out, len(texts), g.dim); err != nil {
		return nil, err
	}
	return out, nil
}

// newLimiter paces provider requests; rps <= 0 disables pacing.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func checkVectors(vecs [][]float32, want, dim int) error {
	if len(vecs) != want {
		return errs.New(errs.CodeEmbeddingFailed, "provider returned %d vectors for %d texts", len(vecs), want)
	}
	if dim <= 0 {
		return nil
	}
	for i, v := range vecs {
		if len(v) != dim {
			return errs.New(errs.CodeEmbeddingFailed, "vector %d has %d dimensions, want %d", i, len(v), dim)
		}
	}
	return nil
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
