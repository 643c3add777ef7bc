package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/markdave123-py/docstream/internal/core"
	"github.com/markdave123-py/docstream/internal/core/errs"
)

// OpenAIEmbedder talks to any OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	embedder embeddings.Embedder
	dim      int
	limiter  *rate.Limiter
}

func NewOpenAIEmbedder(baseURL, token, model string, dim int, rps float64) (*OpenAIEmbedder, error) {
	if token == "" {
		// Local OpenAI-compatible services accept any token.
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	return &OpenAIEmbedder{embedder: embedder, dim: dim, limiter: newLimiter(rps)}, nil
}

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, errs.Classify(fmt.Errorf("openai embed: %w", err), errs.CodeEmbeddingFailed)
	}
	if err := checkVectors(out, len(texts), e.dim); err != nil {
		return nil, err
	}
	return out, nil
}

var _ core.EmbeddingProvider = (*OpenAIEmbedder)(nil)
