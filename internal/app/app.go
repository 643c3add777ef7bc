package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/docstream/internal/config"
	"github.com/markdave123-py/docstream/internal/core"
	db "github.com/markdave123-py/docstream/internal/core/database"
	"github.com/markdave123-py/docstream/internal/core/downloader"
	"github.com/markdave123-py/docstream/internal/core/extraction"
	"github.com/markdave123-py/docstream/internal/core/ingestion_engine"
	"github.com/markdave123-py/docstream/internal/core/jobstate"
	"github.com/markdave123-py/docstream/internal/core/llm"
	"github.com/markdave123-py/docstream/internal/core/notify"
	objectclient "github.com/markdave123-py/docstream/internal/core/object-client"
	"github.com/markdave123-py/docstream/internal/core/queue"
	"github.com/markdave123-py/docstream/internal/core/resilience"
	"github.com/markdave123-py/docstream/internal/core/scratch"
	"github.com/markdave123-py/docstream/internal/services"
)

const shutdownTimeout = 30 * time.Second

// App holds every long-lived component of the service.
type App struct {
	Config   *config.Config
	Vectors  core.VectorStore
	States   *jobstate.Store
	Scratch  *scratch.Store
	Queue    *queue.Queue
	Router   *extraction.Router
	Pipeline *ingestion_engine.Pipeline
	Ingestor *ingestion_engine.DocumentIngestor
	Service  *services.IngestService
	Server   *Server

	log     *zap.Logger
	closers []func() error
}

func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	vectors, err := db.NewDatabaseClient(appCtx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Vectors = vectors
	a.closers = append(a.closers, vectors.Close)
	log.Info("Vector store initialized and ready.")

	var objects core.ObjectClient
	if cfg.AwsAccessKey != "" {
		if objects, err = objectclient.NewS3Client(appCtx, cfg, log); err != nil {
			return nil, err
		}
	} else {
		log.Info("No AWS credentials; s3:// sources are disabled.")
	}

	embedder, err := newEmbedder(appCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder, %w", err)
	}
	if c, isCloser := embedder.(interface{ Close() error }); isCloser {
		a.closers = append(a.closers, c.Close)
	}

	gate := resilience.NewGate(cfg.ExternalConcurrency, cfg.ExternalQueueSize, cfg.ExternalQueueTimeout)

	routerOpts := extraction.RouterOptions{
		OCRGate:        gate,
		MediaGate:      gate,
		UseReadability: cfg.UseReadability,
		Log:            log,
	}
	if cfg.AIAPIKey != "" {
		media, err := llm.NewGeminiMedia(appCtx, cfg.AIAPIKey, cfg.OCRModel, cfg.TranscribeModel, log)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize OCR and transcription, %w", err)
		}
		a.closers = append(a.closers, media.Close)
		routerOpts.OCR = media
		routerOpts.Transcriber = media
	} else {
		log.Info("No Gemini key; PDFs use the text layer and media files are rejected.")
	}
	a.Router = extraction.NewRouter(routerOpts)

	if a.States, err = jobstate.Open(cfg.StateDir, false, jobstate.Options{
		TTL:       cfg.StateTTL,
		MaxErrors: cfg.MaxJobErrors,
		Logger:    log,
	}); err != nil {
		return nil, fmt.Errorf("open job state: %w", err)
	}
	a.closers = append(a.closers, a.States.Close)

	if a.Scratch, err = scratch.NewStore(cfg.ScratchDir); err != nil {
		return nil, fmt.Errorf("open scratch: %w", err)
	}

	if a.Queue, err = queue.Open(appCtx, cfg.QueuePath, queue.Options{
		Lease:       cfg.LeaseDuration,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      log,
	}); err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	a.closers = append(a.closers, a.Queue.Close)

	eu := ingestion_engine.NewEmbedUpserter(embedder, vectors, gate, log)
	eu.BatchSize = cfg.EmbedBatchSize
	eu.UpsertBatchSize = cfg.UpsertBatchSize

	a.Pipeline = ingestion_engine.NewPipeline(
		a.States,
		a.Scratch,
		downloader.New(objects, cfg.MaxFileBytes, log),
		a.Router,
		eu,
		notify.NewWebhook(log),
		ingestion_engine.IngestConfig{
			MaxTokens:    cfg.ChunkMaxTokens,
			OverlapRatio: cfg.ChunkOverlapRatio,
			PageWindow:   cfg.PageWindow,
			MaxFileBytes: cfg.MaxFileBytes,
		},
		log,
	)

	if a.Ingestor, err = ingestion_engine.NewDocumentIngestor(a.Queue, a.Pipeline, cfg.WorkerConcurrency, log); err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	a.Ingestor.RetryDelay = cfg.RetryDelay

	if a.Service, err = services.NewIngestService(a.Ingestor, a.Queue, a.States, a.Router, embedder, vectors, log); err != nil {
		return nil, err
	}
	a.Server = NewServer(cfg, a.Service, log)

	ok = true
	return a, nil
}

func newEmbedder(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, error) {
	switch cfg.EmbedProvider {
	case "openai":
		return llm.NewOpenAIEmbedder(cfg.EmbedBaseURL, cfg.EmbedAPIKey, cfg.EmbedModel, cfg.EmbedDim, cfg.EmbedRPS)
	default:
		return llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim, cfg.EmbedRPS)
	}
}

// Run serves the API and works the queue until ctx is cancelled or either
// side fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Ingestor.Start(gctx)
		return nil
	})
	g.Go(a.Server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("App: close", zap.Error(err))
		}
	}
	a.closers = nil
}
