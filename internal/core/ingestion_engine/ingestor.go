package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/markdave123-py/docstream/internal/core/errs"
	"github.com/markdave123-py/docstream/internal/core/queue"
	"github.com/markdave123-py/docstream/internal/models"
)

const (
	defaultPollInterval = time.Second
	defaultRetryDelay   = 30 * time.Second
)

// Ingestor is the worker side of the service: it submits jobs to the lease
// queue and runs claimed jobs through the pipeline.
type Ingestor interface {
	Start(ctx context.Context)
	Enqueue(ctx context.Context, payload models.JobPayload) error
	ProcessOne(ctx context.Context, job *queue.Job) error
}

// DocumentIngestor claims jobs from the queue and runs each one on a bounded
// ants pool. While a job runs its lease is extended so no other worker
// claims it.
type DocumentIngestor struct {
	queue        *queue.Queue
	pipeline     *Pipeline
	pool         *ants.Pool
	PollInterval time.Duration
	RetryDelay   time.Duration
	log          *zap.Logger
	wg           sync.WaitGroup
}

var _ Ingestor = (*DocumentIngestor)(nil)

// NewDocumentIngestor builds an ingestor running up to workers jobs at once.
func NewDocumentIngestor(q *queue.Queue, p *Pipeline, workers int, log *zap.Logger) (*DocumentIngestor, error) {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	return &DocumentIngestor{
		queue:        q,
		pipeline:     p,
		pool:         pool,
		PollInterval: defaultPollInterval,
		RetryDelay:   defaultRetryDelay,
		log:          log,
	}, nil
}

// Enqueue validates payload and publishes it to the queue.
func (i *DocumentIngestor) Enqueue(ctx context.Context, payload models.JobPayload) error {
	if err := CheckPayload(payload); err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := i.queue.Publish(ctx, payload.JobID, body); err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			return errs.New(errs.CodeInvalidPayload, "job %s is already queued", payload.JobID)
		}
		return err
	}
	i.log.Info("DocumentIngestor: job queued",
		zap.String("job_id", payload.JobID),
		zap.String("document_id", payload.DocumentID))
	return nil
}

// Start polls the queue until ctx is cancelled, then waits for running jobs.
func (i *DocumentIngestor) Start(ctx context.Context) {
	i.log.Info("DocumentIngestor: started", zap.Int("workers", i.pool.Cap()))
	ticker := time.NewTicker(i.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			i.log.Info("DocumentIngestor: shutting down, draining running jobs")
			i.wg.Wait()
			i.pool.Release()
			return
		case <-ticker.C:
			i.poll(ctx)
		}
	}
}

// poll claims jobs while the pool has free workers.
func (i *DocumentIngestor) poll(ctx context.Context) {
	for i.pool.Free() > 0 {
		job, err := i.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				i.log.Warn("DocumentIngestor: claim failed", zap.Error(err))
			}
			return
		}
		if job == nil {
			return
		}

		i.wg.Add(1)
		err = i.pool.Submit(func() {
			defer i.wg.Done()
			if err := i.ProcessOne(ctx, job); err != nil {
				i.log.Warn("DocumentIngestor: job did not complete",
					zap.String("job_id", job.ID),
					zap.Int("attempt", job.Attempts),
					zap.Error(err))
			}
		})
		if err != nil {
			i.wg.Done()
			// Pool full: hand the lease back right away.
			_ = i.queue.Retry(ctx, job.ID, 0, "")
			return
		}
	}
}

// ProcessOne runs one claimed job and settles it in the queue: terminal
// outcomes are removed, everything else is released for a later attempt.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, job *queue.Job) error {
	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		i.log.Error("DocumentIngestor: dropping undecodable job", zap.String("job_id", job.ID), zap.Error(err))
		return i.queue.Complete(context.WithoutCancel(ctx), job.ID)
	}
	if payload.JobID == "" {
		payload.JobID = job.ID
	}

	if i.queue.Exhausted(job) {
		cause := errs.New(errs.CodeUnknown, "job stopped responding on its final attempt")
		if job.LastError != "" {
			cause.Message = job.LastError
		}
		i.pipeline.Abandon(ctx, payload, cause)
		return i.queue.Complete(context.WithoutCancel(ctx), job.ID)
	}

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go i.heartbeat(hbCtx, job.ID)

	out, err := i.pipeline.Run(ctx, payload, job.Attempts, i.queue.Final(job))
	stop()

	settle := context.WithoutCancel(ctx)
	if out != nil && out.Terminal() {
		if cerr := i.queue.Complete(settle, job.ID); cerr != nil {
			i.log.Error("DocumentIngestor: complete job", zap.String("job_id", job.ID), zap.Error(cerr))
		}
		return err
	}

	if ctx.Err() != nil {
		// Shutting down: release the lease so the next worker resumes soon.
		_ = i.queue.Retry(settle, job.ID, 0, "")
		return err
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	delay := i.RetryDelay * time.Duration(job.Attempts)
	if rerr := i.queue.Retry(settle, job.ID, delay, reason); rerr != nil {
		i.log.Error("DocumentIngestor: release job", zap.String("job_id", job.ID), zap.Error(rerr))
	}
	return err
}

// heartbeat extends the lease at a third of its duration until ctx ends.
func (i *DocumentIngestor) heartbeat(ctx context.Context, jobID string) {
	every := i.queue.Lease() / 3
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := i.queue.Extend(ctx, jobID); err != nil && ctx.Err() == nil {
				i.log.Warn("DocumentIngestor: lease heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}
