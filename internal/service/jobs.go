package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gif-forge/internal/apperr"
	"gif-forge/internal/metrics"
	"gif-forge/internal/model"
	"gif-forge/internal/storage"
)

// Queue is a bounded job queue drained by a fixed set of workers running
// the pipeline. Jobs outlive the HTTP request that submitted them.
type Queue struct {
	pipeline *Pipeline
	store    storage.JobStore
	events   EventSink
	metrics  *metrics.Collector
	workers  int

	jobs chan *model.Job

	mu      sync.Mutex
	waiters map[string]chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewQueue(p *Pipeline, workers, size int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	return &Queue{
		pipeline: p,
		store:    p.Store,
		events:   p.Events,
		metrics:  p.Metrics,
		workers:  workers,
		jobs:     make(chan *model.Job, size),
		waiters:  map[string]chan struct{}{},
	}
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	log.Info().Int("workers", q.workers).Int("queue_size", cap(q.jobs)).Msg("Job queue started")
}

// Stop cancels running jobs, waits for the workers and fails whatever is
// still queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	q.wg.Wait()

	for {
		select {
		case job := <-q.jobs:
			q.abandon(job)
		default:
			q.metrics.SetQueueDepth(0)
			return
		}
	}
}

func (q *Queue) running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ctx != nil && q.ctx.Err() == nil
}

// Submit validates req, records a queued job and enqueues it. A full queue
// rejects the job with a Busy error.
func (q *Queue) Submit(ctx context.Context, req model.GenerateRequest) (*model.Job, error) {
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	if !q.running() {
		return nil, apperr.New(apperr.KindBusy, "queue.submit", "queue is not accepting jobs")
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:        uuid.NewString(),
		Status:    model.JobQueued,
		Stage:     model.StageQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	out := job.Summary()
	if err := q.store.Put(ctx, out); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "queue.submit", "persist job", err)
	}

	done := make(chan struct{})
	q.mu.Lock()
	q.waiters[job.ID] = done
	q.mu.Unlock()

	select {
	case q.jobs <- job:
	default:
		err := apperr.New(apperr.KindBusy, "queue.submit", "job queue is full")
		q.pipeline.fail(ctx, job, err)
		q.finish(job.ID)
		return nil, err
	}

	q.metrics.SetQueueDepth(len(q.jobs))
	if q.events != nil {
		q.events.PublishJob(out.ID, model.Event{
			Type:      model.EventJobQueued,
			Payload:   map[string]interface{}{"job_id": out.ID, "queue_depth": len(q.jobs)},
			CreatedAt: time.Now().UnixMilli(),
		})
	}
	log.Info().Str("job", out.ID).Str("style", req.StyleString).Bool("has_image", req.Image != nil).Msg("Job queued")
	return &out, nil
}

// Wait blocks until the job has finished or ctx is done.
func (q *Queue) Wait(ctx context.Context, id string) (*model.Job, error) {
	q.mu.Lock()
	done, pending := q.waiters[id]
	q.mu.Unlock()

	if pending {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindTimeout, "queue.wait", "job still running", ctx.Err())
		}
	}
	return q.Get(ctx, id)
}

func (q *Queue) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "queue.get", "load job", err)
	}
	if job == nil {
		return nil, apperr.New(apperr.KindNotFound, "queue.get", "job not found")
	}
	return job, nil
}

func (q *Queue) List(ctx context.Context, limit int) ([]model.Job, error) {
	jobs, err := q.store.List(ctx, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "queue.list", "list jobs", err)
	}
	for i := range jobs {
		jobs[i] = jobs[i].Summary()
	}
	return jobs, nil
}

// GIF returns the GIF bytes of a succeeded job. Failed jobs return their
// classified error; unfinished jobs return NotFound.
func (q *Queue) GIF(ctx context.Context, id string) ([]byte, *model.Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	switch job.Status {
	case model.JobFailed:
		return nil, job, jobError(job)
	case model.JobSucceeded:
	default:
		return nil, job, apperr.New(apperr.KindNotFound, "queue.gif", "job has not finished")
	}
	if job.Artifact == nil {
		return nil, job, apperr.New(apperr.KindIO, "queue.gif", "job record has no artifact")
	}
	gif, err := q.pipeline.Artifacts.ReadGIF(job.Artifact.ID)
	if err != nil {
		return nil, job, apperr.Wrap(apperr.KindNotFound, "queue.gif", "gif is no longer available", err)
	}
	return gif, job, nil
}

// Result rebuilds the response payload of a succeeded job from its GIF on
// disk. Unfinished jobs return (nil, job, nil).
func (q *Queue) Result(ctx context.Context, id string) (*model.GenerateResponse, *model.Job, error) {
	gif, job, err := q.GIF(ctx, id)
	if err != nil {
		if job != nil && !job.Status.Finished() {
			return nil, job, nil
		}
		return nil, job, err
	}
	if job.Refined == nil {
		return nil, job, apperr.New(apperr.KindIO, "queue.result", "job record has no refined prompt")
	}
	resp, err := EncodeResponse(gif, *job.Refined, job.ID)
	if err != nil {
		return nil, job, err
	}
	return &resp, job, nil
}

// jobError turns a failed job record back into a classified error.
func jobError(job *model.Job) error {
	return apperr.New(apperr.KindFromCode(job.ErrorCode), "job."+string(job.Stage), job.Error)
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.metrics.SetQueueDepth(len(q.jobs))
			if q.ctx.Err() != nil {
				q.abandon(job)
				continue
			}
			log.Debug().Int("worker", n).Str("job", job.ID).Msg("Job picked up")
			_, _ = q.pipeline.Run(q.ctx, job)
			q.finish(job.ID)
		}
	}
}

func (q *Queue) abandon(job *model.Job) {
	q.pipeline.fail(context.Background(), job, apperr.New(apperr.KindBusy, "queue.stop", "server shutting down"))
	q.finish(job.ID)
}

func (q *Queue) finish(id string) {
	q.mu.Lock()
	done, ok := q.waiters[id]
	delete(q.waiters, id)
	q.mu.Unlock()
	if ok {
		close(done)
	}
}
