package service

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gif-forge/internal/apperr"
	"gif-forge/internal/model"
)

func startQueue(t *testing.T, h *harness, workers, size int) *Queue {
	t.Helper()
	q := NewQueue(h.pipeline, workers, size)
	q.Start(context.Background())
	t.Cleanup(q.Stop)
	return q
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQueueSubmitWaitResult(t *testing.T) {
	h := newHarness(t)
	q := startQueue(t, h, 2, 4)
	ctx := waitCtx(t)

	job, err := q.Submit(ctx, model.GenerateRequest{TextPrompt: "  a cat on a skateboard ", StyleString: "Animated"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobQueued, job.Status)
	assert.Equal(t, "animated", job.Request.StyleString)

	done, err := q.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, done.Status)

	resp, got, err := q.Result(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "Skater Cat", resp.GIFName)
	assert.Equal(t, job.ID, resp.JobID)
	assert.NotEmpty(t, resp.GIFData)

	assert.Contains(t, h.sink.types(), model.EventJobQueued)

	gif, _, err := q.GIF(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, gif)
}

func TestQueueResultPendingJob(t *testing.T) {
	h := newHarness(t)
	h.generator.gate = make(chan struct{})
	q := startQueue(t, h, 1, 1)
	ctx := waitCtx(t)

	job, err := q.Submit(ctx, model.GenerateRequest{TextPrompt: "x", StyleString: "animated"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.generator.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, got, err := q.Result(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, model.JobRunning, got.Status)
	assert.Equal(t, model.StageGenerate, got.Stage)

	_, _, err = q.GIF(ctx, job.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	close(h.generator.gate)
	done, err := q.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, done.Status)
}

func TestQueueFullRejectsWithBusy(t *testing.T) {
	h := newHarness(t)
	h.generator.gate = make(chan struct{})
	q := startQueue(t, h, 1, 1)
	ctx := waitCtx(t)
	req := model.GenerateRequest{TextPrompt: "x", StyleString: "painting"}

	first, err := q.Submit(ctx, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.generator.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	second, err := q.Submit(ctx, req)
	require.NoError(t, err)

	_, err = q.Submit(ctx, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindBusy, apperr.KindOf(err))

	close(h.generator.gate)
	for _, id := range []string{first.ID, second.ID} {
		done, err := q.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobSucceeded, done.Status)
	}
	assert.Equal(t, int32(1), h.generator.maxActive.Load())
}

func TestQueueRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)
	q := startQueue(t, h, 1, 1)

	_, err := q.Submit(context.Background(), model.GenerateRequest{TextPrompt: "x", StyleString: "cubist"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	jobs, err := q.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestQueueNotStarted(t *testing.T) {
	h := newHarness(t)
	q := NewQueue(h.pipeline, 1, 1)
	_, err := q.Submit(context.Background(), model.GenerateRequest{TextPrompt: "x", StyleString: "animated"})
	assert.Equal(t, apperr.KindBusy, apperr.KindOf(err))
}

func TestQueueUnknownJob(t *testing.T) {
	h := newHarness(t)
	q := startQueue(t, h, 1, 1)

	_, err := q.Get(context.Background(), "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, _, err = q.Result(context.Background(), "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = q.Wait(context.Background(), "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestQueueFailedJobResultKeepsKind(t *testing.T) {
	h := newHarness(t)
	_, perr := ParseDelimited("a|b")
	h.refiner.err = perr
	q := startQueue(t, h, 1, 1)
	ctx := waitCtx(t)

	job, err := q.Submit(ctx, model.GenerateRequest{TextPrompt: "x", StyleString: "animated"})
	require.NoError(t, err)
	done, err := q.Wait(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, done.Status)

	resp, _, err := q.Result(ctx, job.ID)
	assert.Nil(t, resp)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamContract, apperr.KindOf(err))
}

func TestQueueListOmitsSeedImage(t *testing.T) {
	h := newHarness(t)
	q := startQueue(t, h, 1, 2)
	ctx := waitCtx(t)

	url, err := EncodeDataURL(image.NewRGBA(image.Rect(0, 0, 64, 64)))
	require.NoError(t, err)

	job, err := q.Submit(ctx, model.GenerateRequest{TextPrompt: "x", StyleString: "animated", Image: &url})
	require.NoError(t, err)
	require.NotNil(t, job.Request.Image)
	assert.Equal(t, "<omitted>", *job.Request.Image)
	_, err = q.Wait(ctx, job.ID)
	require.NoError(t, err)

	jobs, err := q.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].Request.Image)
	assert.Equal(t, "<omitted>", *jobs[0].Request.Image)
}

func TestQueueStopFailsOutstandingJobs(t *testing.T) {
	h := newHarness(t)
	h.generator.gate = make(chan struct{})
	q := NewQueue(h.pipeline, 1, 2)
	q.Start(context.Background())
	ctx := waitCtx(t)
	req := model.GenerateRequest{TextPrompt: "x", StyleString: "animated"}

	running, err := q.Submit(ctx, req)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.generator.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	queued, err := q.Submit(ctx, req)
	require.NoError(t, err)

	q.Stop()

	got, err := q.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, "timeout", got.ErrorCode)

	got, err = q.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Equal(t, "busy", got.ErrorCode)

	_, err = q.Submit(ctx, req)
	assert.Equal(t, apperr.KindBusy, apperr.KindOf(err))
}

func TestQueueSubmitManyWithConcurrentWorkers(t *testing.T) {
	h := newHarness(t)
	q := startQueue(t, h, 4, 32)
	ctx := waitCtx(t)

	ids := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		job, err := q.Submit(ctx, model.GenerateRequest{TextPrompt: "a cat on a skateboard", StyleString: "animated"})
		require.NoError(t, err)
		assert.Equal(t, model.JobQueued, job.Status)
		assert.Equal(t, model.StageQueued, job.Stage)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		done, err := q.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.JobSucceeded, done.Status)
	}
	assert.Equal(t, int32(30), h.generator.calls.Load())
}
