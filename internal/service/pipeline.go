package service

import (
	"context"
	"image"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"gif-forge/internal/apperr"
	"gif-forge/internal/config"
	"gif-forge/internal/metrics"
	"gif-forge/internal/model"
	"gif-forge/internal/storage"
)

// EventSink receives job lifecycle events.
type EventSink interface {
	PublishJob(jobID string, evt model.Event)
}

type PipelineDeps struct {
	Store      storage.JobStore
	Artifacts  *storage.ArtifactStore
	Refiner    Refiner
	Generator  FrameGenerator
	Transcoder Transcoder
	Hints      *HintBook
	Events     EventSink
	Metrics    *metrics.Collector
}

// Pipeline runs one job through normalize, refine, generate, transcode and
// encode. Every stage runs at most once per job.
type Pipeline struct {
	cfg config.Config
	PipelineDeps
}

func NewPipeline(cfg config.Config, deps PipelineDeps) *Pipeline {
	return &Pipeline{cfg: cfg, PipelineDeps: deps}
}

// ValidateRequest trims and checks a generation request in place.
func ValidateRequest(req *model.GenerateRequest) error {
	const op = "request.validate"
	req.TextPrompt = strings.TrimSpace(req.TextPrompt)
	req.StyleString = strings.ToLower(strings.TrimSpace(req.StyleString))
	if req.TextPrompt == "" {
		return apperr.New(apperr.KindInvalidRequest, op, "text_prompt is required")
	}
	if req.StyleString == "" {
		return apperr.New(apperr.KindInvalidRequest, op, "style_string is required")
	}
	if _, ok := model.SupportedStyles[model.Style(req.StyleString)]; !ok {
		return apperr.New(apperr.KindInvalidRequest, op, "style_string must be one of realistic, animated, painting")
	}
	return nil
}

func (p *Pipeline) Run(ctx context.Context, job *model.Job) (model.GenerateResponse, error) {
	logger := log.With().Str("job", job.ID).Logger()
	start := time.Now()

	job.Status = model.JobRunning
	var (
		seed     = job.Request.Image
		artifact = p.Artifacts.NewArtifact("")
		refined  model.RefinedPrompt
		dataURL  string
		params   = model.GenerationParams{
			FrameCount:    p.cfg.FrameCount,
			GuidanceScale: p.cfg.GuidanceScale,
			Steps:         p.cfg.InferenceSteps,
		}
		gif []byte
	)

	err := p.stage(ctx, job, model.StageNormalize, func() error {
		img, fallback, err := ResolveSeed(seed, p.cfg.FallbackImagePath)
		if err != nil {
			return err
		}
		factors, err := p.Generator.ScaleFactors(ctx)
		if err != nil {
			return apperr.Wrap(apperr.KindInference, "pipeline.normalize", "read scale factors", err)
		}
		normalized, dims, err := Normalize(img, p.cfg.MaxPixelArea, factors)
		if err != nil {
			return err
		}
		job.Dimensions = &dims
		params.Image = normalized
		params.Width = dims.Width
		params.Height = dims.Height

		if artifact.SeedPath, err = p.Artifacts.SaveSeed(artifact.ID, normalized); err != nil {
			return apperr.Wrap(apperr.KindIO, "pipeline.normalize", "save seed image", err)
		}
		if dataURL, err = EncodeDataURL(normalized); err != nil {
			return err
		}
		logger.Info().Bool("fallback", fallback).Int("width", dims.Width).Int("height", dims.Height).Int("mod", factors.Mod()).Msg("Seed image normalized")
		return nil
	})

	if err == nil {
		err = p.stage(ctx, job, model.StageRefine, func() error {
			var rerr error
			refined, rerr = p.Refiner.Refine(ctx, RefineInput{
				TextPrompt:   job.Request.TextPrompt,
				StyleString:  job.Request.StyleString,
				ImageDataURL: dataURL,
				Hints:        p.Hints.Match(job.Request.TextPrompt),
			})
			rerr = apperr.Wrap(apperr.KindUpstream, "pipeline.refine", "refine prompt", rerr)
			status := "ok"
			if rerr != nil {
				status = apperr.Code(rerr)
			}
			p.Metrics.RecordRefiner(p.Refiner.Provider(), status)
			if rerr != nil {
				return rerr
			}
			job.Refined = &refined
			artifact.Title = refined.Title
			params.Prompt = refined.Prompt
			params.NegativePrompt = refined.NegativePrompt
			logger.Info().Str("title", refined.Title).Int("prompt_length", len(refined.Prompt)).Msg("Prompt refined")
			return nil
		})
	}

	var frames []image.Image
	if err == nil {
		err = p.stage(ctx, job, model.StageGenerate, func() error {
			var gerr error
			frames, gerr = p.Generator.Generate(ctx, params)
			return apperr.Wrap(apperr.KindInference, "pipeline.generate", "generate frames", gerr)
		})
	}
	if err == nil {
		err = p.stage(ctx, job, model.StageTranscode, func() error {
			if err := p.Transcoder.FramesToVideo(ctx, frames, p.cfg.OutputFPS, artifact.VideoPath); err != nil {
				return apperr.Wrap(apperr.KindIO, "pipeline.transcode", "encode mp4", err)
			}
			err := p.Transcoder.VideoToGIF(ctx, artifact.VideoPath, artifact.GIFPath, p.cfg.OutputFPS)
			return apperr.Wrap(apperr.KindIO, "pipeline.transcode", "encode gif", err)
		})
	}

	var resp model.GenerateResponse
	if err == nil {
		err = p.stage(ctx, job, model.StageEncode, func() error {
			if merr := p.Artifacts.Mirror(ctx, &artifact); merr != nil {
				logger.Warn().Err(merr).Msg("Artifact mirror failed")
			}
			var rerr error
			gif, rerr = p.Artifacts.ReadGIF(artifact.ID)
			if rerr != nil {
				return apperr.Wrap(apperr.KindIO, "pipeline.encode", "read gif", rerr)
			}
			artifact.GIFSize = int64(len(gif))
			resp, rerr = EncodeResponse(gif, refined, job.ID)
			return rerr
		})
	}

	if err != nil {
		p.fail(ctx, job, err)
		logger.Error().Err(err).Str("stage", string(job.Stage)).Str("code", job.ErrorCode).Dur("duration", time.Since(start)).Msg("Job failed")
		return model.GenerateResponse{}, err
	}

	job.Artifact = &artifact
	job.Status = model.JobSucceeded
	job.Stage = model.StageDone
	job.UpdatedAt = time.Now().UTC()
	p.save(ctx, job)
	p.Metrics.RecordJob(string(model.JobSucceeded))
	p.publish(job, model.EventJobSucceeded, map[string]interface{}{
		"job_id":   job.ID,
		"title":    refined.Title,
		"gif_size": artifact.GIFSize,
		"frames":   len(frames),
	})
	logger.Info().Int("frames", len(frames)).Int64("gif_size", artifact.GIFSize).Dur("duration", time.Since(start)).Msg("Job succeeded")
	return resp, nil
}

// stage marks job as being in st, runs fn and records its duration. The job
// keeps st as its stage when fn fails.
func (p *Pipeline) stage(ctx context.Context, job *model.Job, st model.Stage, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindTimeout, "pipeline."+string(st), "job canceled", err)
	}
	job.Stage = st
	job.UpdatedAt = time.Now().UTC()
	p.save(ctx, job)
	p.publish(job, model.EventJobStage, map[string]interface{}{"job_id": job.ID, "stage": st})

	start := time.Now()
	err := fn()
	p.Metrics.ObserveStage(string(st), time.Since(start))
	return err
}

func (p *Pipeline) fail(ctx context.Context, job *model.Job, err error) {
	job.Status = model.JobFailed
	job.Error = err.Error()
	job.ErrorCode = apperr.Code(err)
	job.UpdatedAt = time.Now().UTC()
	p.save(context.WithoutCancel(ctx), job)
	p.Metrics.RecordJob(string(model.JobFailed))
	p.publish(job, model.EventJobFailed, map[string]interface{}{
		"job_id": job.ID,
		"stage":  job.Stage,
		"error":  job.Error,
		"code":   job.ErrorCode,
	})
}

func (p *Pipeline) save(ctx context.Context, job *model.Job) {
	if err := p.Store.Put(ctx, job.Summary()); err != nil {
		log.Warn().Err(err).Str("job", job.ID).Msg("Failed to persist job")
	}
}

func (p *Pipeline) publish(job *model.Job, typ string, payload interface{}) {
	if p.Events == nil {
		return
	}
	p.Events.PublishJob(job.ID, model.Event{Type: typ, Payload: payload, CreatedAt: time.Now().UnixMilli()})
}
