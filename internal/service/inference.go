package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"gif-forge/internal/apperr"
	"gif-forge/internal/config"
	"gif-forge/internal/model"
)

// FrameGenerator is the image-to-video model.
type FrameGenerator interface {
	ScaleFactors(ctx context.Context) (model.ScaleFactors, error)
	Generate(ctx context.Context, params model.GenerationParams) ([]image.Image, error)
}

// HTTPFrameGenerator calls the inference sidecar that hosts the pipeline.
type HTTPFrameGenerator struct {
	baseURL string
	http    *http.Client
}

var _ FrameGenerator = (*HTTPFrameGenerator)(nil)

func NewHTTPFrameGenerator(cfg config.Config) *HTTPFrameGenerator {
	timeoutSec := cfg.InferenceTimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 1800
	}
	return &HTTPFrameGenerator{
		baseURL: strings.TrimRight(cfg.InferenceBaseURL, "/"),
		http:    &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

type pipelineInfo struct {
	VAEScaleFactorSpatial int   `json:"vae_scale_factor_spatial"`
	PatchSize             []int `json:"patch_size"`
}

type imageToVideoRequest struct {
	Image             string  `json:"image"`
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt"`
	Height            int     `json:"height"`
	Width             int     `json:"width"`
	NumFrames         int     `json:"num_frames"`
	GuidanceScale     float64 `json:"guidance_scale"`
	NumInferenceSteps int     `json:"num_inference_steps"`
}

type imageToVideoResponse struct {
	Frames []string `json:"frames"`
}

// ScaleFactors reads the loaded pipeline's spatial VAE scale and the spatial
// (second) element of its patch size.
func (g *HTTPFrameGenerator) ScaleFactors(ctx context.Context) (model.ScaleFactors, error) {
	const op = "inference.pipeline"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/pipeline", nil)
	if err != nil {
		return model.ScaleFactors{}, apperr.Wrap(apperr.KindConfiguration, op, "build request", err)
	}
	var info pipelineInfo
	if err := g.do(req, &info); err != nil {
		return model.ScaleFactors{}, apperr.Wrap(apperr.KindInference, op, "describe pipeline", err)
	}
	if len(info.PatchSize) < 2 {
		return model.ScaleFactors{}, apperr.New(apperr.KindInference, op, fmt.Sprintf("patch_size needs at least 2 elements, got %d", len(info.PatchSize)))
	}
	f := model.ScaleFactors{SpatialScale: info.VAEScaleFactorSpatial, PatchSize: info.PatchSize[1]}
	if f.SpatialScale <= 0 || f.PatchSize <= 0 {
		return model.ScaleFactors{}, apperr.New(apperr.KindInference, op, fmt.Sprintf("non-positive scale factors %+v", f))
	}
	return f, nil
}

func (g *HTTPFrameGenerator) Generate(ctx context.Context, p model.GenerationParams) ([]image.Image, error) {
	const op = "inference.generate"
	seed, err := EncodeDataURL(p.Image)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(imageToVideoRequest{
		Image:             seed,
		Prompt:            p.Prompt,
		NegativePrompt:    p.NegativePrompt,
		Height:            p.Height,
		Width:             p.Width,
		NumFrames:         p.FrameCount,
		GuidanceScale:     p.GuidanceScale,
		NumInferenceSteps: p.Steps,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, op, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/image-to-video", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out imageToVideoResponse
	if err := g.do(req, &out); err != nil {
		return nil, apperr.Wrap(apperr.KindInference, op, "run pipeline", err)
	}
	if len(out.Frames) == 0 {
		return nil, apperr.New(apperr.KindInference, op, "pipeline returned no frames")
	}
	if p.FrameCount > 0 && len(out.Frames) != p.FrameCount {
		return nil, apperr.New(apperr.KindInference, op, fmt.Sprintf("expected %d frames, got %d", p.FrameCount, len(out.Frames)))
	}

	frames := make([]image.Image, 0, len(out.Frames))
	for i, f := range out.Frames {
		img, err := DecodeDataURL(f)
		if err != nil {
			return nil, apperr.New(apperr.KindInference, op, fmt.Sprintf("frame %d: %v", i, err))
		}
		frames = append(frames, img)
	}
	return frames, nil
}

func (g *HTTPFrameGenerator) do(req *http.Request, out interface{}) error {
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(string(b), 300))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ExclusivePipeline owns access to the generator. Scale factors are fetched
// once by Init; Generate admits at most n callers at a time.
type ExclusivePipeline struct {
	gen FrameGenerator
	sem *semaphore.Weighted

	mu      sync.Mutex
	factors *model.ScaleFactors
}

var _ FrameGenerator = (*ExclusivePipeline)(nil)

func NewExclusivePipeline(gen FrameGenerator, n int) *ExclusivePipeline {
	if n <= 0 {
		n = 1
	}
	return &ExclusivePipeline{gen: gen, sem: semaphore.NewWeighted(int64(n))}
}

func (p *ExclusivePipeline) Init(ctx context.Context) error {
	_, err := p.ScaleFactors(ctx)
	return err
}

func (p *ExclusivePipeline) ScaleFactors(ctx context.Context) (model.ScaleFactors, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.factors != nil {
		return *p.factors, nil
	}
	f, err := p.gen.ScaleFactors(ctx)
	if err != nil {
		return model.ScaleFactors{}, err
	}
	p.factors = &f
	log.Info().Int("vae_scale_factor_spatial", f.SpatialScale).Int("patch_size", f.PatchSize).Int("mod", f.Mod()).Msg("Inference pipeline ready")
	return f, nil
}

func (p *ExclusivePipeline) Generate(ctx context.Context, params model.GenerationParams) ([]image.Image, error) {
	waitStart := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(apperr.KindBusy, "inference.acquire", "wait for pipeline", err)
	}
	defer p.sem.Release(1)

	start := time.Now()
	frames, err := p.gen.Generate(ctx, params)
	log.Debug().
		Dur("wait", start.Sub(waitStart)).
		Dur("duration", time.Since(start)).
		Int("width", params.Width).
		Int("height", params.Height).
		Int("frames", len(frames)).
		Err(err).
		Msg("Inference finished")
	return frames, err
}
