package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"gif-forge/internal/apperr"
	"gif-forge/internal/config"
	"gif-forge/internal/model"
)

var ErrNoGeminiKey = errors.New("gemini api key not configured")

// GeminiRefiner asks Gemini for the refined prompt using a structured JSON
// response schema.
type GeminiRefiner struct {
	client    *genai.Client
	model     string
	maxTokens int32
	timeout   time.Duration
}

var _ Refiner = (*GeminiRefiner)(nil)

var refinedPromptSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"prompt":          {Type: genai.TypeString},
		"negative_prompt": {Type: genai.TypeString},
		"title":           {Type: genai.TypeString},
	},
	Required: []string{"prompt", "negative_prompt", "title"},
}

func NewGeminiRefiner(ctx context.Context, cfg config.Config) (*GeminiRefiner, error) {
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return nil, apperr.Wrap(apperr.KindConfiguration, "refiner.gemini", "missing credentials", ErrNoGeminiKey)
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.GeminiBaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.GeminiBaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "refiner.gemini", "create client", err)
	}
	timeoutSec := cfg.RefinerTimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &GeminiRefiner{
		client:    client,
		model:     cfg.RefinerModel,
		maxTokens: int32(cfg.RefinerMaxTokens),
		timeout:   time.Duration(timeoutSec) * time.Second,
	}, nil
}

func (g *GeminiRefiner) Provider() string { return config.RefinerGemini }

func (g *GeminiRefiner) Refine(ctx context.Context, in RefineInput) (model.RefinedPrompt, error) {
	const op = "refiner.gemini"
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	parts := []*genai.Part{{Text: refinerUserText(in)}}
	if in.ImageDataURL != "" {
		mime, data, err := splitDataURL(in.ImageDataURL)
		if err != nil {
			return model.RefinedPrompt{}, apperr.Wrap(apperr.KindIO, op, "inline seed image", err)
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: data}})
	}

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   refinedPromptSchema,
	}
	if g.maxTokens > 0 {
		cfg.MaxOutputTokens = g.maxTokens
	}

	start := time.Now()
	contents := []*genai.Content{{Role: "user", Parts: parts}}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return model.RefinedPrompt{}, apperr.Wrap(apperr.KindUpstream, op, "generate content", err)
	}
	if resp == nil {
		return model.RefinedPrompt{}, apperr.New(apperr.KindUpstreamContract, op, "empty response")
	}
	text := resp.Text()
	log.Debug().Str("model", g.model).Dur("duration", time.Since(start)).Int("response_length", len(text)).Msg("Gemini refiner replied")
	if strings.TrimSpace(text) == "" {
		return model.RefinedPrompt{}, apperr.New(apperr.KindUpstreamContract, op, "empty response text")
	}
	return ParseRefinerOutput(text)
}

func splitDataURL(s string) (string, []byte, error) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, errors.New("not a data URL")
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", nil, errors.New("data URL has no payload")
	}
	mime := strings.TrimSuffix(s[len("data:"):comma], ";base64")
	data, err := base64.StdEncoding.DecodeString(s[comma+1:])
	if err != nil {
		return "", nil, err
	}
	return mime, data, nil
}
