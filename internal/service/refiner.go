package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gif-forge/internal/apperr"
	"gif-forge/internal/config"
	"gif-forge/internal/model"
)

var ErrNoOpenAIKey = errors.New("openai api key not configured")

// RefineInput is what the refiner sees: the raw prompt, the style, the
// normalized seed image as a PNG data URL and any matched operator hints.
type RefineInput struct {
	TextPrompt   string
	StyleString  string
	ImageDataURL string
	Hints        []string
}

type Refiner interface {
	Refine(ctx context.Context, in RefineInput) (model.RefinedPrompt, error)
	Provider() string
}

const refinerInstruction = `You refine prompts for an image-to-video model that renders short looping GIFs.
You receive a text prompt, a style string and the image the animation must start from.
Produce:
1) prompt: a vivid, descriptive positive prompt for the image-to-video model that follows the text prompt, starts from the attached image and is rendered in the requested style. Mention the style word (realistic, animated or painting) in it.
2) negative_prompt: comma-separated keywords describing what must not appear, e.g. shaky, distorted, blurry, low quality, static, watermark. For the realistic style also include "animated".
3) title: a short name for the GIF.
Styles:
- realistic: photo-realistic footage with correct lighting.
- animated: looks like a feature-length animated film.
- painting: an oil or watercolor painting with visible strokes and artistic choices.
Reply with a single JSON object {"prompt": "...", "negative_prompt": "...", "title": "..."} and nothing else.
If you cannot produce JSON, reply exactly as: positive prompt | negative prompt | title`

// refinerUserText puts the instruction, prompt and style in one user message.
func refinerUserText(in RefineInput) string {
	text := fmt.Sprintf("%s\n\ntext_prompt: %s\nstyle string: %s", refinerInstruction, in.TextPrompt, in.StyleString)
	if len(in.Hints) > 0 {
		text += "\nhints:\n- " + strings.Join(in.Hints, "\n- ")
	}
	return text
}

// OpenAIRefiner talks to an OpenAI-compatible chat completions endpoint.
type OpenAIRefiner struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	http      *http.Client
}

var _ Refiner = (*OpenAIRefiner)(nil)

func NewOpenAIRefiner(cfg config.Config) *OpenAIRefiner {
	timeoutSec := cfg.RefinerTimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &OpenAIRefiner{
		baseURL:   strings.TrimRight(cfg.OpenAIBaseURL, "/"),
		apiKey:    cfg.OpenAIAPIKey,
		model:     cfg.RefinerModel,
		maxTokens: cfg.RefinerMaxTokens,
		http: &http.Client{
			Timeout: time.Duration(timeoutSec) * time.Second,
		},
	}
}

func (c *OpenAIRefiner) Provider() string { return config.RefinerOpenAI }

func (c *OpenAIRefiner) Refine(ctx context.Context, in RefineInput) (model.RefinedPrompt, error) {
	parts := []map[string]interface{}{
		{"type": "text", "text": refinerUserText(in)},
	}
	if in.ImageDataURL != "" {
		parts = append(parts, map[string]interface{}{
			"type":      "image_url",
			"image_url": map[string]string{"url": in.ImageDataURL},
		})
	}
	content, err := c.chat(ctx, parts)
	if err != nil {
		return model.RefinedPrompt{}, err
	}
	return ParseRefinerOutput(content)
}

func (c *OpenAIRefiner) chat(ctx context.Context, userParts []map[string]interface{}) (string, error) {
	const op = "refiner.openai"
	if strings.TrimSpace(c.apiKey) == "" {
		return "", apperr.Wrap(apperr.KindConfiguration, op, "missing credentials", ErrNoOpenAIKey)
	}

	reqBody := map[string]interface{}{
		"model": c.model,
		"messages": []map[string]interface{}{
			{"role": "user", "content": userParts},
		},
		"response_format": refinedPromptFormat,
	}
	if c.maxTokens > 0 {
		reqBody["max_tokens"] = c.maxTokens
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", apperr.Wrap(apperr.KindIO, op, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatCompletionsURL(), bytes.NewReader(b))
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfiguration, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstream, op, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstream, op, "read response", err)
	}
	if resp.StatusCode >= 300 {
		return "", apperr.New(apperr.KindUpstream, op, fmt.Sprintf("status=%d body=%s", resp.StatusCode, truncate(string(raw), 300)))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamContract, op, "response is not JSON", err)
	}
	if len(out.Choices) == 0 {
		return "", apperr.New(apperr.KindUpstreamContract, op, "empty choices")
	}
	msg := out.Choices[0].Message
	if msg.Refusal != "" {
		return "", apperr.New(apperr.KindUpstreamContract, op, "model refused: "+truncate(msg.Refusal, 200))
	}
	return strings.TrimSpace(msg.Content), nil
}

func (c *OpenAIRefiner) chatCompletionsURL() string {
	if strings.HasSuffix(c.baseURL, "/v1") {
		return c.baseURL + "/chat/completions"
	}
	return c.baseURL + "/v1/chat/completions"
}

var refinedPromptFormat = map[string]interface{}{
	"type": "json_schema",
	"json_schema": map[string]interface{}{
		"name":   "refined_prompt",
		"strict": true,
		"schema": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"prompt":          map[string]string{"type": "string"},
				"negative_prompt": map[string]string{"type": "string"},
				"title":           map[string]string{"type": "string"},
			},
			"required":             []string{"prompt", "negative_prompt", "title"},
			"additionalProperties": false,
		},
	},
}

// ParseRefinerOutput validates what the model replied. A JSON object must
// carry all three fields non-empty. Text that is not such an object is read
// as the delimited form.
func ParseRefinerOutput(content string) (model.RefinedPrompt, error) {
	t := stripCodeFence(content)
	if strings.HasPrefix(t, "{") {
		var out model.RefinedPrompt
		err := json.Unmarshal([]byte(extractJSONObjectString(t)), &out)
		if err == nil {
			return validateRefined(out)
		}
		if strings.Count(t, "|") != 2 {
			return model.RefinedPrompt{}, apperr.Wrap(apperr.KindUpstreamContract, "refiner.parse", "malformed JSON reply", err)
		}
	}
	return ParseDelimited(t)
}

// ParseDelimited splits "prompt | negative | title" into its three trimmed
// segments. Exactly two '|' characters are required; segments may be empty.
func ParseDelimited(content string) (model.RefinedPrompt, error) {
	if n := strings.Count(content, "|"); n != 2 {
		return model.RefinedPrompt{}, apperr.New(apperr.KindUpstreamContract, "refiner.parse", fmt.Sprintf("expected 2 '|' delimiters, found %d", n))
	}
	parts := strings.Split(content, "|")
	return model.RefinedPrompt{
		Prompt:         strings.TrimSpace(parts[0]),
		NegativePrompt: strings.TrimSpace(parts[1]),
		Title:          strings.TrimSpace(parts[2]),
	}, nil
}

func validateRefined(r model.RefinedPrompt) (model.RefinedPrompt, error) {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.NegativePrompt = strings.TrimSpace(r.NegativePrompt)
	r.Title = strings.TrimSpace(r.Title)
	var missing []string
	if r.Prompt == "" {
		missing = append(missing, "prompt")
	}
	if r.NegativePrompt == "" {
		missing = append(missing, "negative_prompt")
	}
	if r.Title == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return model.RefinedPrompt{}, apperr.New(apperr.KindUpstreamContract, "refiner.parse", "empty field(s): "+strings.Join(missing, ", "))
	}
	return r, nil
}

func stripCodeFence(s string) string {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}

func extractJSONObjectString(s string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
