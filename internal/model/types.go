package model

import (
	"image"
	"time"
)

type Style string

const (
	StyleRealistic Style = "realistic"
	StyleAnimated  Style = "animated"
	StylePainting  Style = "painting"
)

var SupportedStyles = map[Style]struct{}{
	StyleRealistic: {},
	StyleAnimated:  {},
	StylePainting:  {},
}

const GIFMimeType = "image/gif"

type GenerateRequest struct {
	TextPrompt  string  `json:"text_prompt"`
	StyleString string  `json:"style_string"`
	Image       *string `json:"image"`
}

type RefinedPrompt struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Title          string `json:"title"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ScaleFactors come from the loaded inference pipeline; their product is the
// modulus every output dimension must be divisible by.
type ScaleFactors struct {
	SpatialScale int `json:"vae_scale_factor_spatial"`
	PatchSize    int `json:"patch_size"`
}

func (f ScaleFactors) Mod() int {
	return f.SpatialScale * f.PatchSize
}

type GenerationParams struct {
	Image          image.Image
	Prompt         string
	NegativePrompt string
	Height         int
	Width          int
	FrameCount     int
	GuidanceScale  float64
	Steps          int
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Finished() bool {
	return s == JobSucceeded || s == JobFailed
}

type Stage string

const (
	StageQueued    Stage = "queued"
	StageNormalize Stage = "normalize"
	StageRefine    Stage = "refine"
	StageGenerate  Stage = "generate"
	StageTranscode Stage = "transcode"
	StageEncode    Stage = "encode"
	StageDone      Stage = "done"
)

type Artifact struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	SeedPath  string `json:"seed_path,omitempty"`
	VideoPath string `json:"video_path"`
	GIFPath   string `json:"gif_path"`
	GIFSize   int64  `json:"gif_size"`
	RemoteKey string `json:"remote_key,omitempty"`
}

type Job struct {
	ID         string          `json:"id"`
	Status     JobStatus       `json:"status"`
	Stage      Stage           `json:"stage"`
	Request    GenerateRequest `json:"request"`
	Refined    *RefinedPrompt  `json:"refined,omitempty"`
	Dimensions *Dimensions     `json:"dimensions,omitempty"`
	Artifact   *Artifact       `json:"artifact,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Summary drops the seed image payload, which can be megabytes of base64.
func (j Job) Summary() Job {
	out := j
	if out.Request.Image != nil {
		placeholder := "<omitted>"
		out.Request.Image = &placeholder
	}
	return out
}

type GenerateResponse struct {
	ChatGPTPrompt string `json:"chatgpt-prompt"`
	GIFName       string `json:"gif-name"`
	GIFData       string `json:"gif-data"`
	MIMEType      string `json:"mimetype"`
	JobID         string `json:"job-id,omitempty"`
}

const (
	EventJobQueued    = "job.queued"
	EventJobStage     = "job.stage"
	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"
	EventJobSnapshot  = "job.snapshot"
)

type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt int64       `json:"created_at_unix_ms"`
}

type StoredState struct {
	Jobs              map[string]Job `json:"jobs"`
	LastUpdatedUnixMS int64          `json:"last_updated_unix_ms"`
	CreatedAt         time.Time      `json:"created_at"`
}
