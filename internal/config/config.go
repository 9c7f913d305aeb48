package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	RefinerOpenAI = "openai"
	RefinerGemini = "gemini"

	JobStoreFile  = "file"
	JobStoreRedis = "redis"
)

var (
	ErrMissingOpenAIKey = errors.New("OPEN_AI_API_KEY not found in environment")
	ErrMissingGeminiKey = errors.New("GEMINI_API_KEY not found in environment")
)

type Config struct {
	ListenAddr string
	DataPath   string
	UploadDir  string
	VideoDir   string
	GIFDir     string

	RefinerProvider   string
	RefinerModel      string
	RefinerTimeoutSec int
	RefinerMaxTokens  int
	OpenAIBaseURL     string
	OpenAIAPIKey      string
	GeminiAPIKey      string
	GeminiBaseURL     string

	InferenceBaseURL     string
	InferenceTimeoutSec  int
	InferenceConcurrency int
	FrameCount           int
	GuidanceScale        float64
	InferenceSteps       int
	MaxPixelArea         int
	FallbackImagePath    string
	PromptHintsPath      string

	FFmpegPath          string
	OutputFPS           int
	TranscodeTimeoutSec int

	WorkerCount int
	QueueSize   int
	JobStore    string
	JobTTLHours int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	MaxUploadSizeBytes int64
	RateLimitRPS       float64
	RateLimitBurst     int
	AllowedOrigins     []string

	LogLevel  string
	LogFormat string
}

// Load reads the optional env file (".env" when empty) and the process
// environment.
func Load(envFile ...string) (Config, error) {
	_ = godotenv.Load(envFile...)

	cfg := Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":5000"),
		DataPath:   getEnv("DATA_PATH", "./data/jobs.json"),
		UploadDir:  getEnv("UPLOAD_DIR", "uploads"),
		VideoDir:   getEnv("VIDEO_DIR", "generated_mp4s"),
		GIFDir:     getEnv("GIF_DIR", "generated_gifs"),

		RefinerProvider:   strings.ToLower(getEnv("REFINER_PROVIDER", RefinerOpenAI)),
		RefinerModel:      getEnv("REFINER_MODEL", ""),
		RefinerTimeoutSec: getEnvInt("REFINER_TIMEOUT_SEC", 60),
		RefinerMaxTokens:  getEnvInt("REFINER_MAX_TOKENS", 512),
		OpenAIBaseURL:     strings.TrimRight(getEnv("OPENAI_BASE_URL", "https://api.openai.com"), "/"),
		OpenAIAPIKey:      getEnv("OPEN_AI_API_KEY", ""),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiBaseURL:     strings.TrimRight(getEnv("GEMINI_BASE_URL", ""), "/"),

		InferenceBaseURL:     strings.TrimRight(getEnv("INFERENCE_BASE_URL", "http://127.0.0.1:7860"), "/"),
		InferenceTimeoutSec:  getEnvInt("INFERENCE_TIMEOUT_SEC", 1800),
		InferenceConcurrency: getEnvInt("INFERENCE_CONCURRENCY", 1),
		FrameCount:           getEnvInt("FRAME_COUNT", 33),
		GuidanceScale:        getEnvFloat("GUIDANCE_SCALE", 5.0),
		InferenceSteps:       getEnvInt("INFERENCE_STEPS", 30),
		MaxPixelArea:         getEnvInt("MAX_PIXEL_AREA", 480*832),
		FallbackImagePath:    getEnv("FALLBACK_IMAGE_PATH", ""),
		PromptHintsPath:      getEnv("PROMPT_HINTS_PATH", ""),

		FFmpegPath:          getEnv("FFMPEG_PATH", "ffmpeg"),
		OutputFPS:           getEnvInt("OUTPUT_FPS", 16),
		TranscodeTimeoutSec: getEnvInt("TRANSCODE_TIMEOUT_SEC", 300),

		WorkerCount: getEnvInt("WORKER_COUNT", 1),
		QueueSize:   getEnvInt("QUEUE_SIZE", 16),
		JobStore:    strings.ToLower(getEnv("JOB_STORE", JobStoreFile)),
		JobTTLHours: getEnvInt("JOB_TTL_HOURS", 24),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		S3Bucket:   getEnv("S3_BUCKET", ""),
		S3Prefix:   strings.Trim(getEnv("S3_PREFIX", "gifs"), "/"),
		S3Region:   getEnv("S3_REGION", ""),
		S3Endpoint: getEnv("S3_ENDPOINT", ""),

		MaxUploadSizeBytes: getEnvInt64("MAX_UPLOAD_SIZE_BYTES", 16*1024*1024),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 0.5),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 4),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	switch cfg.RefinerProvider {
	case RefinerOpenAI:
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return Config{}, ErrMissingOpenAIKey
		}
		if cfg.RefinerModel == "" {
			cfg.RefinerModel = "gpt-4o"
		}
	case RefinerGemini:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return Config{}, ErrMissingGeminiKey
		}
		if cfg.RefinerModel == "" {
			cfg.RefinerModel = "gemini-2.5-flash"
		}
	default:
		return Config{}, errors.New("refiner provider must be openai or gemini")
	}

	if cfg.JobStore != JobStoreFile && cfg.JobStore != JobStoreRedis {
		return Config{}, errors.New("job store must be file or redis")
	}
	if cfg.FrameCount <= 0 {
		return Config{}, errors.New("frame count must be > 0")
	}
	if cfg.InferenceSteps <= 0 {
		return Config{}, errors.New("inference steps must be > 0")
	}
	if cfg.GuidanceScale <= 0 {
		return Config{}, errors.New("guidance scale must be > 0")
	}
	if cfg.MaxPixelArea <= 0 {
		return Config{}, errors.New("max pixel area must be > 0")
	}
	if cfg.OutputFPS <= 0 {
		return Config{}, errors.New("output fps must be > 0")
	}
	if cfg.InferenceConcurrency <= 0 {
		return Config{}, errors.New("inference concurrency must be > 0")
	}
	if cfg.WorkerCount <= 0 {
		return Config{}, errors.New("worker count must be > 0")
	}
	if cfg.QueueSize <= 0 {
		return Config{}, errors.New("queue size must be > 0")
	}
	if cfg.RefinerTimeoutSec <= 0 || cfg.InferenceTimeoutSec <= 0 || cfg.TranscodeTimeoutSec <= 0 {
		return Config{}, errors.New("timeouts must be > 0")
	}
	if cfg.RefinerMaxTokens <= 0 {
		return Config{}, errors.New("refiner max tokens must be > 0")
	}
	if cfg.JobTTLHours <= 0 {
		return Config{}, errors.New("job ttl hours must be > 0")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
