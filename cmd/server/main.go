package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gif-forge/internal/api"
	"gif-forge/internal/config"
	"gif-forge/internal/logging"
	"gif-forge/internal/metrics"
	"gif-forge/internal/service"
	"gif-forge/internal/storage"
	"gif-forge/internal/ws"
)

var (
	addrFlag    string
	envFileFlag string
)

var rootCmd = &cobra.Command{
	Use:   "gif-forge",
	Short: "Turn a text prompt and a seed image into a looping GIF",
	Long: `gif-forge serves an HTTP API that refines a prompt with a language
model, animates the seed image with an image-to-video sidecar and returns
the result as a base64 GIF.

Examples:
  gif-forge
  gif-forge --addr :9000 --env-file prod.env
  gif-forge check`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", "", "Env file to load before reading the environment (default .env)")
	rootCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address, overrides LISTEN_ADDR")
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if envFileFlag != "" {
		return config.Load(envFileFlag)
	}
	return config.Load()
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addrFlag != "" {
		cfg.ListenAddr = addrFlag
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close job store")
		}
	}()

	artifacts, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return err
	}

	refiner, err := newRefiner(ctx, cfg)
	if err != nil {
		return err
	}
	hints, err := service.LoadHintBook(cfg.PromptHintsPath)
	if err != nil {
		return fmt.Errorf("load prompt hints: %w", err)
	}

	if _, err := service.CheckFFmpegAvailable(cfg.FFmpegPath); err != nil {
		log.Warn().Err(err).Msg("ffmpeg not found; transcoding will fail")
	}

	generator := service.NewExclusivePipeline(service.NewHTTPFrameGenerator(cfg), cfg.InferenceConcurrency)
	initCtx, cancelInit := context.WithTimeout(ctx, 15*time.Second)
	if err := generator.Init(initCtx); err != nil {
		log.Warn().Err(err).Str("base_url", cfg.InferenceBaseURL).Msg("Inference pipeline not ready; retrying on first job")
	}
	cancelInit()

	hub := ws.NewHub()
	go hub.Run(ctx)
	jobHub := ws.NewJobHub()
	collector := metrics.NewCollector("gifforge")

	pipeline := service.NewPipeline(cfg, service.PipelineDeps{
		Store:      store,
		Artifacts:  artifacts,
		Refiner:    refiner,
		Generator:  generator,
		Transcoder: service.NewFFmpegTranscoder(cfg),
		Hints:      hints,
		Events:     ws.NewPublisher(hub, jobHub),
		Metrics:    collector,
	})
	queue := service.NewQueue(pipeline, cfg.WorkerCount, cfg.QueueSize)
	queue.Start(ctx)
	defer queue.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(ctx, cfg, queue, hub, jobHub, collector),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Str("refiner", refiner.Provider()).
			Str("job_store", cfg.JobStore).
			Int("workers", cfg.WorkerCount).
			Int("prompt_hints", hints.Len()).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Shutdown error")
	}
	return nil
}

func newJobStore(ctx context.Context, cfg config.Config) (storage.JobStore, error) {
	ttl := time.Duration(cfg.JobTTLHours) * time.Hour
	if cfg.JobStore == config.JobStoreRedis {
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      ttl,
		})
	}
	return storage.NewStore(cfg.DataPath, ttl)
}

func newArtifactStore(ctx context.Context, cfg config.Config) (*storage.ArtifactStore, error) {
	artifacts := storage.NewArtifactStore(cfg.UploadDir, cfg.VideoDir, cfg.GIFDir)
	if err := artifacts.EnsureDirs(); err != nil {
		return nil, err
	}
	if cfg.S3Bucket == "" {
		return artifacts, nil
	}
	client, err := storage.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		return nil, err
	}
	log.Info().Str("bucket", cfg.S3Bucket).Str("prefix", cfg.S3Prefix).Msg("Mirroring artifacts to S3")
	return artifacts.WithMirror(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func newRefiner(ctx context.Context, cfg config.Config) (service.Refiner, error) {
	if cfg.RefinerProvider == config.RefinerGemini {
		return service.NewGeminiRefiner(ctx, cfg)
	}
	return service.NewOpenAIRefiner(cfg), nil
}
