package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gif-forge/internal/service"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration, ffmpeg and the inference sidecar",
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	failed := false
	report := func(name string, err error, detail string) {
		if err != nil {
			failed = true
			fmt.Fprintf(out, "FAIL  %-10s %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "ok    %-10s %s\n", name, detail)
	}

	cfg, err := loadConfig()
	report("config", err, "refiner="+cfg.RefinerProvider+" job_store="+cfg.JobStore)
	if err != nil {
		return errors.New("configuration is invalid")
	}

	path, err := service.CheckFFmpegAvailable(cfg.FFmpegPath)
	report("ffmpeg", err, path)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	f, err := service.NewHTTPFrameGenerator(cfg).ScaleFactors(ctx)
	report("inference", err, fmt.Sprintf("%s mod=%d", cfg.InferenceBaseURL, f.Mod()))

	if failed {
		return errors.New("one or more checks failed")
	}
	return nil
}
