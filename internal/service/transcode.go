package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"

	"gif-forge/internal/apperr"
	"gif-forge/internal/config"
)

const framePattern = "frame_%06d.png"

// Transcoder turns generated frames into the MP4 and the looping GIF.
type Transcoder interface {
	FramesToVideo(ctx context.Context, frames []image.Image, fps int, mp4Path string) error
	VideoToGIF(ctx context.Context, mp4Path, gifPath string, fps int) error
}

type FFmpegTranscoder struct {
	ffmpegPath string
	timeout    time.Duration
}

var _ Transcoder = (*FFmpegTranscoder)(nil)

func NewFFmpegTranscoder(cfg config.Config) *FFmpegTranscoder {
	timeoutSec := cfg.TranscodeTimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 300
	}
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{ffmpegPath: path, timeout: time.Duration(timeoutSec) * time.Second}
}

// CheckFFmpegAvailable resolves the ffmpeg binary. Callers treat a failure as
// a warning at startup; transcoding fails per job until it is installed.
func CheckFFmpegAvailable(path string) (string, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found (%s): install it with apt install ffmpeg or brew install ffmpeg: %w", path, err)
	}
	log.Debug().Str("path", resolved).Msg("ffmpeg found")
	return resolved, nil
}

func (t *FFmpegTranscoder) FramesToVideo(ctx context.Context, frames []image.Image, fps int, mp4Path string) error {
	const op = "transcode.mp4"
	if len(frames) == 0 {
		return apperr.New(apperr.KindIO, op, "no frames to encode")
	}
	frameDir, err := os.MkdirTemp("", "gif-forge-frames-*")
	if err != nil {
		return apperr.Wrap(apperr.KindIO, op, "create frame directory", err)
	}
	defer func() {
		if err := os.RemoveAll(frameDir); err != nil {
			log.Warn().Err(err).Str("dir", frameDir).Msg("Failed to remove frame directory")
		}
	}()

	for i, f := range frames {
		p := filepath.Join(frameDir, fmt.Sprintf(framePattern, i))
		if err := imaging.Save(f, p); err != nil {
			return apperr.Wrap(apperr.KindIO, op, fmt.Sprintf("write frame %d", i), err)
		}
	}

	args := buildVideoArgs(filepath.Join(frameDir, framePattern), mp4Path, fps)
	if err := t.run(ctx, op, args); err != nil {
		return err
	}
	return checkOutput(op, mp4Path)
}

func (t *FFmpegTranscoder) VideoToGIF(ctx context.Context, mp4Path, gifPath string, fps int) error {
	const op = "transcode.gif"
	if err := t.run(ctx, op, buildGIFArgs(mp4Path, gifPath, fps)); err != nil {
		return err
	}
	return checkOutput(op, gifPath)
}

func (t *FFmpegTranscoder) run(ctx context.Context, op string, args []string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.KindTimeout, op, fmt.Sprintf("ffmpeg did not finish within %s", t.timeout), ctx.Err())
		}
		return apperr.Wrap(apperr.KindIO, op, "ffmpeg failed: "+tail(stderr.String(), 500), err)
	}
	log.Debug().Str("op", op).Dur("duration", time.Since(start)).Msg("ffmpeg finished")
	return nil
}

func checkOutput(op, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return apperr.Wrap(apperr.KindIO, op, "missing output", err)
	}
	if st.Size() == 0 {
		return apperr.New(apperr.KindIO, op, "empty output "+filepath.Base(path))
	}
	return nil
}

// buildVideoArgs encodes a numbered PNG sequence as H.264. yuv420p needs even
// dimensions, which the normalizer's modulus already guarantees.
func buildVideoArgs(pattern, outputPath string, fps int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-framerate", strconv.Itoa(fps),
		"-i", pattern,
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y", outputPath,
	}
}

// buildGIFArgs renders an infinitely looping GIF with a palette computed from
// the clip itself.
func buildGIFArgs(inputPath, outputPath string, fps int) []string {
	filter := fmt.Sprintf("fps=%d,split[a][b];[b]palettegen[p];[a][p]paletteuse", fps)
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-filter_complex", filter,
		"-loop", "0",
		"-y", outputPath,
	}
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
