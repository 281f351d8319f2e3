// Package media probes, transcodes and summarizes audio files with
// ffmpeg and ffprobe.
package media

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/config"
)

// ErrInvalidAudio means the input is not decodable audio or has no duration.
// Retrying the same input cannot succeed.
var ErrInvalidAudio = errors.New("media: invalid audio")

// commandResult is the captured output of one subprocess.
type commandResult struct {
	Stdout   []byte
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.Bytes(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// Service runs the media tools configured in MediaConfig.
type Service struct {
	cfg    config.MediaConfig
	runner commandRunner
	log    zerolog.Logger
}

// New creates a media service.
func New(cfg config.MediaConfig, log zerolog.Logger) *Service {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.WaveformWindow <= 0 {
		cfg.WaveformWindow = 800
	}
	return &Service{
		cfg:    cfg,
		runner: execRunner{},
		log:    log.With().Str("component", "media").Logger(),
	}
}

// Available reports whether ffmpeg and ffprobe can be found.
func (s *Service) Available() bool {
	if _, err := exec.LookPath(s.cfg.FFmpegPath); err != nil {
		return false
	}
	_, err := exec.LookPath(s.cfg.FFprobePath)
	return err == nil
}

func (s *Service) tempFile(pattern string) (string, error) {
	f, err := os.CreateTemp(s.cfg.TempDir, pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	return name, nil
}

func stderrTail(s string) string {
	const max = 400
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
