package media

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/storyloom/story-pipeline/internal/metrics"
)

// CanonicalContentType is the MIME type of transcoded audio.
const CanonicalContentType = "audio/mpeg"

// Output is the canonical audio produced by Transcode.
type Output struct {
	Path       string
	Info       *Info
	Bitrate    int
	Transcoded bool // false when the input was already canonical

	cleanup func()
}

// Cleanup removes temporary files created for this output.
func (o *Output) Cleanup() {
	if o != nil && o.cleanup != nil {
		o.cleanup()
	}
}

// IsCanonical reports whether info already matches the canonical format.
func (s *Service) IsCanonical(info *Info) bool {
	return info != nil &&
		info.Codec == "mp3" &&
		info.Bitrate > 0 && info.Bitrate <= s.cfg.TargetBitrate &&
		(s.cfg.MaxBytes <= 0 || info.Size <= s.cfg.MaxBytes)
}

// Transcode converts the input to canonical mp3 at the target bitrate. When
// the result exceeds MaxBytes, a second pass re-encodes the source at the
// fallback bitrate in mono. Input that is already canonical is returned as is.
func (s *Service) Transcode(ctx context.Context, path string, info *Info) (*Output, error) {
	if s.IsCanonical(info) {
		return &Output{Path: path, Info: info, Bitrate: info.Bitrate}, nil
	}

	out, err := s.tempFile("transcode-*.mp3")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(out) }

	bitrate := s.cfg.TargetBitrate
	if err := s.encode(ctx, path, out, bitrate, 0); err != nil {
		cleanup()
		return nil, err
	}
	metrics.MediaTranscodesTotal.WithLabelValues("primary").Inc()

	size, err := fileSize(out)
	if err != nil {
		cleanup()
		return nil, err
	}
	if s.cfg.MaxBytes > 0 && size > s.cfg.MaxBytes && s.cfg.FallbackBitrate > 0 {
		s.log.Info().
			Int64("size", size).
			Int64("max_bytes", s.cfg.MaxBytes).
			Int("bitrate", s.cfg.FallbackBitrate).
			Msg("transcoded audio too large, compressing")
		bitrate = s.cfg.FallbackBitrate
		if err := s.encode(ctx, path, out, bitrate, 1); err != nil {
			cleanup()
			return nil, err
		}
		metrics.MediaTranscodesTotal.WithLabelValues("compress").Inc()
	}

	outInfo, err := s.Probe(ctx, out)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("probe transcoded audio: %w", err)
	}
	return &Output{
		Path:       out,
		Info:       outInfo,
		Bitrate:    bitrate,
		Transcoded: true,
		cleanup:    cleanup,
	}, nil
}

// encode runs ffmpeg. channels 0 keeps the source layout.
func (s *Service) encode(ctx context.Context, in, out string, bitrate, channels int) error {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", strconv.Itoa(bitrate),
	}
	if s.cfg.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(s.cfg.SampleRate))
	}
	if channels > 0 {
		args = append(args, "-ac", strconv.Itoa(channels))
	}
	args = append(args, "-f", "mp3", out)

	res, err := s.runner.Run(ctx, s.cfg.FFmpegPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg transcode (exit %d): %w: %s", res.ExitCode, err, stderrTail(res.Stderr))
	}
	return nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat output: %w", err)
	}
	return fi.Size(), nil
}
