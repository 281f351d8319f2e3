package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Info describes an audio file.
type Info struct {
	Duration   float64 `json:"duration"` // seconds
	Format     string  `json:"format"`   // first container alias, e.g. "mp3", "wav"
	Codec      string  `json:"codec"`
	Bitrate    int     `json:"bitrate"` // bits per second
	SampleRate int     `json:"sampleRate"`
	Channels   int     `json:"channels"`
	Size       int64   `json:"size"`
}

type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		SampleRate string `json:"sample_rate"`
		Channels   int    `json:"channels"`
		BitRate    string `json:"bit_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
}

// Probe inspects the file at path. It returns ErrInvalidAudio when the
// file is unreadable as audio or reports no duration.
func (s *Service) Probe(ctx context.Context, path string) (*Info, error) {
	res, err := s.runner.Run(ctx, s.cfg.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if res.ExitCode > 0 {
			return nil, fmt.Errorf("%w: ffprobe exit %d: %s", ErrInvalidAudio, res.ExitCode, stderrTail(res.Stderr))
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(res.Stdout)
}

func parseProbe(raw []byte) (*Info, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode ffprobe output: %v", ErrInvalidAudio, err)
	}

	info := &Info{
		Format:  strings.Split(out.Format.FormatName, ",")[0],
		Bitrate: atoi(out.Format.BitRate),
		Size:    int64(atoi(out.Format.Size)),
	}
	info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)

	found := false
	for _, st := range out.Streams {
		if st.CodecType != "audio" {
			continue
		}
		found = true
		info.Codec = st.CodecName
		info.SampleRate = atoi(st.SampleRate)
		info.Channels = st.Channels
		if info.Bitrate == 0 {
			info.Bitrate = atoi(st.BitRate)
		}
		if info.Duration == 0 {
			info.Duration, _ = strconv.ParseFloat(st.Duration, 64)
		}
		break
	}
	if !found {
		return nil, fmt.Errorf("%w: no audio stream", ErrInvalidAudio)
	}
	if info.Duration <= 0 {
		return nil, fmt.Errorf("%w: zero duration", ErrInvalidAudio)
	}
	return info, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
