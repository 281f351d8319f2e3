package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// waveformSampleRate is the decode rate for waveform extraction.
const waveformSampleRate = 8000

// Waveform is a peak summary of an audio file for preview rendering.
type Waveform struct {
	Peaks          []float64 `json:"peaks"` // 0..1, one per window
	SampleRate     int       `json:"sampleRate"`
	SamplesPerPeak int       `json:"samplesPerPeak"`
	Err            error     `json:"-"`
}

// Waveform extracts peaks from the audio at path. It never fails the
// caller: on error the returned Waveform has empty Peaks and Err set.
func (s *Service) Waveform(ctx context.Context, path string) Waveform {
	wf := Waveform{Peaks: []float64{}, SampleRate: waveformSampleRate, SamplesPerPeak: s.cfg.WaveformWindow}

	tmp, err := s.tempFile("waveform-*.wav")
	if err != nil {
		wf.Err = fmt.Errorf("create temp file: %w", err)
		return wf
	}
	defer os.Remove(tmp)

	res, err := s.runner.Run(ctx, s.cfg.FFmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(waveformSampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav", tmp,
	)
	if err != nil {
		wf.Err = fmt.Errorf("ffmpeg decode: %w: %s", err, stderrTail(res.Stderr))
		return wf
	}

	buf, err := decodeWAV(tmp)
	if err != nil {
		wf.Err = err
		return wf
	}
	wf.Peaks = peaks(buf, s.cfg.WaveformWindow)
	return wf
}

func decodeWAV(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	return buf, nil
}

// peaks returns the maximum absolute amplitude of each window of samples,
// scaled to [0,1] by the buffer's bit depth. Multi-channel buffers are
// treated as interleaved frames.
func peaks(buf *audio.IntBuffer, window int) []float64 {
	if buf == nil || len(buf.Data) == 0 || window <= 0 {
		return []float64{}
	}
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	fullScale := math.Exp2(float64(depth - 1))

	step := window * channels
	out := make([]float64, 0, (len(buf.Data)+step-1)/step)
	for start := 0; start < len(buf.Data); start += step {
		end := start + step
		if end > len(buf.Data) {
			end = len(buf.Data)
		}
		var peak int
		for _, v := range buf.Data[start:end] {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		p := float64(peak) / fullScale
		if p > 1 {
			p = 1
		}
		out = append(out, math.Round(p*1000)/1000)
	}
	return out
}
