package stt

import (
	"strings"
	"time"
)

// Duration thresholds in seconds that shape the recognition config.
const (
	ShortAudioSeconds = 60
	LongAudioSeconds  = 300
)

const (
	ModelShort = "latest_short"
	ModelLong  = "latest_long"
)

// RecognitionConfig is the provider-neutral request configuration.
// Adapters translate the fields they support and ignore the rest.
type RecognitionConfig struct {
	Encoding                   string
	SampleRateHertz            int
	LanguageCode               string
	AlternativeLanguageCodes   []string
	EnableSpeakerDiarization   bool
	MinSpeakerCount            int
	MaxSpeakerCount            int
	EnableAutomaticPunctuation bool
	EnableWordTimeOffsets      bool
	EnableWordConfidence       bool
	MaxAlternatives            int
	Model                      string
	LongRunning                bool
}

// Options describe the audio being transcribed plus caller overrides.
type Options struct {
	AudioFormat string
	Duration    float64 // seconds
	SampleRate  int     // 0 = let the provider detect it

	// Overrides applied after the duration rules. Empty/nil keeps the default.
	LanguageCode             string
	EnableSpeakerDiarization *bool
}

// Defaults are the deployment-wide recognition settings.
type Defaults struct {
	LanguageCode             string
	AlternativeLanguageCodes []string
	MaxSpeakers              int

	// ProviderTimeout bounds each provider call so a hung provider leaves
	// time for the fallbacks. 0 means no per-provider deadline.
	ProviderTimeout time.Duration
}

// DeriveConfig builds the recognition config for a clip. Short clips get a
// low-latency model without diarization; long clips drop word offsets and
// extra alternatives to keep responses bounded.
func DeriveConfig(opts Options, d Defaults) RecognitionConfig {
	lang := d.LanguageCode
	if lang == "" {
		lang = "en-US"
	}
	maxSpeakers := d.MaxSpeakers
	if maxSpeakers < 2 {
		maxSpeakers = 2
	}

	cfg := RecognitionConfig{
		Encoding:                   EncodingForFormat(opts.AudioFormat),
		SampleRateHertz:            opts.SampleRate,
		LanguageCode:               lang,
		AlternativeLanguageCodes:   d.AlternativeLanguageCodes,
		EnableSpeakerDiarization:   true,
		MinSpeakerCount:            1,
		MaxSpeakerCount:            maxSpeakers,
		EnableAutomaticPunctuation: true,
		EnableWordTimeOffsets:      true,
		EnableWordConfidence:       true,
		MaxAlternatives:            3,
		Model:                      ModelLong,
	}

	if opts.Duration < ShortAudioSeconds {
		cfg.EnableSpeakerDiarization = false
		cfg.Model = ModelShort
	}
	if opts.Duration > ShortAudioSeconds {
		cfg.LongRunning = true
	}
	if opts.Duration > LongAudioSeconds {
		cfg.EnableWordTimeOffsets = false
		cfg.MaxAlternatives = 1
	}

	if opts.LanguageCode != "" {
		cfg.LanguageCode = opts.LanguageCode
	}
	if opts.EnableSpeakerDiarization != nil {
		cfg.EnableSpeakerDiarization = *opts.EnableSpeakerDiarization
	}
	return cfg
}

// Recognition encodings understood by the adapters.
const (
	EncodingMP3      = "MP3"
	EncodingLinear16 = "LINEAR16"
	EncodingFLAC     = "FLAC"
	EncodingOggOpus  = "OGG_OPUS"
	EncodingWebMOpus = "WEBM_OPUS"
	EncodingAMR      = "AMR"
	EncodingAMRWB    = "AMR_WB"
	EncodingMulaw    = "MULAW"
)

// EncodingForFormat maps a container or codec name (as reported by ffprobe
// or a file extension) to a recognition encoding. Unknown formats return ""
// and the provider auto-detects.
func EncodingForFormat(format string) string {
	// ffprobe reports comma-separated aliases, e.g. "mov,mp4,m4a,3gp".
	for _, f := range strings.Split(strings.ToLower(format), ",") {
		switch strings.TrimPrefix(strings.TrimSpace(f), ".") {
		case "mp3", "mpeg", "mp3float":
			return EncodingMP3
		case "wav", "pcm_s16le", "linear16":
			return EncodingLinear16
		case "flac":
			return EncodingFLAC
		case "ogg", "opus":
			return EncodingOggOpus
		case "webm", "matroska":
			return EncodingWebMOpus
		case "amr", "amr_nb", "amrnb":
			return EncodingAMR
		case "amr_wb", "amrwb":
			return EncodingAMRWB
		case "mulaw", "pcm_mulaw":
			return EncodingMulaw
		}
	}
	return ""
}
