package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const elevenLabsSTTEndpoint = "https://api.elevenlabs.io/v1/speech-to-text"

// ElevenLabsProvider calls the ElevenLabs Speech-to-Text API. Audio is
// passed by URL so nothing is downloaded locally.
type ElevenLabsProvider struct {
	apiKey   string
	model    string // "scribe_v1" or "scribe_v2"
	endpoint string
	client   *http.Client
}

type elevenlabsResponse struct {
	LanguageCode        string           `json:"language_code"`
	LanguageProbability float64          `json:"language_probability"`
	Text                string           `json:"text"`
	Words               []elevenlabsWord `json:"words"`
}

// elevenlabsWord is a word, spacing or audio-event entry.
type elevenlabsWord struct {
	Text        string   `json:"text"`
	Type        string   `json:"type"` // "word", "spacing", "audio_event"
	StartTimeMs float64  `json:"start_time_ms"`
	EndTimeMs   float64  `json:"end_time_ms"`
	SpeakerID   string   `json:"speaker_id"`
	Logprob     *float64 `json:"logprob"`
}

// NewElevenLabsProvider creates an ElevenLabs client. An empty endpoint
// uses the public API.
func NewElevenLabsProvider(apiKey, model, endpoint string, timeout time.Duration) *ElevenLabsProvider {
	if endpoint == "" {
		endpoint = elevenLabsSTTEndpoint
	}
	if model == "" {
		model = "scribe_v1"
	}
	return &ElevenLabsProvider{
		apiKey:   apiKey,
		model:    model,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (el *ElevenLabsProvider) Name() string { return "elevenlabs" }

// IsAvailable reports whether an API key is configured.
func (el *ElevenLabsProvider) IsAvailable(ctx context.Context) bool {
	return el.apiKey != ""
}

func (el *ElevenLabsProvider) Transcribe(ctx context.Context, audioURL string, cfg RecognitionConfig) (*Result, error) {
	fields := [][2]string{
		{"model_id", el.model},
		{"cloud_storage_url", audioURL},
		{"language_code", isoLanguage(cfg.LanguageCode)},
		{"timestamps_granularity", "word"},
	}
	if cfg.EnableSpeakerDiarization {
		fields = append(fields, [2]string{"diarize", "true"})
		if cfg.MaxSpeakerCount > 0 {
			fields = append(fields, [2]string{"num_speakers", strconv.Itoa(cfg.MaxSpeakerCount)})
		}
	}
	body, contentType, err := multipartForm("", "", nil, fields)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, el.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("xi-api-key", el.apiKey)

	raw, err := doJSON(el.client, req, "elevenlabs")
	if err != nil {
		return nil, err
	}
	var resp elevenlabsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp.toResult(cfg.EnableSpeakerDiarization), nil
}

func (r *elevenlabsResponse) toResult(diarized bool) *Result {
	res := emptyResult()
	res.Transcript = strings.TrimSpace(r.Text)
	res.Language = r.LanguageCode

	for _, ew := range r.Words {
		if ew.Type != "" && ew.Type != "word" {
			continue
		}
		w := Word{
			Word:      ew.Text,
			StartTime: secondsFromMillis(ew.StartTimeMs),
			EndTime:   secondsFromMillis(ew.EndTimeMs),
		}
		if ew.Logprob != nil {
			w.Confidence = confidencePtr(confidenceFromLogprob(*ew.Logprob))
		}
		res.Words = append(res.Words, w)
		if diarized {
			res.SpeakerTags = append(res.SpeakerTags, speakerTag(ew.SpeakerID))
		}
	}

	res.Confidence = averageConfidence(res.Words)
	if res.Confidence == 0 && res.Transcript != "" {
		res.Confidence = clampConfidence(r.LanguageProbability)
	}
	return res
}

// speakerTag converts "speaker_0" style ids to 1-based integer tags.
func speakerTag(id string) int {
	i := strings.LastIndexByte(id, '_')
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return 0
	}
	return n + 1
}

// isoLanguage reduces a BCP-47 tag like "en-US" to its ISO-639 language.
func isoLanguage(code string) string {
	if i := strings.IndexByte(code, '-'); i > 0 {
		return strings.ToLower(code[:i])
	}
	return strings.ToLower(code)
}
