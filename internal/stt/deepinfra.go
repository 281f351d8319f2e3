package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const deepInfraBaseURL = "https://api.deepinfra.com/v1/inference/"

// DeepInfraProvider calls DeepInfra's native inference API for Whisper models.
type DeepInfraProvider struct {
	apiKey  string
	model   string // e.g. "openai/whisper-large-v3-turbo"
	baseURL string
	client  *http.Client
}

type deepInfraResponse struct {
	Text     string             `json:"text"`
	Language string             `json:"language"`
	Duration float64            `json:"duration"`
	Words    []deepInfraWord    `json:"words"`
	Segments []deepInfraSegment `json:"segments"`
}

// deepInfraWord uses "text" for the word, not "word" like OpenAI.
type deepInfraWord struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type deepInfraSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	AvgLogprob float64 `json:"avg_logprob"`
}

// NewDeepInfraProvider creates a DeepInfra client. An empty baseURL uses
// the public API.
func NewDeepInfraProvider(apiKey, model, baseURL string, timeout time.Duration) *DeepInfraProvider {
	if baseURL == "" {
		baseURL = deepInfraBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &DeepInfraProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (di *DeepInfraProvider) Name() string { return "deepinfra" }

func (di *DeepInfraProvider) IsAvailable(ctx context.Context) bool {
	return di.apiKey != "" && di.model != ""
}

// Transcribe uploads the audio with field name "audio" (DeepInfra's convention).
func (di *DeepInfraProvider) Transcribe(ctx context.Context, audioURL string, cfg RecognitionConfig) (*Result, error) {
	data, filename, err := fetchAudio(ctx, di.client, audioURL)
	if err != nil {
		return nil, err
	}
	body, contentType, err := multipartForm("audio", filename, data, [][2]string{
		{"language", isoLanguage(cfg.LanguageCode)},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, di.baseURL+di.model, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+di.apiKey)

	raw, err := doJSON(di.client, req, "deepinfra")
	if err != nil {
		return nil, err
	}
	var resp deepInfraResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp.toResult(), nil
}

func (r *deepInfraResponse) toResult() *Result {
	res := emptyResult()
	res.Transcript = strings.TrimSpace(r.Text)
	res.Language = r.Language

	for _, dw := range r.Words {
		res.Words = append(res.Words, Word{
			Word:      strings.TrimSpace(dw.Text),
			StartTime: dw.Start,
			EndTime:   dw.End,
		})
	}

	var sum float64
	for _, seg := range r.Segments {
		sum += confidenceFromLogprob(seg.AvgLogprob)
	}
	if len(r.Segments) > 0 {
		res.Confidence = clampConfidence(sum / float64(len(r.Segments)))
	}

	// No word-level data: interpolate timings across each segment.
	if len(res.Words) == 0 {
		for _, seg := range r.Segments {
			res.Words = append(res.Words, wordsFromText(seg.Text, seg.Start, seg.End, nil)...)
		}
	}
	return res
}
