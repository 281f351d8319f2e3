package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WhisperProvider calls an OpenAI-compatible /v1/audio/transcriptions
// endpoint (OpenAI, speaches, faster-whisper-server).
type WhisperProvider struct {
	url       string
	healthURL string
	model     string
	apiKey    string
	client    *http.Client
}

// whisperResponse is the verbose_json response format.
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Words    []whisperWord    `json:"words"`
	Segments []whisperSegment `json:"segments"`
}

type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type whisperSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	AvgLogprob float64 `json:"avg_logprob"`
}

// NewWhisperProvider creates a Whisper client. healthURL, when set, is
// probed by IsAvailable.
func NewWhisperProvider(url, healthURL, model, apiKey string, timeout time.Duration) *WhisperProvider {
	return &WhisperProvider{
		url:       url,
		healthURL: healthURL,
		model:     model,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: timeout},
	}
}

func (wc *WhisperProvider) Name() string { return "whisper" }

// IsAvailable reports whether a URL is configured and, if a health URL is
// set, whether it answers 2xx within a few seconds.
func (wc *WhisperProvider) IsAvailable(ctx context.Context) bool {
	if wc.url == "" {
		return false
	}
	if wc.healthURL == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wc.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := wc.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Transcribe downloads the audio and uploads it as multipart/form-data.
func (wc *WhisperProvider) Transcribe(ctx context.Context, audioURL string, cfg RecognitionConfig) (*Result, error) {
	data, filename, err := fetchAudio(ctx, wc.client, audioURL)
	if err != nil {
		return nil, err
	}

	fields := [][2]string{
		{"model", wc.model},
		{"language", isoLanguage(cfg.LanguageCode)},
		{"temperature", "0.00"},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
	}
	if cfg.EnableWordTimeOffsets {
		fields = append(fields, [2]string{"timestamp_granularities[]", "word"})
	}
	body, contentType, err := multipartForm("file", filename, data, fields)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if wc.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+wc.apiKey)
	}

	raw, err := doJSON(wc.client, req, "whisper")
	if err != nil {
		return nil, err
	}
	var resp whisperResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp.toResult(), nil
}

func (r *whisperResponse) toResult() *Result {
	res := emptyResult()
	res.Transcript = strings.TrimSpace(r.Text)
	res.Language = r.Language

	for _, w := range r.Words {
		res.Words = append(res.Words, Word{
			Word:      strings.TrimSpace(w.Word),
			StartTime: w.Start,
			EndTime:   w.End,
		})
	}

	// Whisper only scores segments; their mean probability is the
	// transcript confidence.
	var sum float64
	for _, seg := range r.Segments {
		sum += confidenceFromLogprob(seg.AvgLogprob)
	}
	if len(r.Segments) > 0 {
		res.Confidence = clampConfidence(sum / float64(len(r.Segments)))
	}

	if len(res.Words) == 0 {
		for _, seg := range r.Segments {
			conf := confidencePtr(confidenceFromLogprob(seg.AvgLogprob))
			res.Words = append(res.Words, wordsFromText(seg.Text, seg.Start, seg.End, conf)...)
		}
	}
	return res
}
