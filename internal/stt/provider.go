package stt

import (
	"context"
	"errors"
)

// Provider is one speech-to-text backend.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audioURL string, cfg RecognitionConfig) (*Result, error)
	// IsAvailable is a cheap pre-check. A provider reporting false is
	// skipped without being billed for a doomed call.
	IsAvailable(ctx context.Context) bool
}

// Result is the provider-neutral transcription result.
type Result struct {
	Transcript   string        `json:"transcript"`
	Confidence   float64       `json:"confidence"` // 0..1
	Words        []Word        `json:"words"`
	Alternatives []Alternative `json:"alternatives"`
	SpeakerTags  []int         `json:"speakerTags,omitempty"` // aligned 1:1 with Words when diarized
	Language     string        `json:"language,omitempty"`
	Provider     string        `json:"provider"`
}

// Word is a timestamped word. Times are seconds from the start of the audio.
type Word struct {
	Word       string   `json:"word"`
	StartTime  float64  `json:"startTime"`
	EndTime    float64  `json:"endTime"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Alternative is a lower-ranked competing hypothesis.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// WordCount returns the number of words in the result.
func (r *Result) WordCount() int {
	if len(r.Words) > 0 {
		return len(r.Words)
	}
	return countFields(r.Transcript)
}

// Metadata is the raw detail persisted alongside a transcript.
type Metadata struct {
	Words        []Word        `json:"words"`
	Alternatives []Alternative `json:"alternatives"`
	SpeakerTags  []int         `json:"speakerTags,omitempty"`
	Language     string        `json:"language,omitempty"`
}

// Metadata extracts the persisted detail of the result.
func (r *Result) Metadata() Metadata {
	return Metadata{
		Words:        r.Words,
		Alternatives: r.Alternatives,
		SpeakerTags:  r.SpeakerTags,
		Language:     r.Language,
	}
}

// emptyResult is returned when a provider answered but recognized nothing.
func emptyResult() *Result {
	return &Result{Words: []Word{}, Alternatives: []Alternative{}}
}

var (
	ErrAllProvidersFailed = errors.New("stt: all providers failed")
	ErrUnknownProvider    = errors.New("stt: unknown provider")
)
