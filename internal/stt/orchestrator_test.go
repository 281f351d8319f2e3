package stt

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeProvider struct {
	name      string
	available bool
	result    *Result
	err       error
	hang      bool // block until the call's context is done
	hangCheck bool // same for IsAvailable

	calls      int
	availCalls int
	lastCfg    RecognitionConfig
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) IsAvailable(ctx context.Context) bool {
	f.availCalls++
	if f.hangCheck {
		<-ctx.Done()
		return false
	}
	return f.available
}

func (f *fakeProvider) Transcribe(ctx context.Context, audioURL string, cfg RecognitionConfig) (*Result, error) {
	f.calls++
	f.lastCfg = cfg
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newOrchestrator(primary *fakeProvider, fallbacks ...*fakeProvider) *Orchestrator {
	fb := make([]Provider, len(fallbacks))
	for i, f := range fallbacks {
		fb[i] = f
	}
	return NewOrchestrator(primary, fb, Defaults{LanguageCode: "en-US"}, zerolog.Nop())
}

func TestTranscribeAudio_PrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{name: "google", available: true, result: &Result{Transcript: "hello", Confidence: 0.9}}
	fallback := &fakeProvider{name: "elevenlabs", available: true, result: &Result{Transcript: "other"}}
	o := newOrchestrator(primary, fallback)

	res, err := o.TranscribeAudio(context.Background(), "https://cdn/a.mp3", Options{AudioFormat: "mp3", Duration: 30})
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if res.Transcript != "hello" || res.Provider != "google" {
		t.Errorf("result = %q from %q, want hello from google", res.Transcript, res.Provider)
	}
	if fallback.calls != 0 || fallback.availCalls != 0 {
		t.Error("fallback consulted after primary success")
	}
	if primary.lastCfg.EnableSpeakerDiarization {
		t.Error("diarization should be off for a 30s clip")
	}
}

func TestTranscribeAudio_PrimaryUnavailable(t *testing.T) {
	primary := &fakeProvider{name: "google", available: false}
	first := &fakeProvider{name: "elevenlabs", available: true, result: &Result{Transcript: "from fallback"}}
	second := &fakeProvider{name: "whisper", available: true, result: &Result{Transcript: "never"}}
	o := newOrchestrator(primary, first, second)

	res, err := o.TranscribeAudio(context.Background(), "u", Options{Duration: 90})
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if res.Provider != "elevenlabs" || res.Transcript != "from fallback" {
		t.Errorf("got %q from %q", res.Transcript, res.Provider)
	}
	if primary.calls != 0 {
		t.Error("unavailable primary was called")
	}
	if second.calls != 0 {
		t.Error("second fallback called after first succeeded")
	}
}

func TestTranscribeAudio_PrimaryThrows(t *testing.T) {
	primary := &fakeProvider{name: "google", available: true, err: errors.New("quota exceeded")}
	first := &fakeProvider{name: "elevenlabs", available: true, result: &Result{Transcript: "from fallback"}}
	o := newOrchestrator(primary, first)

	res, err := o.TranscribeAudio(context.Background(), "u", Options{Duration: 90})
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if res.Provider != "elevenlabs" {
		t.Errorf("provider = %q, want elevenlabs", res.Provider)
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}
}

func TestTranscribeAudio_SkipsUnavailableFallback(t *testing.T) {
	primary := &fakeProvider{name: "google", available: true, err: errors.New("boom")}
	first := &fakeProvider{name: "elevenlabs", available: false}
	second := &fakeProvider{name: "whisper", available: true, result: &Result{Transcript: "ok"}}
	o := newOrchestrator(primary, first, second)

	res, err := o.TranscribeAudio(context.Background(), "u", Options{Duration: 10})
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if res.Provider != "whisper" {
		t.Errorf("provider = %q, want whisper", res.Provider)
	}
	if first.calls != 0 {
		t.Error("unavailable fallback was called")
	}
}

func TestTranscribeAudio_AllFail(t *testing.T) {
	providers := []*fakeProvider{
		{name: "google", available: true, err: errors.New("timeout")},
		{name: "elevenlabs", available: true, err: errors.New("rate limited")},
		{name: "whisper", available: false},
	}
	o := newOrchestrator(providers[0], providers[1], providers[2])

	res, err := o.TranscribeAudio(context.Background(), "u", Options{Duration: 120})
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
	for _, p := range providers[:2] {
		if p.calls != 1 {
			t.Errorf("%s calls = %d, want 1", p.name, p.calls)
		}
	}
}

func TestTranscribeAudio_NoProviders(t *testing.T) {
	o := NewOrchestrator(nil, nil, Defaults{}, zerolog.Nop())
	if _, err := o.TranscribeAudio(context.Background(), "u", Options{}); !errors.Is(err, ErrAllProvidersFailed) {
		t.Errorf("err = %v, want ErrAllProvidersFailed", err)
	}
}

func TestTranscribeAudio_NilResultIsEmpty(t *testing.T) {
	primary := &fakeProvider{name: "google", available: true}
	o := newOrchestrator(primary)

	res, err := o.TranscribeAudio(context.Background(), "u", Options{Duration: 5})
	if err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	if res.Transcript != "" || res.Confidence != 0 || res.Words == nil {
		t.Errorf("result = %+v, want empty non-nil result", res)
	}
}

func TestOrchestratorProviders(t *testing.T) {
	o := newOrchestrator(&fakeProvider{name: "google"}, &fakeProvider{name: "elevenlabs"}, &fakeProvider{name: "whisper"})
	got := o.Providers()
	want := []string{"google", "elevenlabs", "whisper"}
	if len(got) != len(want) {
		t.Fatalf("providers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("providers[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTranscribeAudio_HungProviderFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		primary *fakeProvider
	}{
		{"transcribe_hangs", &fakeProvider{name: "google", available: true, hang: true}},
		{"health_check_hangs", &fakeProvider{name: "whisper", hangCheck: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := &fakeProvider{name: "elevenlabs", available: true, result: &Result{Transcript: "rescued"}}
			o := NewOrchestrator(tt.primary, []Provider{fallback}, Defaults{ProviderTimeout: 50 * time.Millisecond}, zerolog.Nop())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			res, err := o.TranscribeAudio(ctx, "https://cdn/a.mp3", Options{AudioFormat: "mp3", Duration: 90})
			if err != nil {
				t.Fatalf("TranscribeAudio: %v", err)
			}
			if res.Provider != "elevenlabs" || fallback.calls != 1 {
				t.Errorf("provider = %q, fallback calls = %d", res.Provider, fallback.calls)
			}
		})
	}
}

func TestTranscribeAudio_JobDeadlineStopsFallbacks(t *testing.T) {
	primary := &fakeProvider{name: "google", available: true, hang: true}
	fallback := &fakeProvider{name: "elevenlabs", available: true, result: &Result{}}
	o := NewOrchestrator(primary, []Provider{fallback}, Defaults{ProviderTimeout: time.Minute}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.TranscribeAudio(ctx, "u", Options{Duration: 10}); !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
	if fallback.calls != 0 {
		t.Errorf("fallback called %d times after the job deadline", fallback.calls)
	}
}

func TestOrchestratorLogsComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	primary := &fakeProvider{name: "google", available: true, result: &Result{Transcript: "hi"}}
	o := NewOrchestrator(primary, nil, Defaults{}, zerolog.New(&buf))

	if _, err := o.TranscribeAudio(context.Background(), "u", Options{Duration: 5}); err != nil {
		t.Fatalf("TranscribeAudio: %v", err)
	}
	out := strings.TrimSpace(buf.String())
	if out == "" {
		t.Fatal("no log output")
	}
	for _, line := range strings.Split(out, "\n") {
		if n := strings.Count(line, `"component"`); n != 1 {
			t.Errorf("component keys = %d in %s", n, line)
		}
	}
}
