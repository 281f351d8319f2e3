package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/metrics"
)

// Orchestrator tries a primary provider, then each fallback in order,
// one at a time. The first success wins.
type Orchestrator struct {
	providers []Provider // primary first
	defaults  Defaults
	log       zerolog.Logger
}

// NewOrchestrator creates an orchestrator over primary followed by fallbacks.
func NewOrchestrator(primary Provider, fallbacks []Provider, defaults Defaults, log zerolog.Logger) *Orchestrator {
	providers := make([]Provider, 0, len(fallbacks)+1)
	if primary != nil {
		providers = append(providers, primary)
	}
	for _, p := range fallbacks {
		if p != nil {
			providers = append(providers, p)
		}
	}
	return &Orchestrator{
		providers: providers,
		defaults:  defaults,
		log:       log.With().Str("component", "stt").Logger(),
	}
}

// Providers returns the provider names in the order they are tried.
func (o *Orchestrator) Providers() []string {
	names := make([]string, len(o.providers))
	for i, p := range o.providers {
		names[i] = p.Name()
	}
	return names
}

// TranscribeAudio transcribes the audio at audioURL. It returns an error
// wrapping ErrAllProvidersFailed only when every provider failed or was
// unavailable. No provider is called more than once per invocation.
func (o *Orchestrator) TranscribeAudio(ctx context.Context, audioURL string, opts Options) (*Result, error) {
	cfg := DeriveConfig(opts, o.defaults)
	log := o.log.With().
		Float64("duration", opts.Duration).
		Str("model", cfg.Model).
		Bool("diarization", cfg.EnableSpeakerDiarization).
		Logger()

	var errs []error
	for i, p := range o.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		name := p.Name()
		plog := log.With().Str("provider", name).Bool("fallback", i > 0).Logger()

		if !o.available(ctx, p) {
			metrics.STTProviderAttemptsTotal.WithLabelValues(name, "unavailable").Inc()
			plog.Warn().Msg("provider unavailable, skipping")
			errs = append(errs, fmt.Errorf("%s: unavailable", name))
			continue
		}

		start := time.Now()
		res, err := o.transcribe(ctx, p, audioURL, cfg)
		if err != nil {
			metrics.STTProviderAttemptsTotal.WithLabelValues(name, "error").Inc()
			plog.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("provider failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if res == nil {
			res = emptyResult()
		}
		res.Provider = name
		metrics.STTProviderAttemptsTotal.WithLabelValues(name, "success").Inc()
		plog.Info().
			Dur("elapsed", time.Since(start)).
			Int("words", res.WordCount()).
			Float64("confidence", res.Confidence).
			Msg("transcription complete")
		return res, nil
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}

// availabilityTimeout caps a provider health check.
const availabilityTimeout = 10 * time.Second

func (o *Orchestrator) available(ctx context.Context, p Provider) bool {
	budget := availabilityTimeout
	if o.defaults.ProviderTimeout > 0 && o.defaults.ProviderTimeout < budget {
		budget = o.defaults.ProviderTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return p.IsAvailable(ctx)
}

func (o *Orchestrator) transcribe(ctx context.Context, p Provider, audioURL string, cfg RecognitionConfig) (*Result, error) {
	if o.defaults.ProviderTimeout <= 0 {
		return p.Transcribe(ctx, audioURL, cfg)
	}
	ctx, cancel := context.WithTimeout(ctx, o.defaults.ProviderTimeout)
	defer cancel()
	return p.Transcribe(ctx, audioURL, cfg)
}
