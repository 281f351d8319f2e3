package stt

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/config"
)

// Build creates the orchestrator from configuration. Providers are named
// by STT_PRIMARY and STT_FALLBACKS; a provider whose client cannot be
// created is left out with a warning. The returned closer releases
// provider connections.
func Build(ctx context.Context, cfg config.STTConfig, log zerolog.Logger) (*Orchestrator, io.Closer, error) {
	var closers closerList
	newProvider := func(name string) (Provider, error) {
		switch name {
		case "google":
			if !cfg.GoogleEnabled {
				return nil, nil
			}
			g, err := NewGoogleProvider(ctx, cfg.GoogleCredentialsFile, cfg.RequestTimeout)
			if err != nil {
				log.Warn().Err(err).Msg("google speech client unavailable")
				return nil, nil
			}
			closers = append(closers, g)
			return g, nil
		case "elevenlabs":
			return NewElevenLabsProvider(cfg.ElevenLabsAPIKey, cfg.ElevenLabsModel, "", cfg.RequestTimeout), nil
		case "whisper":
			return NewWhisperProvider(cfg.WhisperURL, cfg.WhisperHealthURL, cfg.WhisperModel, cfg.WhisperAPIKey, cfg.RequestTimeout), nil
		case "deepinfra":
			return NewDeepInfraProvider(cfg.DeepInfraAPIKey, cfg.DeepInfraModel, "", cfg.RequestTimeout), nil
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		}
	}

	primary, err := newProvider(cfg.Primary)
	if err != nil {
		return nil, nil, err
	}
	var fallbacks []Provider
	for _, name := range cfg.FallbackNames() {
		if name == cfg.Primary {
			continue
		}
		p, err := newProvider(name)
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		fallbacks = append(fallbacks, p)
	}

	o := NewOrchestrator(primary, fallbacks, Defaults{
		LanguageCode:             cfg.DefaultLanguage,
		AlternativeLanguageCodes: cfg.AlternativeLanguageCodes(),
		MaxSpeakers:              cfg.MaxSpeakers,
		ProviderTimeout:          cfg.RequestTimeout,
	}, log)
	log.Info().Strs("providers", o.Providers()).Msg("speech-to-text configured")
	return o, closers, nil
}

type closerList []io.Closer

func (cl closerList) Close() error {
	var first error
	for _, c := range cl {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
