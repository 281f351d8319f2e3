package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/database"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/stt"
)

// DefaultSTTDuration is assumed for stories whose duration is unknown.
const DefaultSTTDuration = 120.0

type STTWorkerOptions struct {
	Stories     StoryStore
	Transcriber Transcriber
	Publish     PublishFunc
	Log         zerolog.Logger

	// DefaultSampleRate is used for mp3 audio when the job does not carry
	// the probed rate.
	DefaultSampleRate int
}

// STTWorker attaches a transcript to a story. A story stays ready when
// transcription fails; the transcript is an enhancement.
type STTWorker struct {
	opts STTWorkerOptions
	pub  publisher
	log  zerolog.Logger
}

func NewSTTWorker(opts STTWorkerOptions) *STTWorker {
	return &STTWorker{
		opts: opts,
		pub:  publisher{fn: opts.Publish, now: time.Now},
		log:  opts.Log.With().Str("component", "stt-worker").Logger(),
	}
}

// Handle is the stt queue handler.
func (w *STTWorker) Handle(ctx context.Context, job *queue.Job) error {
	var p STTJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(fmt.Errorf("decode stt job: %w", err))
	}
	if err := p.Validate(); err != nil {
		return queue.Permanent(err)
	}
	log := w.log.With().
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Str("story_id", p.StoryID).
		Logger()

	story, err := w.opts.Stories.FindByID(ctx, p.StoryID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("story %s: %w", p.StoryID, err))
		}
		return fmt.Errorf("load story: %w", err)
	}

	duration := DefaultSTTDuration
	if story.AudioDurationSeconds != nil && *story.AudioDurationSeconds > 0 {
		duration = *story.AudioDurationSeconds
	}
	format := "mp3"
	if story.AudioFormat != nil && *story.AudioFormat != "" {
		format = *story.AudioFormat
	}
	diarize := duration >= stt.ShortAudioSeconds
	sampleRate := p.SampleRate
	if sampleRate <= 0 && stt.EncodingForFormat(format) == stt.EncodingMP3 {
		sampleRate = w.opts.DefaultSampleRate
	}

	start := time.Now()
	res, err := w.opts.Transcriber.TranscribeAudio(ctx, p.AudioURL, stt.Options{
		AudioFormat:              format,
		Duration:                 duration,
		SampleRate:               sampleRate,
		LanguageCode:             p.Language,
		EnableSpeakerDiarization: &diarize,
	})
	if err != nil {
		log.Warn().Err(err).
			Bool("final_attempt", job.FinalAttempt()).
			Msg("transcription failed, story stays ready without transcript")
		if job.FinalAttempt() {
			w.pub.publish(EventStoryTranscriptionFailed, map[string]any{
				"storyId": p.StoryID,
				"error":   err.Error(),
			})
		}
		return err
	}

	meta, err := json.Marshal(res.Metadata())
	if err != nil {
		return queue.Permanent(fmt.Errorf("encode stt metadata: %w", err))
	}
	words := res.WordCount()
	err = w.opts.Stories.Update(ctx, p.StoryID, database.StoryUpdate{
		Transcript:             &res.Transcript,
		TranscriptConfidence:   &res.Confidence,
		TranscriptProviderName: &res.Provider,
		TranscriptWordCount:    &words,
		STTMetadata:            meta,
	})
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}

	log.Info().
		Str("provider", res.Provider).
		Int("words", words).
		Float64("confidence", res.Confidence).
		Bool("diarized", diarize).
		Dur("elapsed", time.Since(start)).
		Msg("story transcribed")
	w.pub.publish(EventStoryTranscribed, map[string]any{
		"storyId":    p.StoryID,
		"provider":   res.Provider,
		"wordCount":  words,
		"confidence": res.Confidence,
	})
	return nil
}
