package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/database"
	"github.com/storyloom/story-pipeline/internal/media"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/storage"
)

// Canonical blob metadata keys. S3 lowercases user metadata keys.
const (
	metaSourceKey  = "source-key"
	metaDuration   = "duration-seconds"
	metaFormat     = "audio-format"
	metaSampleRate = "sample-rate"
)

// AudioResult is the outcome of processing one audio job. Next is the
// transcription job that should follow it.
type AudioResult struct {
	StoryID              string
	AudioRef             string
	AudioDurationSeconds float64
	AudioFormat          string
	SampleRate           int
	WaveformRef          string
	Reused               bool // canonical blob from an earlier run was kept
	Next                 STTJob
}

type AudioWorkerOptions struct {
	Store           storage.ObjectStore
	Stories         StoryStore
	Media           MediaTransformer
	STT             STTEnqueuer
	DefaultLanguage string
	TempDir         string
	Publish         PublishFunc
	Log             zerolog.Logger
}

// AudioWorker turns an uploaded recording into the story's canonical
// playable audio and hands the story on to transcription.
type AudioWorker struct {
	opts AudioWorkerOptions
	pub  publisher
	log  zerolog.Logger
}

func NewAudioWorker(opts AudioWorkerOptions) *AudioWorker {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &AudioWorker{
		opts: opts,
		pub:  publisher{fn: opts.Publish, now: time.Now},
		log:  opts.Log.With().Str("component", "audio-worker").Logger(),
	}
}

// Handle is the audio queue handler.
func (w *AudioWorker) Handle(ctx context.Context, job *queue.Job) error {
	var p AudioJob
	if err := job.Decode(&p); err != nil {
		return queue.Permanent(fmt.Errorf("decode audio job: %w", err))
	}
	if err := p.Validate(); err != nil {
		return queue.Permanent(err)
	}
	log := w.log.With().
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Str("story_id", p.StoryID).
		Logger()

	res, err := w.process(ctx, log, p)
	if err != nil {
		if queue.IsPermanent(err) || job.FinalAttempt() {
			w.markFailed(ctx, log, p, err)
		}
		return err
	}

	w.pub.publish(EventStoryReady, map[string]any{
		"storyId":              p.StoryID,
		"projectId":            p.ProjectID,
		"audioRef":             res.AudioRef,
		"audioDurationSeconds": res.AudioDurationSeconds,
	})

	jobID, err := w.opts.STT.AddSTTProcessingJob(ctx, res.Next, queue.WithJobID(sttJobID(p.StoryID, res.AudioRef)))
	if err != nil {
		return fmt.Errorf("enqueue stt: %w", err)
	}
	log.Info().
		Str("audio_ref", res.AudioRef).
		Float64("duration", res.AudioDurationSeconds).
		Bool("reused", res.Reused).
		Str("stt_job_id", jobID).
		Msg("audio processed")
	return nil
}

// Process runs the audio steps for one job. Fatal input problems are
// returned wrapped in queue.Permanent.
func (w *AudioWorker) Process(ctx context.Context, p AudioJob) (*AudioResult, error) {
	return w.process(ctx, w.log.With().Str("story_id", p.StoryID).Logger(), p)
}

func (w *AudioWorker) process(ctx context.Context, log zerolog.Logger, p AudioJob) (*AudioResult, error) {
	key := canonicalAudioKey(p.StoryID)

	if res, ok := w.reuseCanonical(ctx, p, key); ok {
		log.Debug().Str("audio_ref", key).Msg("canonical audio already present, reusing")
		if err := w.persist(ctx, res); err != nil {
			return nil, err
		}
		return res, nil
	}

	if _, err := w.opts.Store.Stat(ctx, p.AudioKey); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, queue.Permanent(fmt.Errorf("%w: %s", ErrSourceMissing, p.AudioKey))
		}
		return nil, fmt.Errorf("stat source: %w", err)
	}

	src, err := w.download(ctx, p.AudioKey)
	if err != nil {
		return nil, err
	}
	defer os.Remove(src)

	info, err := w.opts.Media.Probe(ctx, src)
	if err != nil {
		if errors.Is(err, media.ErrInvalidAudio) {
			return nil, queue.Permanent(fmt.Errorf("%w: %v", ErrInvalidAudio, err))
		}
		return nil, fmt.Errorf("probe: %w", err)
	}
	if info.Duration <= 0 {
		return nil, queue.Permanent(fmt.Errorf("%w: zero duration", ErrInvalidAudio))
	}

	out, err := w.opts.Media.Transcode(ctx, src, info)
	if err != nil {
		return nil, fmt.Errorf("transcode: %w", err)
	}
	defer out.Cleanup()

	data, err := os.ReadFile(out.Path)
	if err != nil {
		return nil, fmt.Errorf("read canonical audio: %w", err)
	}

	final := info
	if out.Info != nil {
		final = out.Info
	}
	ref, err := w.opts.Store.Upload(ctx, key, data, media.CanonicalContentType, map[string]string{
		metaSourceKey:  p.AudioKey,
		metaDuration:   strconv.FormatFloat(final.Duration, 'f', -1, 64),
		metaFormat:     final.Format,
		metaSampleRate: strconv.Itoa(final.SampleRate),
	})
	if err != nil {
		return nil, fmt.Errorf("upload canonical audio: %w", err)
	}

	res := &AudioResult{
		StoryID:              p.StoryID,
		AudioRef:             ref,
		AudioDurationSeconds: final.Duration,
		AudioFormat:          final.Format,
		SampleRate:           final.SampleRate,
		WaveformRef:          w.storeWaveform(ctx, log, p.StoryID, out.Path),
		Next:                 w.nextJob(p.StoryID, ref, final.SampleRate),
	}
	if err := w.persist(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// reuseCanonical returns the result of an earlier run when the canonical
// blob exists and was produced from the same source key.
func (w *AudioWorker) reuseCanonical(ctx context.Context, p AudioJob, key string) (*AudioResult, bool) {
	obj, err := w.opts.Store.Stat(ctx, key)
	if err != nil || obj.Metadata[metaSourceKey] != p.AudioKey {
		return nil, false
	}
	duration, err := strconv.ParseFloat(obj.Metadata[metaDuration], 64)
	if err != nil || duration <= 0 {
		return nil, false
	}
	sampleRate, _ := strconv.Atoi(obj.Metadata[metaSampleRate])
	res := &AudioResult{
		StoryID:              p.StoryID,
		AudioRef:             key,
		AudioDurationSeconds: duration,
		AudioFormat:          obj.Metadata[metaFormat],
		SampleRate:           sampleRate,
		Reused:               true,
		Next:                 w.nextJob(p.StoryID, key, sampleRate),
	}
	if _, err := w.opts.Store.Stat(ctx, waveformKey(p.StoryID)); err == nil {
		res.WaveformRef = waveformKey(p.StoryID)
	}
	return res, true
}

func (w *AudioWorker) nextJob(storyID, ref string, sampleRate int) STTJob {
	return STTJob{
		StoryID:    storyID,
		AudioURL:   w.opts.Store.PublicURL(ref),
		Language:   w.opts.DefaultLanguage,
		SampleRate: sampleRate,
	}
}

func (w *AudioWorker) persist(ctx context.Context, res *AudioResult) error {
	u := database.StoryUpdate{
		Status:               strPtr(database.StoryReady),
		AudioRef:             &res.AudioRef,
		AudioDurationSeconds: &res.AudioDurationSeconds,
		ErrorMessage:         strPtr(""),
	}
	if res.AudioFormat != "" {
		u.AudioFormat = &res.AudioFormat
	}
	if res.WaveformRef != "" {
		u.WaveformRef = &res.WaveformRef
	}
	if err := w.opts.Stories.Update(ctx, res.StoryID, u); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("story %s: %w", res.StoryID, err))
		}
		return fmt.Errorf("update story: %w", err)
	}
	return nil
}

// storeWaveform uploads the peak summary next to the canonical audio and
// returns its key, or "" when the summary could not be produced.
func (w *AudioWorker) storeWaveform(ctx context.Context, log zerolog.Logger, storyID, audioPath string) string {
	wf := w.opts.Media.Waveform(ctx, audioPath)
	if wf.Err != nil {
		log.Warn().Err(wf.Err).Msg("waveform generation failed, continuing without it")
		return ""
	}
	data, err := json.Marshal(wf)
	if err != nil {
		log.Warn().Err(err).Msg("waveform encode failed")
		return ""
	}
	ref, err := w.opts.Store.Upload(ctx, waveformKey(storyID), data, "application/json", nil)
	if err != nil {
		log.Warn().Err(err).Msg("waveform upload failed")
		return ""
	}
	return ref
}

func (w *AudioWorker) download(ctx context.Context, key string) (string, error) {
	rc, err := w.opts.Store.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", queue.Permanent(fmt.Errorf("%w: %s", ErrSourceMissing, key))
		}
		return "", fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(w.opts.TempDir, "source-*"+path.Ext(key))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("download source: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (w *AudioWorker) markFailed(ctx context.Context, log zerolog.Logger, p AudioJob, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := w.opts.Stories.Update(ctx, p.StoryID, database.StoryUpdate{
		Status:       strPtr(database.StoryFailed),
		ErrorMessage: strPtr(cause.Error()),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to mark story failed")
	}
	log.Error().Err(cause).Bool("permanent", queue.IsPermanent(cause)).Msg("audio processing failed")
	w.pub.publish(EventStoryFailed, map[string]any{
		"storyId":   p.StoryID,
		"projectId": p.ProjectID,
		"error":     cause.Error(),
	})
}
