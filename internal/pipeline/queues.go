package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/config"
	"github.com/storyloom/story-pipeline/internal/metrics"
	"github.com/storyloom/story-pipeline/internal/queue"
)

// Queues is the management surface over the audio, stt and export queues.
type Queues struct {
	q   *queue.Queue
	log zerolog.Logger
}

func NewQueues(q *queue.Queue, log zerolog.Logger) *Queues {
	return &Queues{q: q, log: log.With().Str("component", "queues").Logger()}
}

// DefineQueues declares the three pipeline queues with their retry policy.
func (qs *Queues) DefineQueues(cfg config.QueueConfig) error {
	defs := []struct {
		name string
		opts queue.Options
	}{
		{QueueAudio, queue.Options{
			MaxAttempts: cfg.AudioAttempts,
			Backoff:     cfg.AudioBackoff,
			Concurrency: cfg.AudioConcurrency,
			Timeout:     cfg.AudioTimeout,
		}},
		{QueueSTT, queue.Options{
			MaxAttempts: cfg.STTAttempts,
			Backoff:     cfg.STTBackoff,
			Concurrency: cfg.STTConcurrency,
			Timeout:     cfg.STTTimeout,
		}},
		{QueueExport, queue.Options{
			MaxAttempts: cfg.ExportAttempts,
			Backoff:     cfg.ExportBackoff,
			Concurrency: cfg.ExportConcurrency,
			Timeout:     cfg.ExportTimeout,
		}},
	}
	for _, d := range defs {
		if err := qs.q.Define(d.name, d.opts); err != nil {
			return err
		}
	}
	return nil
}

// Handle registers the consumer of a queue.
func (qs *Queues) Handle(name string, h queue.Handler) error {
	return qs.q.OnJob(name, h)
}

func (qs *Queues) AddAudioProcessingJob(ctx context.Context, job AudioJob, opts ...queue.EnqueueOption) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	return qs.q.Enqueue(ctx, QueueAudio, job, opts...)
}

func (qs *Queues) AddSTTProcessingJob(ctx context.Context, job STTJob, opts ...queue.EnqueueOption) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	return qs.q.Enqueue(ctx, QueueSTT, job, opts...)
}

func (qs *Queues) AddExportProcessingJob(ctx context.Context, job ExportJob, opts ...queue.EnqueueOption) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	return qs.q.Enqueue(ctx, QueueExport, job, opts...)
}

// GetQueueStats returns job counts for every queue.
func (qs *Queues) GetQueueStats(ctx context.Context) (map[string]queue.Stats, error) {
	out := make(map[string]queue.Stats)
	for _, name := range qs.q.Names() {
		st, err := qs.q.Stats(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", name, err)
		}
		out[name] = st
	}
	return out, nil
}

// QueueCounts adapts GetQueueStats for the metrics collector.
func (qs *Queues) QueueCounts(ctx context.Context) (map[string]metrics.QueueCounts, error) {
	stats, err := qs.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]metrics.QueueCounts, len(stats))
	for name, st := range stats {
		out[name] = metrics.QueueCounts{
			Waiting:   st.Waiting,
			Active:    st.Active,
			Completed: st.Completed,
			Failed:    st.Failed,
		}
	}
	return out, nil
}

func (qs *Queues) PauseQueues() {
	for _, name := range qs.q.Names() {
		qs.q.Pause(name)
	}
	qs.log.Info().Msg("queues paused")
}

func (qs *Queues) ResumeQueues() {
	for _, name := range qs.q.Names() {
		qs.q.Resume(name)
	}
	qs.log.Info().Msg("queues resumed")
}

// CleanupCompletedJobs removes finished jobs older than retention.
func (qs *Queues) CleanupCompletedJobs(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := qs.q.Cleanup(ctx, retention)
	if err != nil {
		return n, err
	}
	if n > 0 {
		qs.log.Info().Int64("jobs", n).Dur("retention", retention).Msg("finished jobs cleaned up")
	}
	return n, nil
}
