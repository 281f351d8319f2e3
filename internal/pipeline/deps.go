package pipeline

import (
	"context"

	"github.com/storyloom/story-pipeline/internal/database"
	"github.com/storyloom/story-pipeline/internal/media"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/stt"
)

// StoryStore is the slice of the story store the workers use.
type StoryStore interface {
	FindByID(ctx context.Context, id string) (*database.Story, error)
	Update(ctx context.Context, id string, u database.StoryUpdate) error
}

// ExportRequestStore is the slice of the export request store the export
// worker uses.
type ExportRequestStore interface {
	Update(ctx context.Context, id string, u database.ExportRequestUpdate) error
}

// ProjectSource loads the snapshot an export archive is built from.
type ProjectSource interface {
	ProjectExport(ctx context.Context, projectID string) (*database.ProjectExport, error)
}

// MediaTransformer probes, transcodes and summarizes audio files.
type MediaTransformer interface {
	Probe(ctx context.Context, path string) (*media.Info, error)
	Transcode(ctx context.Context, path string, info *media.Info) (*media.Output, error)
	Waveform(ctx context.Context, path string) media.Waveform
}

// Transcriber turns an audio URL into a transcript.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audioURL string, opts stt.Options) (*stt.Result, error)
}

// STTEnqueuer accepts follow-up transcription jobs.
type STTEnqueuer interface {
	AddSTTProcessingJob(ctx context.Context, job STTJob, opts ...queue.EnqueueOption) (string, error)
}

func strPtr(s string) *string { return &s }
