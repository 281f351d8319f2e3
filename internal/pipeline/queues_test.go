package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/database"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/storage"
	"github.com/storyloom/story-pipeline/internal/stt"
)

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"audio_ok", AudioJob{StoryID: "s1", AudioKey: "k1"}.Validate()},
		{"stt_ok", STTJob{StoryID: "s1", AudioURL: "u"}.Validate()},
		{"export_ok", ExportJob{ProjectID: "p1", ExportRequestID: "e1"}.Validate()},
	}
	for _, tt := range tests {
		if tt.err != nil {
			t.Errorf("%s: %v", tt.name, tt.err)
		}
	}

	bad := []error{
		AudioJob{StoryID: "s1"}.Validate(),
		STTJob{AudioURL: "u"}.Validate(),
		ExportJob{ProjectID: "p1"}.Validate(),
	}
	for i, err := range bad {
		if !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("bad[%d] err = %v, want ErrInvalidPayload", i, err)
		}
	}
}

func TestQueuesRejectInvalidPayload(t *testing.T) {
	qs, _, store := newTestQueues(t)
	if _, err := qs.AddAudioProcessingJob(context.Background(), AudioJob{StoryID: "s1"}); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("err = %v, want ErrInvalidPayload", err)
	}
	if n := len(store.Jobs(QueueAudio)); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
}

func TestSTTJobIDStable(t *testing.T) {
	a := sttJobID("s1", "stories/s1/audio.mp3")
	b := sttJobID("s1", "stories/s1/audio.mp3")
	c := sttJobID("s2", "stories/s2/audio.mp3")
	if a != b {
		t.Errorf("ids differ for the same story: %s %s", a, b)
	}
	if a == c {
		t.Error("ids collide across stories")
	}
}

func TestQueuesPauseResumeAndCounts(t *testing.T) {
	qs, q, _ := newTestQueues(t)
	ctx := context.Background()

	processed := make(chan string, 1)
	qs.Handle(QueueExport, func(ctx context.Context, job *queue.Job) error {
		processed <- job.ID
		return nil
	})
	qs.PauseQueues()
	q.Start()

	id, err := qs.AddExportProcessingJob(ctx, e1Job)
	if err != nil {
		t.Fatalf("AddExportProcessingJob: %v", err)
	}
	st, _ := qs.GetQueueStats(ctx)
	if !st[QueueExport].Paused || st[QueueExport].Waiting != 1 {
		t.Errorf("paused stats = %+v", st[QueueExport])
	}

	qs.ResumeQueues()
	waitFor(t, "export job", func() bool {
		select {
		case got := <-processed:
			return got == id
		default:
			return false
		}
	})
	waitFor(t, "completed count", func() bool {
		counts, err := qs.QueueCounts(ctx)
		return err == nil && counts[QueueExport].Completed == 1
	})

	counts, _ := qs.QueueCounts(ctx)
	if len(counts) != 3 {
		t.Errorf("queues = %d, want 3", len(counts))
	}
	n, err := qs.CleanupCompletedJobs(ctx, 0)
	if err != nil || n != 1 {
		t.Errorf("cleanup = %d, %v; want 1", n, err)
	}
}

// The audio job for s1/k1 runs through the real queue and hands off
// exactly one transcription job, which completes the story.
func TestPipelineAudioToTranscript(t *testing.T) {
	ctx := context.Background()
	qs, q, store := newTestQueues(t)
	f := newAudioFixture(t)
	f.upload(t, "k1")
	f.worker.opts.STT = qs

	provider := &fakeProvider{name: "google", result: &stt.Result{
		Transcript: "hi", Confidence: 0.8,
		Words: []stt.Word{{Word: "hi", StartTime: 0, EndTime: 0.3}},
	}}
	orch := stt.NewOrchestrator(provider, nil, stt.Defaults{}, zerolog.Nop())
	sttWorker := NewSTTWorker(STTWorkerOptions{Stories: f.stories, Transcriber: orch, Log: zerolog.Nop()})

	qs.Handle(QueueAudio, f.worker.Handle)
	qs.Handle(QueueSTT, sttWorker.Handle)
	q.Start()

	if _, err := qs.AddAudioProcessingJob(ctx, s1Job); err != nil {
		t.Fatalf("AddAudioProcessingJob: %v", err)
	}
	// A redelivered audio job must not produce a second transcription.
	if _, err := qs.AddAudioProcessingJob(ctx, s1Job); err != nil {
		t.Fatalf("AddAudioProcessingJob: %v", err)
	}

	waitFor(t, "transcript", func() bool {
		s := f.stories.get(t, "s1")
		return s.Transcript != nil
	})
	waitFor(t, "queues idle", func() bool {
		st, _ := qs.GetQueueStats(ctx)
		return st[QueueAudio].Completed == 2 && st[QueueSTT].Completed == 1
	})

	sttJobs := store.Jobs(QueueSTT)
	if len(sttJobs) != 1 {
		t.Fatalf("stt jobs = %d, want 1", len(sttJobs))
	}
	var next STTJob
	sttJobs[0].Decode(&next)
	if next.AudioURL != "https://cdn.example.com/media/stories/s1/audio.mp3" {
		t.Errorf("audioUrl = %s", next.AudioURL)
	}

	s := f.stories.get(t, "s1")
	if s.Status != database.StoryReady || *s.TranscriptProviderName != "google" {
		t.Errorf("story = %+v", s)
	}
	if _, err := f.store.Stat(ctx, "stories/s1/audio.mp3"); errors.Is(err, storage.ErrNotFound) {
		t.Error("canonical audio missing")
	}
}
