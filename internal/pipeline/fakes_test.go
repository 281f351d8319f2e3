package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/storyloom/story-pipeline/internal/database"
	"github.com/storyloom/story-pipeline/internal/media"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/stt"
)

// fakeStories mirrors the SQL store: partial updates, and a ready story
// keeps its status.
type fakeStories struct {
	mu      sync.Mutex
	stories map[string]*database.Story
	updates int
}

func newFakeStories(stories ...database.Story) *fakeStories {
	f := &fakeStories{stories: make(map[string]*database.Story)}
	for i := range stories {
		s := stories[i]
		f.stories[s.ID] = &s
	}
	return f
}

func (f *fakeStories) FindByID(ctx context.Context, id string) (*database.Story, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stories[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStories) Update(ctx context.Context, id string, u database.StoryUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stories[id]
	if !ok {
		return database.ErrNotFound
	}
	f.updates++
	if u.Status != nil && s.Status != database.StoryReady {
		s.Status = *u.Status
	}
	if u.AudioRef != nil {
		s.AudioRef = u.AudioRef
	}
	if u.AudioDurationSeconds != nil {
		s.AudioDurationSeconds = u.AudioDurationSeconds
	}
	if u.AudioFormat != nil {
		s.AudioFormat = u.AudioFormat
	}
	if u.WaveformRef != nil {
		s.WaveformRef = u.WaveformRef
	}
	if u.Transcript != nil {
		s.Transcript = u.Transcript
	}
	if u.TranscriptConfidence != nil {
		s.TranscriptConfidence = u.TranscriptConfidence
	}
	if u.TranscriptProviderName != nil {
		s.TranscriptProviderName = u.TranscriptProviderName
	}
	if u.TranscriptWordCount != nil {
		s.TranscriptWordCount = u.TranscriptWordCount
	}
	if u.STTMetadata != nil {
		s.STTMetadata = u.STTMetadata
	}
	if u.ErrorMessage != nil {
		if *u.ErrorMessage == "" {
			s.ErrorMessage = nil
		} else {
			s.ErrorMessage = u.ErrorMessage
		}
	}
	return nil
}

func (f *fakeStories) get(t *testing.T, id string) database.Story {
	t.Helper()
	s, err := f.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("story %s: %v", id, err)
	}
	return *s
}

type fakeMedia struct {
	mu         sync.Mutex
	info       *media.Info
	probeErr   error
	encodeErr  error
	waveform   media.Waveform
	probes     int
	transcodes int
}

func (f *fakeMedia) Probe(ctx context.Context, path string) (*media.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	info := *f.info
	return &info, nil
}

func (f *fakeMedia) Transcode(ctx context.Context, path string, info *media.Info) (*media.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcodes++
	if f.encodeErr != nil {
		return nil, f.encodeErr
	}
	return &media.Output{Path: path, Info: info, Bitrate: info.Bitrate}, nil
}

func (f *fakeMedia) Waveform(ctx context.Context, path string) media.Waveform {
	return f.waveform
}

// fakeEnqueuer records STT jobs, deduplicating by story and URL the way
// the dedupe job id does.
type fakeEnqueuer struct {
	mu   sync.Mutex
	ids  []string
	jobs map[string]STTJob
	err  error
}

func (f *fakeEnqueuer) AddSTTProcessingJob(ctx context.Context, job STTJob, opts ...queue.EnqueueOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.jobs == nil {
		f.jobs = make(map[string]STTJob)
	}
	id := job.StoryID + "|" + job.AudioURL
	if _, ok := f.jobs[id]; !ok {
		f.ids = append(f.ids, id)
	}
	f.jobs[id] = job
	return id, nil
}

type fakeProvider struct {
	name   string
	err    error
	result *stt.Result
	calls  int
	mu     sync.Mutex
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Transcribe(ctx context.Context, audioURL string, cfg stt.RecognitionConfig) (*stt.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *fakeProvider) IsAvailable(ctx context.Context) bool { return true }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// newJob builds a claimed queue job around payload.
func newJob(t *testing.T, q string, payload any, attempt, max int) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{
		ID:          "j-" + q,
		Queue:       q,
		Payload:     raw,
		Attempt:     attempt,
		MaxAttempts: max,
		State:       queue.StateActive,
	}
}
