package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/config"
	"github.com/storyloom/story-pipeline/internal/pipeline"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/storage"
)

type testEnv struct {
	srv    *Server
	queues *pipeline.Queues
	jobs   *queue.MemoryStore
	store  storage.ObjectStore
}

type envOption func(*ServerOptions)

func newTestEnv(t *testing.T, token string, opts ...envOption) *testEnv {
	t.Helper()
	jobs := queue.NewMemoryStore()
	q := queue.New(jobs, queue.Config{Log: zerolog.Nop()})
	qs := pipeline.NewQueues(q, zerolog.Nop())
	if err := qs.DefineQueues(config.QueueConfig{
		AudioAttempts: 3, AudioBackoff: time.Second,
		STTAttempts: 3, STTBackoff: time.Second,
		ExportAttempts: 2, ExportBackoff: time.Second,
	}); err != nil {
		t.Fatalf("DefineQueues: %v", err)
	}

	so := ServerOptions{
		Config: &config.Config{
			AuthToken: token,
			Queue:     config.QueueConfig{Retention: time.Hour},
			Storage:   config.StorageConfig{PresignExpiry: time.Hour},
		},
		Queues:       qs,
		Store:        storage.NewLocalStore(t.TempDir(), "http://localhost:8080/media"),
		STTProviders: []string{"google", "whisper"},
		Version:      "test",
		StartTime:    time.Now(),
		Log:          zerolog.Nop(),
	}
	for _, o := range opts {
		o(&so)
	}
	return &testEnv{srv: NewServer(so), queues: qs, jobs: jobs, store: so.Store}
}

func (e *testEnv) do(t *testing.T, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return v
}

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(ctx context.Context) error { return f.err }

type fakeBroker struct{ connected bool }

func (f fakeBroker) IsConnected() bool { return f.connected }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		opt        envOption
		wantCode   int
		wantStatus string
	}{
		{"healthy", func(o *ServerOptions) { o.DB = fakeDB{}; o.MQTT = fakeBroker{connected: true} }, 200, "healthy"},
		{"database_down", func(o *ServerOptions) { o.DB = fakeDB{err: errors.New("refused")} }, 503, "unhealthy"},
		{"mqtt_disconnected", func(o *ServerOptions) { o.MQTT = fakeBroker{} }, 200, "degraded"},
		{"no_stt_providers", func(o *ServerOptions) { o.STTProviders = nil }, 200, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "secret", tt.opt)
			rec := env.do(t, "GET", "/api/v1/health", "")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			resp := decode[HealthResponse](t, rec)
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q (checks %v)", resp.Status, tt.wantStatus, resp.Checks)
			}
			if resp.Storage != "local" {
				t.Errorf("storage = %q", resp.Storage)
			}
			if len(resp.Queues) != 3 {
				t.Errorf("queues = %v", resp.Queues)
			}
		})
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, "secret")

	if rec := env.do(t, "GET", "/api/v1/queues", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: code = %d, want 401", rec.Code)
	}
	if rec := env.do(t, "GET", "/api/v1/queues", "", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Errorf("with token: code = %d, want 200", rec.Code)
	}
	if rec := env.do(t, "GET", "/api/v1/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health: code = %d, want 200", rec.Code)
	}
}

func TestEnqueueJobs(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		body      string
		wantCode  int
		wantQueue string
	}{
		{"audio", "/api/v1/jobs/audio", `{"storyId":"s1","audioKey":"uploads/s1/a.m4a","projectId":"p1"}`, 202, "audio"},
		{"audio_missing_key", "/api/v1/jobs/audio", `{"storyId":"s1"}`, 400, ""},
		{"audio_unknown_field", "/api/v1/jobs/audio", `{"storyId":"s1","audioKey":"k","bogus":1}`, 400, ""},
		{"stt", "/api/v1/jobs/stt", `{"storyId":"s1","audioUrl":"https://cdn/s1.mp3","language":"es-MX"}`, 202, "stt"},
		{"stt_missing_url", "/api/v1/jobs/stt", `{"storyId":"s1"}`, 400, ""},
		{"export", "/api/v1/jobs/export", `{"projectId":"p1","facilitatorId":"f1","exportRequestId":"e1"}`, 202, "export"},
		{"export_missing_request", "/api/v1/jobs/export", `{"projectId":"p1"}`, 400, ""},
		{"malformed", "/api/v1/jobs/export", `{"projectId":`, 400, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			rec := env.do(t, "POST", tt.path, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantQueue == "" {
				return
			}
			resp := decode[enqueueResponse](t, rec)
			if resp.Queue != tt.wantQueue || resp.JobID == "" {
				t.Errorf("resp = %+v", resp)
			}
			job, ok := env.jobs.Get(resp.JobID)
			if !ok || job.Queue != tt.wantQueue || job.State != queue.StateWaiting {
				t.Errorf("stored job = %+v, ok %v", job, ok)
			}
		})
	}
}

func TestEnqueueWithJobIDDedupes(t *testing.T) {
	env := newTestEnv(t, "")
	body := `{"storyId":"s1","audioKey":"uploads/s1/a.wav","jobId":"audio-s1"}`

	for i := 0; i < 2; i++ {
		rec := env.do(t, "POST", "/api/v1/jobs/audio", body)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("attempt %d: code = %d", i, rec.Code)
		}
		if resp := decode[enqueueResponse](t, rec); resp.JobID != "audio-s1" {
			t.Errorf("jobId = %q", resp.JobID)
		}
	}
	if n := len(env.jobs.Jobs(pipeline.QueueAudio)); n != 1 {
		t.Errorf("audio jobs = %d, want 1", n)
	}
}

func TestQueueAdmin(t *testing.T) {
	env := newTestEnv(t, "")

	if rec := env.do(t, "POST", "/api/v1/queues/pause", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause: code = %d", rec.Code)
	}
	stats := decode[map[string]map[string]queue.Stats](t, env.do(t, "GET", "/api/v1/queues", ""))["queues"]
	for _, name := range []string{"audio", "stt", "export"} {
		if !stats[name].Paused {
			t.Errorf("%s not paused: %+v", name, stats[name])
		}
	}

	env.do(t, "POST", "/api/v1/queues/resume", "")
	stats = decode[map[string]map[string]queue.Stats](t, env.do(t, "GET", "/api/v1/queues", ""))["queues"]
	if stats["audio"].Paused {
		t.Error("audio still paused after resume")
	}

	if rec := env.do(t, "POST", "/api/v1/queues/cleanup?retention=soon", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad retention: code = %d, want 400", rec.Code)
	}
	rec := env.do(t, "POST", "/api/v1/queues/cleanup?retention=1h", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup: code = %d", rec.Code)
	}
	if got := decode[map[string]any](t, rec); got["removed"] != float64(0) || got["retention"] != "1h0m0s" {
		t.Errorf("cleanup resp = %v", got)
	}
}

// presignStore is an S3-like backend that only supports presigning.
type presignStore struct {
	storage.ObjectStore
	key, contentType string
}

func (s *presignStore) Type() string { return "s3" }

func (s *presignStore) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	s.key, s.contentType = key, contentType
	return "https://bucket.example.com/" + key + "?X-Amz-Signature=abc", nil
}

func TestPresignUpload(t *testing.T) {
	ps := &presignStore{}
	env := newTestEnv(t, "", func(o *ServerOptions) { o.Store = ps })

	rec := env.do(t, "POST", "/api/v1/uploads/presign", `{"storyId":"s1","filename":"memory.m4a","contentType":"audio/mp4"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d (%s)", rec.Code, rec.Body.String())
	}
	resp := decode[presignResponse](t, rec)
	if !strings.HasPrefix(resp.Key, "uploads/s1/") || !strings.HasSuffix(resp.Key, ".m4a") {
		t.Errorf("key = %q", resp.Key)
	}
	if resp.Key != ps.key || ps.contentType != "audio/mp4" {
		t.Errorf("store saw key %q type %q", ps.key, ps.contentType)
	}
	if resp.Method != "PUT" || !strings.Contains(resp.UploadURL, "X-Amz-Signature") {
		t.Errorf("resp = %+v", resp)
	}
	if time.Until(resp.ExpiresAt) < 59*time.Minute {
		t.Errorf("expiresAt = %v, want ~1h from now", resp.ExpiresAt)
	}

	if rec := env.do(t, "POST", "/api/v1/uploads/presign", `{"storyId":"s1","contentType":"text/plain"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("non-audio: code = %d, want 400", rec.Code)
	}
	if rec := env.do(t, "GET", "/media/anything", ""); rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("media route mounted for s3 backend: code = %d", rec.Code)
	}
}

func TestPresignUploadLocalUnsupported(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, "POST", "/api/v1/uploads/presign", `{"storyId":"s1","filename":"a.wav","contentType":"audio/wav"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("code = %d, want 501", rec.Code)
	}
}

func TestMediaServesLocalBlobs(t *testing.T) {
	env := newTestEnv(t, "secret")
	ctx := context.Background()
	if _, err := env.store.Upload(ctx, "stories/s1/audio.mp3", []byte("ID3-mp3-bytes"), "audio/mpeg", nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rec := env.do(t, "GET", "/media/stories/s1/audio.mp3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec.Body.String() != "ID3-mp3-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = env.do(t, "GET", "/media/stories/s1/audio.mp3", "", "Range", "bytes=0-2")
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "ID3" {
		t.Errorf("range: code = %d body %q", rec.Code, rec.Body.String())
	}

	if rec := env.do(t, "GET", "/media/stories/s1/missing.mp3", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing: code = %d, want 404", rec.Code)
	}
	if rec := env.do(t, "GET", "/media/stories/s1/audio.mp3.meta.json", ""); rec.Code != http.StatusNotFound {
		t.Errorf("metadata sidecar: code = %d, want 404", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.do(t, "GET", "/api/v1/health", "")

	rec := env.do(t, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "story_pipeline_http_requests_total") {
		t.Error("http request counter missing from /metrics")
	}
}
