package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/config"
	"github.com/storyloom/story-pipeline/internal/metrics"
	"github.com/storyloom/story-pipeline/internal/pipeline"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/storage"
)

// QueueService is the queue facade the API drives.
type QueueService interface {
	AddAudioProcessingJob(ctx context.Context, job pipeline.AudioJob, opts ...queue.EnqueueOption) (string, error)
	AddSTTProcessingJob(ctx context.Context, job pipeline.STTJob, opts ...queue.EnqueueOption) (string, error)
	AddExportProcessingJob(ctx context.Context, job pipeline.ExportJob, opts ...queue.EnqueueOption) (string, error)
	GetQueueStats(ctx context.Context) (map[string]queue.Stats, error)
	PauseQueues()
	ResumeQueues()
	CleanupCompletedJobs(ctx context.Context, retention time.Duration) (int64, error)
}

// ServerOptions carries the dependencies of the HTTP server. DB and MQTT
// may be nil.
type ServerOptions struct {
	Config       *config.Config
	Queues       QueueService
	Store        storage.ObjectStore
	DB           DBChecker
	MQTT         BrokerStatus
	STTProviders []string
	Version      string
	StartTime    time.Time
	Log          zerolog.Logger
}

type Server struct {
	http    *http.Server
	handler http.Handler
	log     zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.AllowedOrigins()))

	// Health and metrics: no auth
	health := NewHealthHandler(HealthOptions{
		DB:           opts.DB,
		MQTT:         opts.MQTT,
		Queues:       opts.Queues,
		StorageType:  opts.Store.Type(),
		STTProviders: opts.STTProviders,
		Version:      opts.Version,
		StartTime:    opts.StartTime,
	})
	r.Get("/api/v1/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Local backend serves its own blobs, so public and presigned URLs resolve.
	if files, ok := opts.Store.(LocalFiles); ok {
		r.Get("/media/*", NewMediaHandler(files).ServeHTTP)
	}

	admin := NewAdminHandler(opts.Queues, cfg.Queue.Retention)
	jobs := NewJobsHandler(opts.Queues)
	uploads := NewUploadHandler(opts.Store, cfg.Storage.PresignExpiry)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		r.Get("/api/v1/queues", admin.Stats)
		r.Post("/api/v1/queues/pause", admin.Pause)
		r.Post("/api/v1/queues/resume", admin.Resume)
		r.Post("/api/v1/queues/cleanup", admin.Cleanup)

		r.Post("/api/v1/jobs/audio", jobs.EnqueueAudio)
		r.Post("/api/v1/jobs/stt", jobs.EnqueueSTT)
		r.Post("/api/v1/jobs/export", jobs.EnqueueExport)

		r.Post("/api/v1/uploads/presign", uploads.Presign)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		handler: r,
		log:     opts.Log,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
