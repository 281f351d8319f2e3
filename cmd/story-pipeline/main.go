package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	storypipeline "github.com/storyloom/story-pipeline"
	"github.com/storyloom/story-pipeline/internal/api"
	"github.com/storyloom/story-pipeline/internal/config"
	"github.com/storyloom/story-pipeline/internal/database"
	"github.com/storyloom/story-pipeline/internal/media"
	"github.com/storyloom/story-pipeline/internal/metrics"
	"github.com/storyloom/story-pipeline/internal/mqttclient"
	"github.com/storyloom/story-pipeline/internal/pipeline"
	"github.com/storyloom/story-pipeline/internal/queue"
	"github.com/storyloom/story-pipeline/internal/storage"
	"github.com/storyloom/story-pipeline/internal/stt"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (env: HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (env: DATABASE_URL)")
	flag.StringVar(&overrides.QueueBackend, "queue-backend", "", "Job queue backend: postgres or memory (env: QUEUE_BACKEND)")
	flag.StringVar(&overrides.StorageDir, "storage-dir", "", "Local object store directory (env: STORAGE_LOCAL_DIR)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("story-pipeline %s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("commit", commit).Msg("story-pipeline starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolSize{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	if err := db.InitSchema(ctx, storypipeline.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	// Object store
	store, err := storage.New(cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object store")
	}

	// Media tools
	mediaSvc := media.New(cfg.Media, log)
	if !mediaSvc.Available() {
		log.Warn().
			Str("ffmpeg", cfg.Media.FFmpegPath).
			Str("ffprobe", cfg.Media.FFprobePath).
			Msg("ffmpeg/ffprobe not found, audio jobs will fail until installed")
	}

	// Speech-to-text
	orch, sttCloser, err := stt.Build(ctx, cfg.STT, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize speech-to-text providers")
	}
	defer sttCloser.Close()

	// Job queue
	var jobStore queue.Store
	switch cfg.Queue.Backend {
	case "memory":
		log.Warn().Msg("using in-memory job queue, jobs are lost on restart")
		jobStore = queue.NewMemoryStore()
	case "postgres", "":
		jobStore = db.Jobs()
	default:
		log.Fatal().Str("backend", cfg.Queue.Backend).Msg("unknown queue backend")
	}
	q := queue.New(jobStore, queue.Config{
		PollInterval: cfg.Queue.PollInterval,
		Log:          log,
	})
	queues := pipeline.NewQueues(q, log)
	if err := queues.DefineQueues(cfg.Queue); err != nil {
		log.Fatal().Err(err).Msg("failed to define queues")
	}

	// Event publishing (optional)
	var publish pipeline.PublishFunc
	var mqtt *mqttclient.Client
	if cfg.MQTT.BrokerURL != "" {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Log:         log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		publish = mqtt.Publish
	} else {
		log.Info().Msg("MQTT_BROKER_URL not set, pipeline events will not be published")
	}

	// Workers
	audioWorker := pipeline.NewAudioWorker(pipeline.AudioWorkerOptions{
		Store:           store,
		Stories:         db.Stories(),
		Media:           mediaSvc,
		STT:             queues,
		DefaultLanguage: cfg.STT.DefaultLanguage,
		TempDir:         cfg.Media.TempDir,
		Publish:         publish,
		Log:             log,
	})
	sttWorker := pipeline.NewSTTWorker(pipeline.STTWorkerOptions{
		Stories:           db.Stories(),
		Transcriber:       orch,
		Publish:           publish,
		Log:               log,
		DefaultSampleRate: cfg.Media.SampleRate,
	})
	exportWorker := pipeline.NewExportWorker(pipeline.ExportWorkerOptions{
		Store:          store,
		Projects:       db.Projects(),
		ExportRequests: db.ExportRequests(),
		LinkTTL:        cfg.Export.LinkTTL,
		FetchWorkers:   cfg.Export.FetchWorkers,
		Publish:        publish,
		Log:            log,
	})
	for name, h := range map[string]queue.Handler{
		pipeline.QueueAudio:  audioWorker.Handle,
		pipeline.QueueSTT:    sttWorker.Handle,
		pipeline.QueueExport: exportWorker.Handle,
	} {
		if err := queues.Handle(name, h); err != nil {
			log.Fatal().Err(err).Str("queue", name).Msg("failed to register handler")
		}
	}
	q.Start()

	// Metrics
	prometheus.MustRegister(metrics.NewCollector(db.Pool, queues))

	// Export archive retention
	sweeper := storage.NewExportSweeper(store, db.ExportRequests(), cfg.Export.SweepInterval, log)
	sweeper.Start()

	// HTTP Server
	serverOpts := api.ServerOptions{
		Config:       cfg,
		Queues:       queues,
		Store:        store,
		DB:           db,
		STTProviders: orch.Providers(),
		Version:      version,
		StartTime:    startTime,
		Log:          log.With().Str("component", "http").Logger(),
	}
	if mqtt != nil {
		serverOpts.MQTT = mqtt
	}
	srv := api.NewServer(serverOpts)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown: stop intake, then let in-flight jobs finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer drainCancel()
	if err := q.DrainAndClose(drainCtx); err != nil {
		log.Warn().Err(err).Msg("queue drain incomplete")
	}

	sweeper.Stop()
	if mqtt != nil {
		mqtt.Close()
	}

	log.Info().Msg("story-pipeline stopped")
}
