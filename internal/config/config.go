package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	DBMaxConns  int32  `env:"DATABASE_MAX_CONNS" envDefault:"20"`
	DBMinConns  int32  `env:"DATABASE_MIN_CONNS" envDefault:"2"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken   string `env:"AUTH_TOKEN"`
	CORSOrigins string `env:"CORS_ORIGINS"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Storage StorageConfig
	Queue   QueueConfig
	Media   MediaConfig
	STT     STTConfig
	MQTT    MQTTConfig
	Export  ExportConfig
}

// AllowedOrigins returns the configured CORS origins. Empty allows all.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSOrigins)
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Backend       string `env:"STORAGE_BACKEND" envDefault:"local"`
	LocalDir      string `env:"STORAGE_LOCAL_DIR" envDefault:"./data"`
	PublicBaseURL string `env:"STORAGE_PUBLIC_BASE_URL" envDefault:"http://localhost:8080/media"`

	S3Endpoint    string        `env:"S3_ENDPOINT"`
	S3Bucket      string        `env:"S3_BUCKET"`
	S3Region      string        `env:"S3_REGION" envDefault:"us-east-1"`
	S3AccessKey   string        `env:"S3_ACCESS_KEY"`
	S3SecretKey   string        `env:"S3_SECRET_KEY"`
	S3Prefix      string        `env:"S3_PREFIX"`
	PresignExpiry time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
}

// S3Enabled reports whether the S3 backend is selected and has a bucket.
func (c StorageConfig) S3Enabled() bool {
	return c.Backend == "s3" && c.S3Bucket != ""
}

// QueueConfig holds the job queue backend and per-queue retry policy.
type QueueConfig struct {
	Backend      string        `env:"QUEUE_BACKEND" envDefault:"postgres"`
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	Retention    time.Duration `env:"QUEUE_RETENTION" envDefault:"168h"`

	AudioConcurrency int           `env:"AUDIO_WORKERS" envDefault:"2"`
	AudioAttempts    int           `env:"AUDIO_MAX_ATTEMPTS" envDefault:"3"`
	AudioBackoff     time.Duration `env:"AUDIO_BACKOFF" envDefault:"2s"`
	AudioTimeout     time.Duration `env:"AUDIO_JOB_TIMEOUT" envDefault:"10m"`

	STTConcurrency int           `env:"STT_WORKERS" envDefault:"4"`
	STTAttempts    int           `env:"STT_MAX_ATTEMPTS" envDefault:"3"`
	STTBackoff     time.Duration `env:"STT_BACKOFF" envDefault:"5s"`
	STTTimeout     time.Duration `env:"STT_JOB_TIMEOUT" envDefault:"30m"`

	ExportConcurrency int           `env:"EXPORT_WORKERS" envDefault:"1"`
	ExportAttempts    int           `env:"EXPORT_MAX_ATTEMPTS" envDefault:"2"`
	ExportBackoff     time.Duration `env:"EXPORT_BACKOFF" envDefault:"10s"`
	ExportTimeout     time.Duration `env:"EXPORT_JOB_TIMEOUT" envDefault:"15m"`
}

// MediaConfig configures ffmpeg/ffprobe and the canonical output format.
type MediaConfig struct {
	FFmpegPath      string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath     string `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	TargetBitrate   int    `env:"MEDIA_TARGET_BITRATE" envDefault:"128000"`
	FallbackBitrate int    `env:"MEDIA_FALLBACK_BITRATE" envDefault:"64000"`
	SampleRate      int    `env:"MEDIA_SAMPLE_RATE" envDefault:"44100"`
	MaxBytes        int64  `env:"MEDIA_MAX_BYTES" envDefault:"26214400"`
	WaveformWindow  int    `env:"MEDIA_WAVEFORM_WINDOW" envDefault:"800"`
	TempDir         string `env:"MEDIA_TEMP_DIR"`
}

// STTConfig configures the speech-to-text providers and their order.
type STTConfig struct {
	Primary   string `env:"STT_PRIMARY" envDefault:"google"`
	Fallbacks string `env:"STT_FALLBACKS" envDefault:"elevenlabs,whisper"`

	DefaultLanguage      string        `env:"STT_LANGUAGE" envDefault:"en-US"`
	AlternativeLanguages string        `env:"STT_ALTERNATIVE_LANGUAGES"`
	MaxSpeakers          int           `env:"STT_MAX_SPEAKERS" envDefault:"6"`
	RequestTimeout       time.Duration `env:"STT_TIMEOUT" envDefault:"5m"`

	GoogleCredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	GoogleEnabled         bool   `env:"GOOGLE_STT_ENABLED" envDefault:"true"`

	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsModel  string `env:"ELEVENLABS_MODEL" envDefault:"scribe_v1"`

	WhisperURL       string `env:"WHISPER_URL"`
	WhisperHealthURL string `env:"WHISPER_HEALTH_URL"`
	WhisperModel     string `env:"WHISPER_MODEL" envDefault:"whisper-1"`
	WhisperAPIKey    string `env:"WHISPER_API_KEY"`

	DeepInfraAPIKey string `env:"DEEPINFRA_API_KEY"`
	DeepInfraModel  string `env:"DEEPINFRA_MODEL" envDefault:"openai/whisper-large-v3-turbo"`
}

// FallbackNames returns the configured fallback providers in priority order.
func (c STTConfig) FallbackNames() []string {
	return splitList(c.Fallbacks)
}

// AlternativeLanguageCodes returns the configured alternate languages.
func (c STTConfig) AlternativeLanguageCodes() []string {
	return splitList(c.AlternativeLanguages)
}

// MQTTConfig enables optional pipeline event publishing.
type MQTTConfig struct {
	BrokerURL   string `env:"MQTT_BROKER_URL"`
	ClientID    string `env:"MQTT_CLIENT_ID" envDefault:"story-pipeline"`
	TopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"stories"`
	Username    string `env:"MQTT_USERNAME"`
	Password    string `env:"MQTT_PASSWORD"`
}

type ExportConfig struct {
	LinkTTL       time.Duration `env:"EXPORT_LINK_TTL" envDefault:"24h"`
	SweepInterval time.Duration `env:"EXPORT_SWEEP_INTERVAL" envDefault:"1h"`
	FetchWorkers  int           `env:"EXPORT_FETCH_WORKERS" envDefault:"4"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile      string
	HTTPAddr     string
	LogLevel     string
	DatabaseURL  string
	QueueBackend string
	StorageDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.QueueBackend != "" {
		cfg.Queue.Backend = overrides.QueueBackend
	}
	if overrides.StorageDir != "" {
		cfg.Storage.LocalDir = overrides.StorageDir
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
