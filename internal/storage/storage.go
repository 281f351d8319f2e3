package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/storyloom/story-pipeline/internal/config"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ErrUnsupported is returned by operations a backend cannot perform.
var ErrUnsupported = errors.New("storage: operation not supported by backend")

// ObjectInfo is the metadata of a stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"contentType"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"lastModified"`
}

// ObjectStore abstracts blob storage backends.
type ObjectStore interface {
	// Stat returns object metadata, or ErrNotFound.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// Upload stores data under key, replacing any existing object, and
	// returns the stored reference.
	Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error)

	// Open returns a reader for the object, or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// PublicURL returns the stable public (CDN) URL for key.
	PublicURL(key string) string

	// PresignGet returns a time-limited download URL.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	// PresignPut returns a time-limited upload URL.
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)

	// Type returns "local" or "s3".
	Type() string
}

// New creates an ObjectStore based on config. Returns an error if S3 is
// configured but unreachable.
func New(cfg config.StorageConfig, log zerolog.Logger) (ObjectStore, error) {
	logger := log.With().Str("component", "storage").Logger()
	if !cfg.S3Enabled() {
		logger.Info().Str("dir", cfg.LocalDir).Msg("using local object store")
		return NewLocalStore(cfg.LocalDir, cfg.PublicBaseURL), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.S3Bucket, cfg.S3Endpoint, err)
	}
	logger.Info().Str("bucket", cfg.S3Bucket).Str("endpoint", cfg.S3Endpoint).Msg("S3 connection verified")
	return s3store, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// CleanKey normalizes an object key and rejects keys that escape the
// store root.
func CleanKey(key string) (string, error) {
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" || k == "." || strings.Contains(key, "..") {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return k, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
