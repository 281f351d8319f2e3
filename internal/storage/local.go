package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const metaSuffix = ".meta.json"

// LocalStore stores objects on the local filesystem. Content type and
// metadata live in a sidecar file next to each object.
type LocalStore struct {
	dir        string
	publicBase string
}

type localMeta struct {
	ContentType string            `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewLocalStore creates a local filesystem object store. publicBase is the
// URL prefix under which dir is served.
func NewLocalStore(dir, publicBase string) *LocalStore {
	return &LocalStore{dir: dir, publicBase: publicBase}
}

func (s *LocalStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	info := &ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()}
	if raw, err := os.ReadFile(p + metaSuffix); err == nil {
		var m localMeta
		if json.Unmarshal(raw, &m) == nil {
			info.ContentType = m.ContentType
			info.Metadata = m.Metadata
		}
	}
	return info, nil
}

func (s *LocalStore) Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	meta, err := json.Marshal(localMeta{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeAtomic(p+metaSuffix, meta); err != nil {
		return "", err
	}
	if err := writeAtomic(p, data); err != nil {
		return "", err
	}
	return key, nil
}

func (s *LocalStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	for _, f := range []string{p, p + metaSuffix} {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *LocalStore) PublicURL(key string) string {
	return joinURL(s.publicBase, key)
}

// PresignGet returns the public URL with an expiry hint. The local backend
// serves files without signature checks.
func (s *LocalStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.path(key); err != nil {
		return "", err
	}
	q := url.Values{"expires": {strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)}}
	return s.PublicURL(key) + "?" + q.Encode(), nil
}

func (s *LocalStore) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return "", ErrUnsupported
}

func (s *LocalStore) Type() string { return "local" }

// Dir returns the storage root directory.
func (s *LocalStore) Dir() string { return s.dir }

// Path returns the filesystem path of key if it is a stored object.
func (s *LocalStore) Path(key string) (string, bool) {
	if strings.HasSuffix(key, metaSuffix) {
		return "", false
	}
	p, err := s.path(key)
	if err != nil {
		return "", false
	}
	if fi, err := os.Stat(p); err != nil || fi.IsDir() {
		return "", false
	}
	return p, true
}

func (s *LocalStore) path(key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(k)), nil
}

// writeAtomic writes via temp file + rename so readers never see partial data.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".object-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
