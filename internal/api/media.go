package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/storyloom/story-pipeline/internal/storage"
)

// LocalFiles is implemented by object stores whose blobs live on disk.
type LocalFiles interface {
	Path(key string) (string, bool)
	Stat(ctx context.Context, key string) (*storage.ObjectInfo, error)
}

// MediaHandler serves blobs of the local object store under /media/.
type MediaHandler struct {
	files LocalFiles
}

func NewMediaHandler(files LocalFiles) *MediaHandler {
	return &MediaHandler{files: files}
}

func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	p, ok := h.files.Path(key)
	if !ok {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}
	if info, err := h.files.Stat(r.Context(), key); err == nil && info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	http.ServeFile(w, r, p)
}
