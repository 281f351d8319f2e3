package api

import (
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"github.com/storyloom/story-pipeline/internal/storage"
)

const defaultUploadTTL = 15 * time.Minute

// UploadHandler issues presigned upload URLs for raw story recordings.
type UploadHandler struct {
	store storage.ObjectStore
	ttl   time.Duration
	now   func() time.Time
}

func NewUploadHandler(store storage.ObjectStore, ttl time.Duration) *UploadHandler {
	if ttl <= 0 {
		ttl = defaultUploadTTL
	}
	return &UploadHandler{store: store, ttl: ttl, now: time.Now}
}

type presignRequest struct {
	StoryID     string `json:"storyId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

type presignResponse struct {
	Key       string    `json:"key"`
	UploadURL string    `json:"uploadUrl"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Presign returns a PUT URL for uploads/{storyId}/{uuid}{ext}. The returned
// key is what the audio job's audioKey should carry.
func (h *UploadHandler) Presign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.StoryID == "" {
		WriteError(w, http.StatusBadRequest, "storyId is required")
		return
	}
	if !strings.HasPrefix(req.ContentType, "audio/") {
		WriteError(w, http.StatusBadRequest, "contentType must be an audio type")
		return
	}

	key, err := storage.CleanKey("uploads/" + req.StoryID + "/" + uuid.NewString() + uploadExt(req.Filename))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid storyId")
		return
	}

	u, err := h.store.PresignPut(r.Context(), key, req.ContentType, h.ttl)
	if errors.Is(err, storage.ErrUnsupported) {
		WriteError(w, http.StatusNotImplemented, "storage backend does not support presigned uploads")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("presign upload failed")
		WriteError(w, http.StatusInternalServerError, "failed to presign upload")
		return
	}

	WriteJSON(w, http.StatusOK, presignResponse{
		Key:       key,
		UploadURL: u,
		Method:    http.MethodPut,
		ExpiresAt: h.now().Add(h.ttl).UTC(),
	})
}

func uploadExt(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}
