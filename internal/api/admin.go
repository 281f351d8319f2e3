package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
)

// AdminHandler exposes queue operations to operators.
type AdminHandler struct {
	queues    QueueService
	retention time.Duration
}

func NewAdminHandler(queues QueueService, retention time.Duration) *AdminHandler {
	return &AdminHandler{queues: queues, retention: retention}
}

// Stats returns per-queue job counts.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queues.GetQueueStats(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("queue stats failed")
		WriteError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

// Pause stops all queues from claiming new jobs.
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.queues.PauseQueues()
	WriteJSON(w, http.StatusOK, map[string]any{"paused": true})
}

// Resume re-enables claiming on all queues.
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.queues.ResumeQueues()
	WriteJSON(w, http.StatusOK, map[string]any{"paused": false})
}

// Cleanup removes finished jobs older than ?retention= (default from config).
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	retention, err := QueryDuration(r, "retention", h.retention)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.queues.CleanupCompletedJobs(r.Context(), retention)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("queue cleanup failed")
		WriteError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"removed":   n,
		"retention": retention.String(),
	})
}
