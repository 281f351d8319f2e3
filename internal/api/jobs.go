package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"github.com/storyloom/story-pipeline/internal/pipeline"
	"github.com/storyloom/story-pipeline/internal/queue"
)

// JobsHandler enqueues pipeline jobs on behalf of the application API.
type JobsHandler struct {
	queues QueueService
}

func NewJobsHandler(queues QueueService) *JobsHandler {
	return &JobsHandler{queues: queues}
}

type enqueueResponse struct {
	JobID string `json:"jobId"`
	Queue string `json:"queue"`
}

func (h *JobsHandler) EnqueueAudio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		pipeline.AudioJob
		JobID string `json:"jobId,omitempty"`
	}
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	h.enqueue(w, r, pipeline.QueueAudio, req.JobID, func(ctx context.Context, opts ...queue.EnqueueOption) (string, error) {
		return h.queues.AddAudioProcessingJob(ctx, req.AudioJob, opts...)
	})
}

func (h *JobsHandler) EnqueueSTT(w http.ResponseWriter, r *http.Request) {
	var req struct {
		pipeline.STTJob
		JobID string `json:"jobId,omitempty"`
	}
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	h.enqueue(w, r, pipeline.QueueSTT, req.JobID, func(ctx context.Context, opts ...queue.EnqueueOption) (string, error) {
		return h.queues.AddSTTProcessingJob(ctx, req.STTJob, opts...)
	})
}

func (h *JobsHandler) EnqueueExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		pipeline.ExportJob
		JobID string `json:"jobId,omitempty"`
	}
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	h.enqueue(w, r, pipeline.QueueExport, req.JobID, func(ctx context.Context, opts ...queue.EnqueueOption) (string, error) {
		return h.queues.AddExportProcessingJob(ctx, req.ExportJob, opts...)
	})
}

func (h *JobsHandler) enqueue(w http.ResponseWriter, r *http.Request, name, jobID string, add func(context.Context, ...queue.EnqueueOption) (string, error)) {
	var opts []queue.EnqueueOption
	if jobID != "" {
		opts = append(opts, queue.WithJobID(jobID))
	}
	id, err := add(r.Context(), opts...)
	switch {
	case errors.Is(err, pipeline.ErrInvalidPayload):
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrClosed):
		WriteError(w, http.StatusServiceUnavailable, "queue is shutting down")
		return
	case err != nil:
		hlog.FromRequest(r).Error().Err(err).Str("queue", name).Msg("enqueue failed")
		WriteError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	hlog.FromRequest(r).Debug().Str("queue", name).Str("job_id", id).Msg("job enqueued")
	WriteJSON(w, http.StatusAccepted, enqueueResponse{JobID: id, Queue: name})
}
