package api

import (
	"context"
	"net/http"
	"time"

	"github.com/storyloom/story-pipeline/internal/queue"
)

// DBChecker reports database reachability.
type DBChecker interface {
	HealthCheck(ctx context.Context) error
}

// BrokerStatus reports the MQTT connection state.
type BrokerStatus interface {
	IsConnected() bool
}

type queueStatser interface {
	GetQueueStats(ctx context.Context) (map[string]queue.Stats, error)
}

type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Checks        map[string]string      `json:"checks"`
	Storage       string                 `json:"storage"`
	STTProviders  []string               `json:"stt_providers"`
	Queues        map[string]queue.Stats `json:"queues,omitempty"`
}

type HealthOptions struct {
	DB           DBChecker
	MQTT         BrokerStatus
	Queues       queueStatser
	StorageType  string
	STTProviders []string
	Version      string
	StartTime    time.Time
}

type HealthHandler struct {
	opts HealthOptions
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	return &HealthHandler{opts: opts}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Database check
	if h.opts.DB != nil {
		if err := h.opts.DB.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

	// MQTT check
	if h.opts.MQTT != nil {
		if h.opts.MQTT.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			degrade()
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	if len(h.opts.STTProviders) == 0 {
		checks["stt"] = "no_providers"
		degrade()
	} else {
		checks["stt"] = "ok"
	}

	resp := HealthResponse{
		Version:       h.opts.Version,
		UptimeSeconds: int64(time.Since(h.opts.StartTime).Seconds()),
		Checks:        checks,
		Storage:       h.opts.StorageType,
		STTProviders:  h.opts.STTProviders,
	}
	if resp.STTProviders == nil {
		resp.STTProviders = []string{}
	}

	if h.opts.Queues != nil {
		stats, err := h.opts.Queues.GetQueueStats(r.Context())
		if err != nil {
			checks["queues"] = "error"
			degrade()
		} else {
			checks["queues"] = "ok"
			resp.Queues = stats
		}
	}

	resp.Status = status
	WriteJSON(w, httpStatus, resp)
}
