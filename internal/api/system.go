package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mindfulme/mindfulme/internal/agent"
	"github.com/mindfulme/mindfulme/internal/chat"
)

const healthTimeout = 3 * time.Second

// DelegateProber reports the health of the external delegate.
type DelegateProber interface {
	Health(ctx context.Context) (*agent.HealthStatus, error)
}

// SystemHandler serves health and client configuration.
type SystemHandler struct {
	svc      *chat.Service
	delegate DelegateProber
}

// NewSystemHandler creates a system handler. delegate is nil in local mode.
func NewSystemHandler(svc *chat.Service, delegate DelegateProber) *SystemHandler {
	return &SystemHandler{svc: svc, delegate: delegate}
}

type healthResponse struct {
	Status   string `json:"status"`
	Mode     string `json:"chat_mode"`
	Storage  string `json:"storage"`
	Delegate string `json:"delegate,omitempty"`
}

// RegisterRoutes registers the authenticated config route.
func (h *SystemHandler) RegisterRoutes(r chi.Router) {
	r.Get("/config", h.GetConfig)
}

// Health reports storage status and, in delegate mode, delegate status.
// An unhealthy delegate does not fail the overall status.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Mode: h.svc.Mode(), Storage: "ok"}
	status := http.StatusOK

	if err := h.svc.Ping(ctx); err != nil {
		slog.Error("Storage health check failed", "error", err)
		resp.Status = "degraded"
		resp.Storage = "unavailable"
		status = http.StatusServiceUnavailable
	}

	if h.delegate != nil {
		resp.Delegate = "ok"
		if _, err := h.delegate.Health(ctx); err != nil {
			slog.Warn("Delegate health check failed", "error", err)
			resp.Delegate = "unavailable"
		}
	}

	JSON(w, status, resp)
}

// GetConfig returns the server configuration for the frontend.
func (h *SystemHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	base := h.svc.KnowledgeBase()
	JSON(w, http.StatusOK, map[string]interface{}{
		"chat_mode": h.svc.Mode(),
		"intents":   base.Len(),
		"tags":      base.Tags(),
	})
}
