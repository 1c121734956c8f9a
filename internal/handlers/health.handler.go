package handlers

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
)

type HealthService interface {
	Version() string
	Check(ctx context.Context) map[string]string
}

type HealthHandler struct {
	svc HealthService
}

func RegisterHealthRoutes(e *router.Group, h *HealthHandler) {
	e.GET("/health", h.GetHealth)
}

func NewHealthHandler(healthService HealthService) *HealthHandler {
	return &HealthHandler{
		svc: healthService,
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Version   string            `json:"version"`
	Failures  map[string]string `json:"failures,omitempty"`
}

func (h *HealthHandler) GetHealth(ctx *xhttp.RequestCtx) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.svc.Version(),
	}
	status := xhttp.StatusOK
	if failures := h.svc.Check(ctx); len(failures) > 0 {
		resp.Status = "degraded"
		resp.Failures = failures
		status = xhttp.StatusServiceUnavailable
	}
	writeJSON(ctx, status, resp)
}
