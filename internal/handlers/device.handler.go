package handlers

import (
	"context"

	"github.com/fasthttp/router"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/services"
	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
)

type DeviceService interface {
	Status(ctx context.Context) (*services.DeviceReport, error)
	Check(ctx context.Context) (string, error)
}

type StatsService interface {
	Stats(ctx context.Context) (*services.Stats, error)
}

type DeviceHandler struct {
	devices DeviceService
	stats   StatsService
}

func RegisterDeviceRoutes(e *router.Group, h *DeviceHandler) {
	e.GET("/device/status", limited(DeviceStatusLimit, h.GetDeviceStatus))
	e.POST("/device/check", limited(DeviceCheckRateLimit, h.CheckDevice))
	e.GET("/stats", h.GetStats)
}

func NewDeviceHandler(devices DeviceService, stats StatsService) *DeviceHandler {
	return &DeviceHandler{devices: devices, stats: stats}
}

type deviceProgressResponse struct {
	Status     string              `json:"status"`
	Message    string              `json:"message"`
	LastStatus *model.DeviceStatus `json:"last_status,omitempty"`
	TaskID     string              `json:"task_id"`
}

type statsResponse struct {
	Messages services.MessageStats `json:"messages"`
	Jobs     services.JobStats     `json:"jobs"`
	Device   any                   `json:"device"`
}

// noDevice is reported until the first probe is recorded.
var noDevice = map[string]any{"connected": false, "state": nil}

func (h *DeviceHandler) GetDeviceStatus(ctx *xhttp.RequestCtx) {
	report, err := h.devices.Status(ctx)
	if err != nil {
		writeServiceError(ctx, err, "")
		return
	}
	switch {
	case report.Checking:
		writeJSON(ctx, xhttp.StatusOK, deviceProgressResponse{
			Status:  "checking",
			Message: "Checking device status...",
			TaskID:  report.TaskID,
		})
	case report.Refreshing:
		writeJSON(ctx, xhttp.StatusOK, deviceProgressResponse{
			Status:     "refreshing",
			Message:    "Status is outdated, refreshing...",
			LastStatus: report.Device,
			TaskID:     report.TaskID,
		})
	default:
		writeJSON(ctx, xhttp.StatusOK, report.Device)
	}
}

func (h *DeviceHandler) CheckDevice(ctx *xhttp.RequestCtx) {
	taskID, err := h.devices.Check(ctx)
	if err != nil {
		writeServiceError(ctx, err, "")
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, acceptedResponse{
		Status:  "accepted",
		TaskID:  taskID,
		Message: "Device check initiated",
	})
}

func (h *DeviceHandler) GetStats(ctx *xhttp.RequestCtx) {
	stats, err := h.stats.Stats(ctx)
	if err != nil {
		writeServiceError(ctx, err, "")
		return
	}
	out := statsResponse{Messages: stats.Messages, Jobs: stats.Jobs, Device: noDevice}
	if stats.Device != nil {
		out.Device = stats.Device
	}
	writeJSON(ctx, xhttp.StatusOK, out)
}
