package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/fasthttp/router"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/services"
	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
	"github.com/valyala/fasthttp"
)

type JobService interface {
	SubmitUpload(ctx context.Context, up services.Upload) (string, error)
	Get(ctx context.Context, id int64) (*model.Job, error)
	List(ctx context.Context, f model.JobFilter) ([]*model.Job, int64, error)
	Cancel(ctx context.Context, id int64) (*model.Job, error)
}

type JobHandler struct {
	svc JobService
}

func RegisterJobRoutes(e *router.Group, h *JobHandler) {
	e.POST("/sms/bulk", limited(BulkRateLimit, h.UploadBulk))
	e.GET("/bulk", h.ListJobs)
	e.GET("/bulk/{id}", h.GetJob)
	e.POST("/bulk/{id}/cancel", h.CancelJob)
}

func NewJobHandler(jobService JobService) *JobHandler {
	return &JobHandler{svc: jobService}
}

type acceptedResponse struct {
	Status  string `json:"status"`
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// jobResponse is a job with its derived progress percentage.
type jobResponse struct {
	*model.Job
	Progress float64 `json:"progress"`
}

type listJobsResponse struct {
	pageResponse
	Jobs []jobResponse `json:"jobs"`
}

func newJobResponse(job *model.Job) jobResponse {
	return jobResponse{Job: job, Progress: job.Progress()}
}

func (h *JobHandler) UploadBulk(ctx *xhttp.RequestCtx) {
	up := services.Upload{ChannelID: model.DefaultChannelID, Delay: 1.0}

	if v := strings.TrimSpace(string(ctx.FormValue("sim_id"))); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "sim_id must be an integer")
			return
		}
		up.ChannelID = n
	}
	if v := strings.TrimSpace(string(ctx.FormValue("delay"))); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "delay must be a number")
			return
		}
		up.Delay = d
	}

	fh, err := ctx.FormFile("file")
	switch {
	case errors.Is(err, fasthttp.ErrMissingFile), errors.Is(err, fasthttp.ErrNoMultipartForm):
		writeError(ctx, xhttp.StatusBadRequest, "No file provided")
		return
	case err != nil:
		writeError(ctx, xhttp.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	f, err := fh.Open()
	if err != nil {
		writeServiceError(ctx, err, "")
		return
	}
	defer f.Close()

	up.Filename = fh.Filename
	up.Content = f
	taskID, err := h.svc.SubmitUpload(ctx, up)
	if err != nil {
		writeServiceError(ctx, err, "")
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, acceptedResponse{
		Status:  "accepted",
		TaskID:  taskID,
		Message: "CSV file queued for processing",
	})
}

func (h *JobHandler) GetJob(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusNotFound, "Job not found")
		return
	}
	job, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err, "Job not found")
		return
	}
	writeJSON(ctx, xhttp.StatusOK, newJobResponse(job))
}

func (h *JobHandler) ListJobs(ctx *xhttp.RequestCtx) {
	f := model.JobFilter{
		CorrelationID: query(ctx, "task_id"),
		Page:          queryInt(ctx, "page", 1),
		PerPage:       queryInt(ctx, "per_page", model.DefaultJobPageSize),
	}
	if v := query(ctx, "status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Statuses = append(f.Statuses, model.JobStatus(part))
			}
		}
	}
	f = f.Normalize()

	jobs, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeServiceError(ctx, err, "")
		return
	}
	out := listJobsResponse{
		pageResponse: newPage(total, f.Page, f.PerPage),
		Jobs:         make([]jobResponse, 0, len(jobs)),
	}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, newJobResponse(job))
	}
	writeJSON(ctx, xhttp.StatusOK, out)
}

func (h *JobHandler) CancelJob(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusNotFound, "Job not found")
		return
	}
	job, err := h.svc.Cancel(ctx, id)
	if err != nil {
		writeServiceError(ctx, err, "Job not found")
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, newJobResponse(job))
}
