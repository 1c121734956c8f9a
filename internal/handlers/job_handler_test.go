package handlers

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"testing"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/services"
	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockJobService struct {
	mock.Mock
	uploaded string
}

func (m *MockJobService) SubmitUpload(ctx context.Context, up services.Upload) (string, error) {
	if up.Content != nil {
		b, _ := io.ReadAll(up.Content)
		m.uploaded = string(b)
	}
	up.Content = nil
	args := m.Called(ctx, up)
	return args.String(0), args.Error(1)
}

func (m *MockJobService) Get(ctx context.Context, id int64) (*model.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Job), args.Error(1)
}

func (m *MockJobService) List(ctx context.Context, f model.JobFilter) ([]*model.Job, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Job), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) Cancel(ctx context.Context, id int64) (*model.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Job), args.Error(1)
}

func multipartContext(t *testing.T, fields map[string]string, filename, content string) *xhttp.RequestCtx {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	ctx := setupTestContext("POST", "/api/v1/sms/bulk", buf.Bytes())
	ctx.Request.Header.SetContentType(w.FormDataContentType())
	return ctx
}

func TestJobHandler_UploadBulk(t *testing.T) {
	const csv = "phone_number,message\n+15550000001,hi\n"

	t.Run("accepted", func(t *testing.T) {
		svc := new(MockJobService)
		handler := NewJobHandler(svc)
		svc.On("SubmitUpload", mock.Anything, services.Upload{Filename: "list.csv", ChannelID: 2, Delay: 0.5}).Return("task-1", nil)

		ctx := multipartContext(t, map[string]string{"sim_id": "2", "delay": "0.5"}, "list.csv", csv)
		handler.UploadBulk(ctx)

		assert.Equal(t, xhttp.StatusAccepted, ctx.Response.StatusCode())
		resp := decodeBody(t, ctx)
		assert.Equal(t, "accepted", resp["status"])
		assert.Equal(t, "task-1", resp["task_id"])
		assert.Equal(t, "CSV file queued for processing", resp["message"])
		assert.Equal(t, csv, svc.uploaded)
		svc.AssertExpectations(t)
	})

	t.Run("defaults", func(t *testing.T) {
		svc := new(MockJobService)
		handler := NewJobHandler(svc)
		svc.On("SubmitUpload", mock.Anything, services.Upload{Filename: "list.csv", ChannelID: model.DefaultChannelID, Delay: 1}).Return("task-2", nil)

		ctx := multipartContext(t, nil, "list.csv", csv)
		handler.UploadBulk(ctx)
		assert.Equal(t, xhttp.StatusAccepted, ctx.Response.StatusCode())
	})

	t.Run("no file", func(t *testing.T) {
		svc := new(MockJobService)
		handler := NewJobHandler(svc)

		ctx := multipartContext(t, map[string]string{"delay": "1"}, "", "")
		handler.UploadBulk(ctx)

		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
		assert.Equal(t, "No file provided", decodeBody(t, ctx)["error"])
	})

	t.Run("bad delay", func(t *testing.T) {
		handler := NewJobHandler(new(MockJobService))
		ctx := multipartContext(t, map[string]string{"delay": "fast"}, "list.csv", csv)
		handler.UploadBulk(ctx)
		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
	})

	t.Run("validation error from service", func(t *testing.T) {
		svc := new(MockJobService)
		handler := NewJobHandler(svc)
		svc.On("SubmitUpload", mock.Anything, mock.Anything).Return("", model.NewValidationError("file", "File must be a CSV"))

		ctx := multipartContext(t, nil, "list.txt", csv)
		handler.UploadBulk(ctx)

		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
		assert.Equal(t, "File must be a CSV", decodeBody(t, ctx)["error"])
	})
}

func TestJobHandler_GetJob(t *testing.T) {
	svc := new(MockJobService)
	handler := NewJobHandler(svc)
	svc.On("Get", mock.Anything, int64(1)).Return(&model.Job{
		ID: 1, Status: model.JobStatusProcessing, TotalMessages: 3, SuccessfulMessages: 1, FailedMessages: 1,
	}, nil)
	svc.On("Get", mock.Anything, int64(2)).Return(nil, repository.ErrJobNotFound)

	ctx := setupTestContext("GET", "/api/v1/bulk/1", nil)
	ctx.SetUserValue("id", "1")
	handler.GetJob(ctx)
	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	resp := decodeBody(t, ctx)
	assert.Equal(t, 66.7, resp["progress"])
	assert.Equal(t, "processing", resp["status"])
	assert.Equal(t, float64(3), resp["total_messages"])

	ctx = setupTestContext("GET", "/api/v1/bulk/2", nil)
	ctx.SetUserValue("id", "2")
	handler.GetJob(ctx)
	assert.Equal(t, xhttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, "Job not found", decodeBody(t, ctx)["error"])
}

func TestJobHandler_ListJobs(t *testing.T) {
	svc := new(MockJobService)
	handler := NewJobHandler(svc)

	want := model.JobFilter{CorrelationID: "t-1", Page: 1, PerPage: model.DefaultJobPageSize}
	svc.On("List", mock.Anything, want).Return([]*model.Job{{ID: 9, TotalMessages: 2, SuccessfulMessages: 2}}, int64(1), nil)

	ctx := setupTestContext("GET", "/api/v1/bulk?task_id=t-1", nil)
	handler.ListJobs(ctx)

	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	resp := decodeBody(t, ctx)
	assert.Equal(t, float64(1), resp["total"])
	assert.Equal(t, float64(1), resp["pages"])
	assert.Equal(t, float64(10), resp["per_page"])
	jobs := resp["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, float64(100), jobs[0].(map[string]any)["progress"])
}

func TestJobHandler_CancelJob(t *testing.T) {
	svc := new(MockJobService)
	handler := NewJobHandler(svc)
	svc.On("Cancel", mock.Anything, int64(1)).Return(&model.Job{ID: 1, CancelRequested: true}, nil)
	svc.On("Cancel", mock.Anything, int64(2)).Return(nil, model.ErrJobTerminal)

	ctx := setupTestContext("POST", "/api/v1/bulk/1/cancel", nil)
	ctx.SetUserValue("id", "1")
	handler.CancelJob(ctx)
	assert.Equal(t, xhttp.StatusAccepted, ctx.Response.StatusCode())
	assert.Equal(t, true, decodeBody(t, ctx)["cancel_requested"])

	ctx = setupTestContext("POST", "/api/v1/bulk/2/cancel", nil)
	ctx.SetUserValue("id", "2")
	handler.CancelJob(ctx)
	assert.Equal(t, xhttp.StatusConflict, ctx.Response.StatusCode())
}
