package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type MockMessageService struct {
	mock.Mock
}

func (m *MockMessageService) Send(ctx context.Context, req model.SingleSendRequest) (*model.Message, string, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.String(1), args.Error(2)
	}
	return args.Get(0).(*model.Message), args.String(1), args.Error(2)
}

func (m *MockMessageService) Get(ctx context.Context, id int64) (*model.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

func (m *MockMessageService) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*model.Message), args.Get(1).(int64), args.Error(2)
}

func setupTestContext(method, path string, body []byte) *xhttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func decodeBody(t *testing.T, ctx *xhttp.RequestCtx) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &out))
	return out
}

func TestMessageHandler_SendMessage(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		svc := new(MockMessageService)
		handler := NewMessageHandler(svc)

		body, _ := json.Marshal(sendMessageRequest{PhoneNumber: "+15551234567", Content: "hello", SimID: 1})
		svc.On("Send", mock.Anything, model.SingleSendRequest{Recipient: "+15551234567", Content: "hello", ChannelID: 1}).
			Return(&model.Message{ID: 42}, "task-42", nil)

		ctx := setupTestContext("POST", "/api/v1/sms", body)
		handler.SendMessage(ctx)

		assert.Equal(t, xhttp.StatusAccepted, ctx.Response.StatusCode())
		resp := decodeBody(t, ctx)
		assert.Equal(t, "accepted", resp["status"])
		assert.Equal(t, float64(42), resp["message_id"])
		assert.Equal(t, "task-42", resp["task_id"])
		assert.Equal(t, "/api/v1/sms/42", resp["url"])
		svc.AssertExpectations(t)
	})

	t.Run("missing field", func(t *testing.T) {
		svc := new(MockMessageService)
		handler := NewMessageHandler(svc)

		ctx := setupTestContext("POST", "/api/v1/sms", []byte(`{"phone_number":"+15551234567"}`))
		handler.SendMessage(ctx)

		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
		assert.Equal(t, "Missing required field: content", decodeBody(t, ctx)["error"])
		svc.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("no body", func(t *testing.T) {
		handler := NewMessageHandler(new(MockMessageService))
		ctx := setupTestContext("POST", "/api/v1/sms", nil)
		handler.SendMessage(ctx)
		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
	})

	t.Run("service validation error", func(t *testing.T) {
		svc := new(MockMessageService)
		handler := NewMessageHandler(svc)
		svc.On("Send", mock.Anything, mock.Anything).
			Return(nil, "", model.NewValidationError("phone_number", "Phone number must start with + and be at least 7 characters"))

		ctx := setupTestContext("POST", "/api/v1/sms", []byte(`{"phone_number":"123","content":"x"}`))
		handler.SendMessage(ctx)

		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
		assert.Equal(t, "Phone number must start with + and be at least 7 characters", decodeBody(t, ctx)["error"])
	})

	t.Run("infrastructure error", func(t *testing.T) {
		svc := new(MockMessageService)
		handler := NewMessageHandler(svc)
		svc.On("Send", mock.Anything, mock.Anything).Return(nil, "", errors.New("redis down"))

		ctx := setupTestContext("POST", "/api/v1/sms", []byte(`{"phone_number":"+15551234567","content":"x"}`))
		handler.SendMessage(ctx)

		assert.Equal(t, xhttp.StatusInternalServerError, ctx.Response.StatusCode())
	})
}

func TestMessageHandler_GetMessage(t *testing.T) {
	svc := new(MockMessageService)
	handler := NewMessageHandler(svc)
	svc.On("Get", mock.Anything, int64(5)).Return(&model.Message{ID: 5, Status: model.MessageStatusSent}, nil)
	svc.On("Get", mock.Anything, int64(6)).Return(nil, fmt.Errorf("lookup: %w", repository.ErrMessageNotFound))

	ctx := setupTestContext("GET", "/api/v1/sms/5", nil)
	ctx.SetUserValue("id", "5")
	handler.GetMessage(ctx)
	assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "sent", decodeBody(t, ctx)["status"])

	ctx = setupTestContext("GET", "/api/v1/sms/6", nil)
	ctx.SetUserValue("id", "6")
	handler.GetMessage(ctx)
	assert.Equal(t, xhttp.StatusNotFound, ctx.Response.StatusCode())
	assert.Equal(t, "Message not found", decodeBody(t, ctx)["error"])

	ctx = setupTestContext("GET", "/api/v1/sms/abc", nil)
	ctx.SetUserValue("id", "abc")
	handler.GetMessage(ctx)
	assert.Equal(t, xhttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestMessageHandler_ListMessages(t *testing.T) {
	t.Run("filters and pagination", func(t *testing.T) {
		svc := new(MockMessageService)
		handler := NewMessageHandler(svc)

		jobID := int64(3)
		want := model.MessageFilter{
			JobID:    &jobID,
			Statuses: []model.MessageStatus{model.MessageStatusSent, model.MessageStatusFailed},
			Page:     2,
			PerPage:  model.MaxMessagePageSize,
		}
		svc.On("List", mock.Anything, want).Return([]*model.Message{{ID: 1}, {ID: 2}}, int64(102), nil)

		ctx := setupTestContext("GET", "/api/v1/sms?job_id=3&status=sent,%20failed&page=2&per_page=500", nil)
		handler.ListMessages(ctx)

		assert.Equal(t, xhttp.StatusOK, ctx.Response.StatusCode())
		resp := decodeBody(t, ctx)
		assert.Equal(t, float64(102), resp["total"])
		assert.Equal(t, float64(3), resp["pages"])
		assert.Equal(t, float64(2), resp["current_page"])
		assert.Len(t, resp["messages"], 2)
		svc.AssertExpectations(t)
	})

	t.Run("bad job id", func(t *testing.T) {
		handler := NewMessageHandler(new(MockMessageService))
		ctx := setupTestContext("GET", "/api/v1/sms?job_id=x", nil)
		handler.ListMessages(ctx)
		assert.Equal(t, xhttp.StatusBadRequest, ctx.Response.StatusCode())
	})
}

func TestHelperFunctions(t *testing.T) {
	t.Run("queryInt falls back", func(t *testing.T) {
		ctx := setupTestContext("GET", "/x?page=abc&per_page=7", nil)
		assert.Equal(t, 1, queryInt(ctx, "page", 1))
		assert.Equal(t, 7, queryInt(ctx, "per_page", 50))
		assert.Equal(t, 9, queryInt(ctx, "missing", 9))
	})

	t.Run("writeError", func(t *testing.T) {
		ctx := setupTestContext("GET", "/x", nil)
		writeError(ctx, 418, "teapot")
		assert.Equal(t, 418, ctx.Response.StatusCode())
		assert.JSONEq(t, `{"error":"teapot"}`, string(ctx.Response.Body()))
		assert.Contains(t, string(ctx.Response.Header.ContentType()), "application/json")
	})

	t.Run("validateRequest uses json names", func(t *testing.T) {
		err := validateRequest(sendMessageRequest{Content: "x"})
		assert.EqualError(t, err, "Missing required field: phone_number")
		assert.ErrorIs(t, err, model.ErrValidation)
	})
}
