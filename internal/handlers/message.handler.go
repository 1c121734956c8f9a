package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fasthttp/router"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	xhttp "github.com/nimasrn/bulk-sms-orchestrator/pkg/http"
)

type MessageService interface {
	Send(ctx context.Context, req model.SingleSendRequest) (*model.Message, string, error)
	Get(ctx context.Context, id int64) (*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error)
}

type MessageHandler struct {
	svc MessageService
}

func RegisterMessageRoutes(e *router.Group, h *MessageHandler) {
	e.POST("/sms", limited(SendRateLimit, h.SendMessage))
	e.GET("/sms", h.ListMessages)
	e.GET("/sms/{id}", h.GetMessage)
}

func NewMessageHandler(messageService MessageService) *MessageHandler {
	return &MessageHandler{
		svc: messageService,
	}
}

type sendMessageRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	Content     string `json:"content" validate:"required"`
	SimID       int    `json:"sim_id" validate:"gte=0"`
}

type sendMessageResponse struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id"`
	TaskID    string `json:"task_id"`
	URL       string `json:"url"`
}

type listMessagesResponse struct {
	pageResponse
	Messages []*model.Message `json:"messages"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *MessageHandler) SendMessage(ctx *xhttp.RequestCtx) {
	var req sendMessageRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
		return
	}

	msg, taskID, err := h.svc.Send(ctx, model.SingleSendRequest{
		Recipient: req.PhoneNumber,
		Content:   req.Content,
		ChannelID: req.SimID,
	})
	if err != nil {
		writeServiceError(ctx, err, "Message not found")
		return
	}
	writeJSON(ctx, xhttp.StatusAccepted, sendMessageResponse{
		Status:    "accepted",
		MessageID: msg.ID,
		TaskID:    taskID,
		URL:       fmt.Sprintf("%s/sms/%d", APIPrefix, msg.ID),
	})
}

func (h *MessageHandler) GetMessage(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusNotFound, "Message not found")
		return
	}
	msg, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err, "Message not found")
		return
	}
	writeJSON(ctx, xhttp.StatusOK, msg)
}

func (h *MessageHandler) ListMessages(ctx *xhttp.RequestCtx) {
	f := model.MessageFilter{
		Page:    queryInt(ctx, "page", 1),
		PerPage: queryInt(ctx, "per_page", model.DefaultMessagePage),
	}
	if v := query(ctx, "job_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "job_id must be a number")
			return
		}
		f.JobID = &id
	}
	if v := query(ctx, "status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Statuses = append(f.Statuses, model.MessageStatus(part))
			}
		}
	}
	f = f.Normalize()

	items, total, err := h.svc.List(ctx, f)
	if err != nil {
		writeServiceError(ctx, err, "")
		return
	}
	writeJSON(ctx, xhttp.StatusOK, listMessagesResponse{
		pageResponse: newPage(total, f.Page, f.PerPage),
		Messages:     items,
	})
}
