package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

const dispatchFailedCause = "dispatch failed"

type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) (*model.Message, error)
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) // results, totalCount
	MarkFailed(ctx context.Context, id int64, cause string) (bool, error)
}

// SingleDispatcher makes one ad-hoc message eligible for sending.
type SingleDispatcher interface {
	DispatchSingle(ctx context.Context, messageID int64) (string, error)
}

type MessageService struct {
	messages   MessageRepository
	dispatcher SingleDispatcher
}

func NewMessageService(messages MessageRepository, dispatcher SingleDispatcher) *MessageService {
	return &MessageService{
		messages:   messages,
		dispatcher: dispatcher,
	}
}

// Send stores a pending message and schedules it on the priority lane. It
// returns the message and the id of the send task.
func (s *MessageService) Send(ctx context.Context, req model.SingleSendRequest) (*model.Message, string, error) {
	req.Recipient = strings.TrimSpace(req.Recipient)
	if req.ChannelID == 0 {
		req.ChannelID = model.DefaultChannelID
	}
	if err := req.Validate(); err != nil {
		return nil, "", err
	}

	msg, err := s.messages.Create(ctx, &model.Message{
		Recipient: req.Recipient,
		Content:   req.Content,
		ChannelID: req.ChannelID,
		Status:    model.MessageStatusPending,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create message: %w", err)
	}

	taskID, err := s.dispatcher.DispatchSingle(ctx, msg.ID)
	if err != nil {
		if _, ferr := s.messages.MarkFailed(ctx, msg.ID, dispatchFailedCause); ferr != nil {
			logger.Error("failed to mark undispatched message", "message_id", msg.ID, "error", ferr)
		}
		return nil, "", fmt.Errorf("dispatch message %d: %w", msg.ID, err)
	}

	logger.Info("message accepted", "message_id", msg.ID, "task_id", taskID)
	return msg, taskID, nil
}

func (s *MessageService) Get(ctx context.Context, id int64) (*model.Message, error) {
	return s.messages.GetByID(ctx, id)
}

func (s *MessageService) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	return s.messages.List(ctx, f.Normalize())
}
