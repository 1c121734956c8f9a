package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/sender"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

const causeJobCancelled = "job cancelled"

type Sender interface {
	Send(ctx context.Context, id int64) (model.MessageStatus, error)
}

type CancelChecker interface {
	IsCancelRequested(ctx context.Context, id int64) (bool, error)
}

type MessageFailer interface {
	MarkFailed(ctx context.Context, id int64, cause string) (bool, error)
}

type SendMessageProcessor struct {
	sender   Sender
	jobs     CancelChecker
	messages MessageFailer
	lock     *SendLock
}

// NewSendMessageProcessor builds the send processor. lock may be nil.
func NewSendMessageProcessor(s Sender, jobs CancelChecker, messages MessageFailer, lock *SendLock) *SendMessageProcessor {
	return &SendMessageProcessor{
		sender:   s,
		jobs:     jobs,
		messages: messages,
		lock:     lock,
	}
}

func (p *SendMessageProcessor) Type() queue.TaskType {
	return queue.TaskSendMessage
}

// Process sends one message. Outcomes the message row already records are
// acknowledged; only infrastructure errors ask for redelivery.
func (p *SendMessageProcessor) Process(ctx context.Context, task *queue.Delivery) error {
	var payload queue.SendMessagePayload
	if err := task.Decode(&payload); err != nil {
		logger.Error("Dropping send task with bad payload", "task_id", task.ID, "error", err)
		return nil
	}
	id := payload.MessageID

	if p.lock != nil {
		lease, err := p.lock.Acquire(ctx, id)
		switch {
		case errors.Is(err, ErrAlreadyProcessed):
			logger.Info("Message already processed, skipping", "message_id", id)
			return nil
		case errors.Is(err, ErrLockHeld):
			logger.Info("Message is being sent by another worker, skipping", "message_id", id)
			return nil
		case err != nil:
			return err
		}
		defer lease.Release(context.WithoutCancel(ctx))

		status, err := p.send(ctx, payload)
		if status.IsTerminal() {
			_ = lease.Done(context.WithoutCancel(ctx))
		}
		return err
	}

	_, err := p.send(ctx, payload)
	return err
}

func (p *SendMessageProcessor) send(ctx context.Context, payload queue.SendMessagePayload) (model.MessageStatus, error) {
	id := payload.MessageID

	if payload.JobID != nil {
		cancelled, err := p.jobs.IsCancelRequested(ctx, *payload.JobID)
		if err != nil {
			return "", fmt.Errorf("check cancellation of job %d: %w", *payload.JobID, err)
		}
		if cancelled {
			if _, err := p.messages.MarkFailed(ctx, id, causeJobCancelled); err != nil {
				return "", fmt.Errorf("cancel message %d: %w", id, err)
			}
			logger.Info("Job cancelled, message not sent", "message_id", id, "job_id", *payload.JobID)
			return model.MessageStatusFailed, nil
		}
	}

	status, err := p.sender.Send(ctx, id)
	switch {
	case errors.Is(err, sender.ErrMessageNotFound):
		logger.Warn("Message no longer exists, dropping send task", "message_id", id)
		return "", nil
	case err != nil && !status.IsTerminal():
		return status, err
	}
	return status, nil
}
