package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/transport"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/prom"
	"golang.org/x/time/rate"
)

var (
	ErrMessageNotFound     = errors.New("message not found")
	ErrRejected            = errors.New("message rejected by transport")
	ErrMaxAttemptsExceeded = errors.New("send attempts exhausted")
	ErrDeviceNotConnected  = fmt.Errorf("%w: device not connected", transport.ErrUnavailable)
)

const markSentTries = 3

type MessageStore interface {
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	MarkProcessing(ctx context.Context, id int64, at time.Time) (bool, error)
	RecordAttempt(ctx context.Context, id int64, attempt int, cause string) error
	MarkSent(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, cause string) (bool, error)
}

type Gate interface {
	Ready(ctx context.Context) bool
	MarkUnavailable(ctx context.Context, cause error)
}

// Sender performs the transport attempts for a single message.
type Sender struct {
	messages  MessageStore
	gate      Gate
	transport transport.Transport
	limiter   *rate.Limiter
	policy    RetryPolicy
	now       func() time.Time
}

// NewSender builds a sender. A nil limiter leaves sends unthrottled.
func NewSender(messages MessageStore, gate Gate, t transport.Transport, limiter *rate.Limiter, policy RetryPolicy) *Sender {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Sender{
		messages:  messages,
		gate:      gate,
		transport: t,
		limiter:   limiter,
		policy:    policy.normalize(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewLimiter allows perSecond transport operations per second without burst.
func NewLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Send delivers the message with id through the transport and returns its
// final status. A message that is already sent or failed is not resent.
// The message stays processing between attempts and becomes failed only once
// the policy gives up, the transport rejects it, or ctx ends.
func (s *Sender) Send(ctx context.Context, id int64) (model.MessageStatus, error) {
	msg, err := s.messages.GetByID(ctx, id)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return "", fmt.Errorf("message %d: %w", id, ErrMessageNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load message %d: %w", id, err)
	}
	if msg.Status.IsTerminal() {
		logger.Debug("message already finished, skipping", "message_id", id, "status", msg.Status)
		return msg.Status, nil
	}

	taken, err := s.messages.MarkProcessing(ctx, id, s.now())
	if err != nil {
		return "", fmt.Errorf("mark message %d processing: %w", id, err)
	}
	if !taken {
		current, err := s.messages.GetByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("reload message %d: %w", id, err)
		}
		return current.Status, nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, s.policy.Backoff(attempt-1)); err != nil {
				return s.fail(ctx, msg, err)
			}
		}

		sent, err := s.attempt(ctx, msg, attempt)
		switch {
		case sent:
			return model.MessageStatusSent, nil
		case ctx.Err() != nil:
			return s.fail(ctx, msg, ctx.Err())
		case errors.Is(err, ErrRejected):
			return s.fail(ctx, msg, err)
		}

		lastErr = err
		logger.Warn("send attempt failed", "message_id", id, "attempt", attempt, "max_attempts", s.policy.MaxAttempts, "error", err)
		if rerr := s.messages.RecordAttempt(ctx, id, attempt, err.Error()); rerr != nil {
			logger.Error("record send attempt failed", "message_id", id, "error", rerr)
		}
	}

	return s.fail(ctx, msg, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, s.policy.MaxAttempts, lastErr))
}

// attempt runs one gated transport call. It returns true once the message is
// marked sent; otherwise the error says whether to retry.
func (s *Sender) attempt(ctx context.Context, msg *model.Message, attempt int) (bool, error) {
	if !s.gate.Ready(ctx) {
		s.gate.MarkUnavailable(ctx, ErrDeviceNotConnected)
		return false, ErrDeviceNotConnected
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	start := time.Now()
	ok, err := s.transport.SendOne(ctx, msg.Recipient, msg.Content, msg.ChannelID)
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil && ok:
		prom.SendAttemptDuration(elapsed, "sent")
		// the device accepted it; resending would duplicate, so only the write is retried
		s.markSent(ctx, msg.ID)
		prom.MessageFinished(string(model.MessageStatusSent))
		logger.Info("message sent", "message_id", msg.ID, "attempt", attempt, "job_id", msg.JobID)
		return true, nil
	case err == nil, !transport.IsTransient(err):
		prom.SendAttemptDuration(elapsed, "rejected")
		if err == nil {
			return false, ErrRejected
		}
		return false, fmt.Errorf("%w: %w", ErrRejected, err)
	default:
		prom.SendAttemptDuration(elapsed, "transient")
		return false, err
	}
}

// markSent records an accepted send. The write runs on a detached context
// so a hard timeout that fires during the transport call cannot lose it.
func (s *Sender) markSent(ctx context.Context, id int64) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	at := s.now()
	var err error
	for try := 0; try < markSentTries; try++ {
		if try > 0 {
			if serr := sleep(wctx, time.Duration(try)*100*time.Millisecond); serr != nil {
				break
			}
		}
		if _, err = s.messages.MarkSent(wctx, id, at); err == nil {
			return
		}
		logger.Warn("mark message sent failed, retrying", "message_id", id, "try", try+1, "error", err)
	}
	logger.Error("mark message sent failed", "message_id", id, "error", err)
}

// fail marks the message failed. It uses a detached context so a hard
// timeout still records the outcome.
func (s *Sender) fail(ctx context.Context, msg *model.Message, cause error) (model.MessageStatus, error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := s.messages.MarkFailed(wctx, msg.ID, cause.Error()); err != nil {
		logger.Error("mark message failed failed", "message_id", msg.ID, "error", err)
	}
	prom.MessageFinished(string(model.MessageStatusFailed))
	logger.Warn("message failed", "message_id", msg.ID, "job_id", msg.JobID, "error", cause)
	return model.MessageStatusFailed, cause
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
