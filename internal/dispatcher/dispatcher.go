package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchPause   = 2 * time.Second
	DefaultMonitorDelay = 5 * time.Second
)

type Scheduler interface {
	Enqueue(ctx context.Context, task queue.Task) (string, error)
	Schedule(ctx context.Context, task queue.Task, at time.Time) error
}

type CancelChecker interface {
	IsCancelRequested(ctx context.Context, id int64) (bool, error)
}

// Watcher arms progress polling for a job.
type Watcher interface {
	Watch(jobID int64, initialDelay time.Duration)
}

type Config struct {
	BatchSize    int
	BatchPause   time.Duration
	MonitorDelay time.Duration
}

type Dispatcher struct {
	scheduler Scheduler
	jobs      CancelChecker
	watcher   Watcher
	config    Config
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func New(scheduler Scheduler, jobs CancelChecker, watcher Watcher, config Config) *Dispatcher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchPause < 0 {
		config.BatchPause = 0
	}
	if config.MonitorDelay <= 0 {
		config.MonitorDelay = DefaultMonitorDelay
	}
	return &Dispatcher{
		scheduler: scheduler,
		jobs:      jobs,
		watcher:   watcher,
		config:    config,
		now:       time.Now,
		sleep:     sleep,
	}
}

// Dispatch schedules one send per message id on the bulk lane. Within a batch
// message i becomes eligible i*delay after the batch start, and a batch never
// starts earlier than delay after the previous batch's last send, so spacing
// never drops below delay. Scheduling stops once the job is cancelled. The
// progress monitor is armed on every return.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID int64, messageIDs []int64, delay time.Duration) (int, error) {
	scheduled := 0
	var last time.Time

	defer func() {
		d.watcher.Watch(jobID, d.config.MonitorDelay)
	}()

	for start := 0; start < len(messageIDs); start += d.config.BatchSize {
		if start > 0 && d.config.BatchPause > 0 {
			if err := d.sleep(ctx, d.config.BatchPause); err != nil {
				return scheduled, err
			}
		}

		end := start + d.config.BatchSize
		if end > len(messageIDs) {
			end = len(messageIDs)
		}

		batchStart := d.now()
		if !last.IsZero() && last.Add(delay).After(batchStart) {
			batchStart = last.Add(delay)
		}

		for i, id := range messageIDs[start:end] {
			cancelled, err := d.jobs.IsCancelRequested(ctx, jobID)
			if err != nil {
				return scheduled, fmt.Errorf("check cancellation of job %d: %w", jobID, err)
			}
			if cancelled {
				logger.Info("job cancelled, dispatch stopped", "job_id", jobID, "scheduled", scheduled, "total", len(messageIDs))
				return scheduled, nil
			}

			jid := jobID
			task, err := queue.NewTask(queue.TaskSendMessage, queue.LaneBulk, queue.SendMessagePayload{MessageID: id, JobID: &jid})
			if err != nil {
				return scheduled, err
			}

			at := batchStart.Add(time.Duration(i) * delay)
			if err := d.scheduler.Schedule(ctx, task, at); err != nil {
				return scheduled, fmt.Errorf("schedule message %d: %w", id, err)
			}
			last = at
			scheduled++
		}

		logger.Info("dispatched batch", "job_id", jobID, "batch", start/d.config.BatchSize+1, "scheduled", scheduled, "total", len(messageIDs))
	}
	return scheduled, nil
}

// DispatchSingle makes an ad-hoc send eligible immediately on the priority
// lane and returns the task id.
func (d *Dispatcher) DispatchSingle(ctx context.Context, messageID int64) (string, error) {
	task, err := queue.NewTask(queue.TaskSendMessage, queue.LanePriority, queue.SendMessagePayload{MessageID: messageID})
	if err != nil {
		return "", err
	}
	if _, err := d.scheduler.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue message %d: %w", messageID, err)
	}
	return task.ID, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
