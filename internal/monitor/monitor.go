package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/repository"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/prom"
)

const (
	DefaultInterval          = 5 * time.Second
	DefaultMaxTicks          = 17280
	DefaultDeadline          = 24 * time.Hour
	DefaultProcessingTimeout = 15 * time.Minute

	causeProcessingTimeout = "processing timeout exceeded"
	causeCancelled         = "job cancelled"
	causeDeadline          = "monitor deadline exceeded"
)

type JobStore interface {
	GetByID(ctx context.Context, id int64) (*model.Job, error)
	UpdateProgress(ctx context.Context, id int64, successful, failed int) error
	Finish(ctx context.Context, id int64, status model.JobStatus, successful, failed int, at time.Time) (bool, error)
	ListActive(ctx context.Context) ([]*model.Job, error)
}

type MessageStore interface {
	FailStaleProcessing(ctx context.Context, jobID int64, cutoff time.Time, cause string) (int64, error)
	FailByJob(ctx context.Context, jobID int64, cause string, statuses ...model.MessageStatus) (int64, error)
	CountByJob(ctx context.Context, jobID int64) (model.StatusCounts, error)
}

type Config struct {
	Interval          time.Duration
	MaxTicks          int
	Deadline          time.Duration
	ProcessingTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxTicks <= 0 {
		c.MaxTicks = DefaultMaxTicks
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = DefaultProcessingTimeout
	}
	return c
}

// TickResult is the job state observed by one tick.
type TickResult struct {
	JobID  int64
	Status model.JobStatus
	Counts model.StatusCounts
	Done   bool
}

// Monitor polls message aggregates of running jobs and finalizes them. Each
// watched job gets one ticker goroutine owned by the monitor.
type Monitor struct {
	jobs     JobStore
	messages MessageStore
	config   Config
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	watches map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

func New(jobs JobStore, messages MessageStore, config Config) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		jobs:     jobs,
		messages: messages,
		config:   config.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		watches:  make(map[int64]context.CancelFunc),
	}
}

// Tick reconciles one job with its messages. It is idempotent and safe to
// run concurrently with senders: every write is conditional.
func (m *Monitor) Tick(ctx context.Context, jobID int64) (TickResult, error) {
	res := TickResult{JobID: jobID}

	job, err := m.jobs.GetByID(ctx, jobID)
	if errors.Is(err, repository.ErrJobNotFound) {
		res.Done = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load job %d: %w", jobID, err)
	}
	res.Status = job.Status
	if job.IsTerminal() {
		res.Done = true
		return res, nil
	}

	now := m.now()
	stale, err := m.messages.FailStaleProcessing(ctx, jobID, now.Add(-m.config.ProcessingTimeout), causeProcessingTimeout)
	if err != nil {
		return res, fmt.Errorf("fail stale messages of job %d: %w", jobID, err)
	}
	if stale > 0 {
		logger.Warn("force-failed stale messages", "job_id", jobID, "count", stale)
	}

	if job.CancelRequested {
		if _, err := m.messages.FailByJob(ctx, jobID, causeCancelled, model.MessageStatusPending); err != nil {
			return res, fmt.Errorf("cancel messages of job %d: %w", jobID, err)
		}
	}

	counts, err := m.messages.CountByJob(ctx, jobID)
	if err != nil {
		return res, fmt.Errorf("count messages of job %d: %w", jobID, err)
	}
	res.Counts = counts
	sent, failed := int(counts.Sent), int(counts.Failed)

	if counts.InFlight() {
		if err := m.jobs.UpdateProgress(ctx, jobID, sent, failed); err != nil {
			return res, fmt.Errorf("update job %d: %w", jobID, err)
		}
		logger.Debug("job progress", "job_id", jobID, "sent", sent, "failed", failed, "pending", counts.Pending, "processing", counts.Processing)
		return res, nil
	}

	final := model.JobStatusCompleted
	if job.CancelRequested {
		final = model.JobStatusCancelled
	}
	finished, err := m.jobs.Finish(ctx, jobID, final, sent, failed, now)
	if err != nil {
		return res, fmt.Errorf("finish job %d: %w", jobID, err)
	}
	if finished {
		prom.JobFinished(string(final))
		logger.Info("job finished", "job_id", jobID, "status", final, "sent", sent, "failed", failed, "total", job.TotalMessages)
	}
	res.Status = final
	res.Done = true
	return res, nil
}

// Watch starts polling jobID after initialDelay. Watching a job that is
// already watched does nothing.
func (m *Monitor) Watch(jobID int64, initialDelay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}
	if _, ok := m.watches[jobID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.watches[jobID] = cancel
	m.wg.Add(1)
	go m.watch(ctx, jobID, initialDelay)
}

func (m *Monitor) watch(ctx context.Context, jobID int64, initialDelay time.Duration) {
	defer m.wg.Done()
	defer m.forget(jobID)

	deadline := m.now().Add(m.config.Deadline)
	logger.Debug("watching job", "job_id", jobID, "initial_delay", initialDelay, "deadline", deadline)

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for ticks := 1; ; ticks++ {
		res, err := m.Tick(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("job monitor tick failed", "job_id", jobID, "tick", ticks, "error", err)
		} else if res.Done {
			return
		}

		if ticks >= m.config.MaxTicks || !m.now().Before(deadline) {
			m.expire(ctx, jobID, ticks)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// expire fails whatever the job still has open and finalizes it.
func (m *Monitor) expire(ctx context.Context, jobID int64, ticks int) {
	logger.Error("job monitor bound reached, failing remaining messages", "job_id", jobID, "ticks", ticks)

	if _, err := m.messages.FailByJob(ctx, jobID, causeDeadline, model.MessageStatusPending, model.MessageStatusProcessing); err != nil {
		logger.Error("fail remaining messages", "job_id", jobID, "error", err)
		return
	}
	if _, err := m.Tick(ctx, jobID); err != nil {
		logger.Error("final job monitor tick failed", "job_id", jobID, "error", err)
	}
}

func (m *Monitor) forget(jobID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.watches[jobID]; ok {
		cancel()
		delete(m.watches, jobID)
	}
}

// Resume watches every processing job, typically after a restart.
func (m *Monitor) Resume(ctx context.Context) (int, error) {
	jobs, err := m.jobs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range jobs {
		m.Watch(job.ID, m.config.Interval)
	}
	if len(jobs) > 0 {
		logger.Info("resumed job monitors", "count", len(jobs))
	}
	return len(jobs), nil
}

func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Stop cancels every watch and waits for them to return. Later Watch calls
// are ignored.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
