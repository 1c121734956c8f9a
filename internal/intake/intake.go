package intake

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

const (
	DefaultBatchSize = 100
	MinDelay         = 0.1
	MaxDelay         = 10.0
	DefaultDelay     = 1.0

	causeIngestFailed = "job ingest failed"
)

// IntakeError reports a submission that failed after its job was created.
// The job is already marked failed when it is returned.
type IntakeError struct {
	JobID int64
	Err   error
}

func (e *IntakeError) Error() string {
	return fmt.Sprintf("ingest job %d: %v", e.JobID, e.Err)
}

func (e *IntakeError) Unwrap() error {
	return e.Err
}

type Request struct {
	Rows          []Row
	ChannelID     int
	Delay         float64
	SourceFile    string
	CorrelationID string
}

// ValidDelay reports whether d seconds is an accepted stagger delay.
func ValidDelay(d float64) bool {
	return !math.IsNaN(d) && d >= MinDelay && d <= MaxDelay
}

func (r Request) Validate() error {
	if len(r.Rows) == 0 {
		return model.NewValidationError("file", "CSV file has no data rows")
	}
	if len(r.Rows) > model.MaxRowsPerSubmission {
		return model.NewValidationError("file", fmt.Sprintf("CSV file exceeds %d rows", model.MaxRowsPerSubmission))
	}
	for i, row := range r.Rows {
		if row.Recipient == "" || row.Content == "" {
			return model.NewValidationError("file", fmt.Sprintf("Row %d: phone_number and message are required", i+1))
		}
	}
	if !ValidDelay(r.Delay) {
		return model.NewValidationError("delay", fmt.Sprintf("Delay must be between %.1f and %.1f seconds", MinDelay, MaxDelay))
	}
	if r.ChannelID <= 0 {
		return model.NewValidationError("sim_id", "sim_id must be positive")
	}
	return nil
}

type JobRepository interface {
	Create(ctx context.Context, job *model.Job) (*model.Job, error)
	MarkProcessing(ctx context.Context, id int64) (bool, error)
	MarkIngestFailed(ctx context.Context, id int64, at time.Time) (bool, error)
}

type MessageRepository interface {
	CreateBatch(ctx context.Context, msgs []*model.Message) ([]int64, error)
	FailByJob(ctx context.Context, jobID int64, cause string, statuses ...model.MessageStatus) (int64, error)
}

type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Dispatcher schedules the sends of a freshly ingested job.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID int64, messageIDs []int64, delay time.Duration) (int, error)
}

type Intake struct {
	jobs       JobRepository
	messages   MessageRepository
	tx         Transactor
	dispatcher Dispatcher
	batchSize  int
}

func New(jobs JobRepository, messages MessageRepository, tx Transactor, dispatcher Dispatcher, batchSize int) *Intake {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Intake{
		jobs:       jobs,
		messages:   messages,
		tx:         tx,
		dispatcher: dispatcher,
		batchSize:  batchSize,
	}
}

// Submit turns a validated request into a processing job with one pending
// message per row, then hands the message ids to the dispatcher in row order.
// Validation failures create nothing.
func (in *Intake) Submit(ctx context.Context, req Request) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job, err := in.jobs.Create(ctx, &model.Job{
		SourceFile:    req.SourceFile,
		ChannelID:     req.ChannelID,
		Delay:         req.Delay,
		Status:        model.JobStatusPending,
		TotalMessages: len(req.Rows),
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	logger.Info("job created", "job_id", job.ID, "total_messages", job.TotalMessages, "task_id", job.CorrelationID)

	ids, err := in.createMessages(ctx, job, req.Rows)
	if err != nil {
		return nil, in.abort(ctx, job, fmt.Errorf("create messages: %w", err))
	}

	if _, err := in.jobs.MarkProcessing(ctx, job.ID); err != nil {
		return nil, in.abort(ctx, job, fmt.Errorf("start job: %w", err))
	}
	job.Status = model.JobStatusProcessing

	if _, err := in.dispatcher.Dispatch(ctx, job.ID, ids, job.DelayDuration()); err != nil {
		return nil, in.abort(ctx, job, fmt.Errorf("dispatch: %w", err))
	}
	return job, nil
}

func (in *Intake) createMessages(ctx context.Context, job *model.Job, rows []Row) ([]int64, error) {
	jobID := job.ID
	ids := make([]int64, 0, len(rows))

	for start := 0; start < len(rows); start += in.batchSize {
		end := start + in.batchSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := make([]*model.Message, 0, end-start)
		for _, row := range rows[start:end] {
			batch = append(batch, &model.Message{
				JobID:     &jobID,
				Recipient: row.Recipient,
				Content:   row.Content,
				ChannelID: job.ChannelID,
				Status:    model.MessageStatusPending,
			})
		}

		err := in.tx.WithinTransaction(ctx, func(ctx context.Context) error {
			created, err := in.messages.CreateBatch(ctx, batch)
			if err != nil {
				return err
			}
			ids = append(ids, created...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("batch at row %d: %w", start+1, err)
		}
	}
	return ids, nil
}

// abort fails the job and every message it already owns. A dispatch failure
// can leave sends scheduled; they find their message failed and skip it.
func (in *Intake) abort(ctx context.Context, job *model.Job, cause error) error {
	logger.Error("job ingest failed", "job_id", job.ID, "error", cause)

	ctx = context.WithoutCancel(ctx)
	if _, err := in.messages.FailByJob(ctx, job.ID, causeIngestFailed, model.MessageStatusPending); err != nil {
		logger.Error("fail messages of aborted job", "job_id", job.ID, "error", err)
	}
	if _, err := in.jobs.MarkIngestFailed(ctx, job.ID, time.Now().UTC()); err != nil {
		logger.Error("mark job failed", "job_id", job.ID, "error", err)
	}
	return &IntakeError{JobID: job.ID, Err: cause}
}
