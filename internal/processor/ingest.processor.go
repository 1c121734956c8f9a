package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/intake"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

type Submitter interface {
	Submit(ctx context.Context, req intake.Request) (*model.Job, error)
}

type JobLister interface {
	List(ctx context.Context, f model.JobFilter) ([]*model.Job, int64, error)
}

type IngestFileProcessor struct {
	intake Submitter
	jobs   JobLister
}

func NewIngestFileProcessor(in Submitter, jobs JobLister) *IngestFileProcessor {
	return &IngestFileProcessor{intake: in, jobs: jobs}
}

func (p *IngestFileProcessor) Type() queue.TaskType {
	return queue.TaskIngestFile
}

// Process turns an uploaded file into a job. The task id is the job's
// correlation id, so a redelivered task never creates a second job.
func (p *IngestFileProcessor) Process(ctx context.Context, task *queue.Delivery) error {
	var payload queue.IngestFilePayload
	if err := task.Decode(&payload); err != nil {
		logger.Error("Dropping ingest task with bad payload", "task_id", task.ID, "error", err)
		return nil
	}

	existing, _, err := p.jobs.List(ctx, model.JobFilter{CorrelationID: task.ID, PerPage: 1})
	if err != nil {
		return fmt.Errorf("look up job of task %s: %w", task.ID, err)
	}
	if len(existing) > 0 {
		logger.Info("Ingest task already produced a job, skipping", "task_id", task.ID, "job_id", existing[0].ID)
		return nil
	}

	f, err := os.Open(payload.Path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Error("Uploaded file is gone, dropping ingest task", "task_id", task.ID, "path", payload.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	rows, err := intake.ParseCSV(f)
	f.Close()
	if err != nil {
		logger.Error("Uploaded file rejected", "task_id", task.ID, "path", payload.Path, "error", err)
		discardUpload(payload.Path)
		return nil
	}

	job, err := p.intake.Submit(ctx, intake.Request{
		Rows:          rows,
		ChannelID:     payload.ChannelID,
		Delay:         payload.Delay,
		SourceFile:    payload.Path,
		CorrelationID: task.ID,
	})
	var intakeErr *intake.IntakeError
	switch {
	case errors.Is(err, model.ErrValidation):
		logger.Error("Submission rejected", "task_id", task.ID, "file", payload.OriginalName, "error", err)
		discardUpload(payload.Path)
		return nil
	case errors.As(err, &intakeErr):
		// the job is already failed; a retry would only duplicate it
		return nil
	case err != nil:
		return err
	}

	logger.Info("Bulk job ingested", "task_id", task.ID, "job_id", job.ID, "file", payload.OriginalName, "total_messages", job.TotalMessages)
	return nil
}

// discardUpload removes a file no job will reference, and its upload
// directory once empty. The sweeper only finds files through their jobs.
func discardUpload(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to remove rejected upload", "path", path, "error", err)
		return
	}
	// fails harmlessly when the directory holds anything else
	_ = os.Remove(filepath.Dir(path))
}
