package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/intake"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

type JobRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Job, error)
	List(ctx context.Context, f model.JobFilter) ([]*model.Job, int64, error)
	RequestCancel(ctx context.Context, id int64) (*model.Job, error)
}

// TaskEnqueuer makes a task eligible immediately.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) (string, error)
}

// Upload is a bulk submission as received from a client.
type Upload struct {
	Filename  string
	Content   io.Reader
	ChannelID int
	Delay     float64
}

type JobService struct {
	jobs      JobRepository
	tasks     TaskEnqueuer
	uploadDir string
	maxBytes  int64
}

func NewJobService(jobs JobRepository, tasks TaskEnqueuer, uploadDir string, maxBytes int64) *JobService {
	return &JobService{
		jobs:      jobs,
		tasks:     tasks,
		uploadDir: uploadDir,
		maxBytes:  maxBytes,
	}
}

// SubmitUpload validates the CSV up front, stores it under the upload
// directory and queues its ingestion on the bulk lane. The returned task id
// becomes the job's correlation id.
func (s *JobService) SubmitUpload(ctx context.Context, up Upload) (string, error) {
	if up.ChannelID == 0 {
		up.ChannelID = model.DefaultChannelID
	}
	if err := validateUpload(up); err != nil {
		return "", err
	}

	content, err := s.readAll(up.Content)
	if err != nil {
		return "", err
	}
	rows, err := intake.ParseCSV(bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	req := intake.Request{Rows: rows, ChannelID: up.ChannelID, Delay: up.Delay}
	if err := req.Validate(); err != nil {
		return "", err
	}

	path, err := s.store(up.Filename, content)
	if err != nil {
		return "", err
	}

	task, err := queue.NewTask(queue.TaskIngestFile, queue.LaneBulk, queue.IngestFilePayload{
		Path:         path,
		OriginalName: up.Filename,
		ChannelID:    up.ChannelID,
		Delay:        up.Delay,
	})
	if err != nil {
		removeUpload(path)
		return "", err
	}
	if _, err := s.tasks.Enqueue(ctx, task); err != nil {
		removeUpload(path)
		return "", fmt.Errorf("enqueue ingest: %w", err)
	}

	logger.Info("bulk upload queued", "task_id", task.ID, "file", up.Filename, "rows", len(rows))
	return task.ID, nil
}

// removeUpload deletes an upload no job will ever reference.
func removeUpload(path string) {
	if err := os.RemoveAll(filepath.Dir(path)); err != nil {
		logger.Warn("failed to remove orphaned upload", "path", path, "error", err)
	}
}

func validateUpload(up Upload) error {
	if up.Content == nil {
		return model.NewValidationError("file", "No file provided")
	}
	if up.Filename == "" {
		return model.NewValidationError("file", "No file selected")
	}
	if !strings.EqualFold(filepath.Ext(up.Filename), ".csv") {
		return model.NewValidationError("file", "File must be a CSV")
	}
	if math.IsNaN(up.Delay) {
		return model.NewValidationError("delay", "Delay must be a number")
	}
	if up.Delay < intake.MinDelay {
		return model.NewValidationError("delay", fmt.Sprintf("Delay must be at least %.1f seconds", intake.MinDelay))
	}
	if up.Delay > intake.MaxDelay {
		return model.NewValidationError("delay", fmt.Sprintf("Delay cannot exceed %g seconds", intake.MaxDelay))
	}
	return nil
}

func (s *JobService) readAll(r io.Reader) ([]byte, error) {
	if s.maxBytes > 0 {
		r = io.LimitReader(r, s.maxBytes+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if s.maxBytes > 0 && int64(len(content)) > s.maxBytes {
		return nil, model.NewValidationError("file", fmt.Sprintf("File exceeds %d bytes", s.maxBytes))
	}
	return content, nil
}

// store writes content to <uploadDir>/<uuid>/<base name>.
func (s *JobService) store(filename string, content []byte) (string, error) {
	dir := filepath.Join(s.uploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, content, 0o640); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

func (s *JobService) Get(ctx context.Context, id int64) (*model.Job, error) {
	return s.jobs.GetByID(ctx, id)
}

func (s *JobService) List(ctx context.Context, f model.JobFilter) ([]*model.Job, int64, error) {
	return s.jobs.List(ctx, f.Normalize())
}

// Cancel flags an open job; dispatch, sends and the monitor honour the flag.
func (s *JobService) Cancel(ctx context.Context, id int64) (*model.Job, error) {
	job, err := s.jobs.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	logger.Info("job cancellation requested", "job_id", id)
	return job, nil
}
