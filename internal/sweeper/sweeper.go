package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

const (
	DefaultRetention = 24 * time.Hour
	DefaultLimit     = 1000
)

type JobStore interface {
	ListSweepable(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error)
	MarkArtifactRemoved(ctx context.Context, id int64) error
}

// Archiver copies a job's source file somewhere durable before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, job *model.Job, path string) error
}

type Config struct {
	UploadRoot string
	Retention  time.Duration
	Limit      int
}

type Report struct {
	Scanned int `json:"scanned"`
	Removed int `json:"removed"`
	Missing int `json:"missing"`
	Failed  int `json:"failed"`
}

type Sweeper struct {
	jobs     JobStore
	archiver Archiver
	config   Config
	now      func() time.Time
}

// New builds a sweeper. archiver may be nil.
func New(jobs JobStore, archiver Archiver, config Config) *Sweeper {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	return &Sweeper{
		jobs:     jobs,
		archiver: archiver,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sweep deletes the source files of finished jobs older than the retention
// window. A file that is already gone counts as removed. Failures of one
// artifact are logged and do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report

	jobs, err := s.jobs.ListSweepable(ctx, s.now().Add(-s.config.Retention), s.config.Limit)
	if err != nil {
		return report, fmt.Errorf("list sweepable jobs: %w", err)
	}
	report.Scanned = len(jobs)

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		missing, err := s.remove(ctx, job)
		if err != nil {
			report.Failed++
			logger.Error("sweep artifact failed", "job_id", job.ID, "path", job.SourceFile, "error", err)
			continue
		}
		if missing {
			report.Missing++
		} else {
			report.Removed++
		}

		if err := s.jobs.MarkArtifactRemoved(ctx, job.ID); err != nil {
			report.Failed++
			logger.Error("mark artifact removed failed", "job_id", job.ID, "error", err)
		}
	}

	logger.Info("sweep finished", "scanned", report.Scanned, "removed", report.Removed, "missing", report.Missing, "failed", report.Failed)
	return report, nil
}

func (s *Sweeper) remove(ctx context.Context, job *model.Job) (missing bool, err error) {
	path := job.SourceFile

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		s.removeEmptyParent(path)
		return true, nil
	} else if err != nil {
		return false, err
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, job, path); err != nil {
			return false, fmt.Errorf("archive: %w", err)
		}
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	s.removeEmptyParent(path)
	return false, nil
}

// removeEmptyParent deletes the file's directory when it is empty and lies
// strictly inside the upload root.
func (s *Sweeper) removeEmptyParent(path string) {
	if s.config.UploadRoot == "" {
		return
	}
	root, err := filepath.Abs(s.config.UploadRoot)
	if err != nil {
		return
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("remove upload directory failed", "path", dir, "error", err)
	}
}
