package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound = fmt.Errorf("job %w", model.ErrNotFound)
)

type JobRepository struct {
	*pg.DB
}

func NewJobRepository(db *pg.DB) *JobRepository {
	return &JobRepository{db}
}

func (r *JobRepository) Create(ctx context.Context, job *model.Job) (*model.Job, error) {
	entity := toJobEntity(job)
	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return toJobModel(entity), nil
}

func (r *JobRepository) GetByID(ctx context.Context, id int64) (*model.Job, error) {
	var entity JobEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return toJobModel(&entity), nil
}

// MarkProcessing moves a pending job to processing.
func (r *JobRepository) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	res := r.Write(ctx).Model(&JobEntity{}).
		Where("id = ? AND status = ?", id, string(model.JobStatusPending)).
		Update("status", string(model.JobStatusProcessing))
	return res.RowsAffected > 0, res.Error
}

// MarkIngestFailed fails an open job and counts every message as failed.
func (r *JobRepository) MarkIngestFailed(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := r.Write(ctx).Model(&JobEntity{}).
		Where("id = ? AND status IN ?", id, openJobStatuses).
		Updates(map[string]interface{}{
			"status":          string(model.JobStatusFailed),
			"failed_messages": gorm.Expr("total_messages"),
			"completed_at":    at,
		})
	return res.RowsAffected > 0, res.Error
}

// UpdateProgress writes the counters of an open job. Counters never move
// backwards.
func (r *JobRepository) UpdateProgress(ctx context.Context, id int64, successful, failed int) error {
	return r.Write(ctx).Model(&JobEntity{}).
		Where("id = ? AND status IN ? AND successful_messages <= ? AND failed_messages <= ?", id, openJobStatuses, successful, failed).
		Updates(map[string]interface{}{
			"successful_messages": successful,
			"failed_messages":     failed,
		}).Error
}

// Finish moves an open job to a terminal status with its final counters.
func (r *JobRepository) Finish(ctx context.Context, id int64, status model.JobStatus, successful, failed int, at time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish job %d: status %q is not terminal", id, status)
	}
	res := r.Write(ctx).Model(&JobEntity{}).
		Where("id = ? AND status IN ?", id, openJobStatuses).
		Updates(map[string]interface{}{
			"status":              string(status),
			"successful_messages": successful,
			"failed_messages":     failed,
			"completed_at":        at,
		})
	return res.RowsAffected > 0, res.Error
}

// RequestCancel flags an open job for cancellation and returns it.
func (r *JobRepository) RequestCancel(ctx context.Context, id int64) (*model.Job, error) {
	var out *model.Job
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		var entity JobEntity
		err := r.Write(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&entity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if model.JobStatus(entity.Status).IsTerminal() {
			return model.ErrJobTerminal
		}
		if err := r.Write(ctx).Model(&entity).Update("cancel_requested", true).Error; err != nil {
			return err
		}
		entity.CancelRequested = true
		out = toJobModel(&entity)
		return nil
	})
	return out, err
}

func (r *JobRepository) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	var entity JobEntity
	err := r.Read(ctx).Select("id", "cancel_requested").Where("id = ?", id).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, err
	}
	return entity.CancelRequested, nil
}

// ListActive returns every job still being dispatched or monitored.
func (r *JobRepository) ListActive(ctx context.Context) ([]*model.Job, error) {
	var entities []*JobEntity
	err := r.Read(ctx).Where("status = ?", string(model.JobStatusProcessing)).Order("id ASC").Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toJobModels(entities), nil
}

// ListSweepable returns finished jobs created before cutoff whose source file
// has not been removed yet.
func (r *JobRepository) ListSweepable(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	var entities []*JobEntity
	err := r.Read(ctx).
		Where("status IN ? AND created_at < ? AND artifact_removed = ? AND filename <> ''", terminalJobStatuses, cutoff, false).
		Order("id ASC").
		Limit(limit).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toJobModels(entities), nil
}

func (r *JobRepository) MarkArtifactRemoved(ctx context.Context, id int64) error {
	return r.Write(ctx).Model(&JobEntity{}).Where("id = ?", id).Update("artifact_removed", true).Error
}

func (r *JobRepository) List(ctx context.Context, f model.JobFilter) ([]*model.Job, int64, error) {
	f = f.Normalize()
	q := r.Read(ctx).Model(&JobEntity{})

	if f.CorrelationID != "" {
		q = q.Where("task_id = ?", f.CorrelationID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", jobStatuses(f.Statuses...))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entities []*JobEntity
	err := q.Order("created_at DESC").Order("id DESC").
		Limit(f.PerPage).Offset((f.Page - 1) * f.PerPage).
		Find(&entities).Error
	if err != nil {
		return nil, 0, err
	}
	return toJobModels(entities), total, nil
}

func (r *JobRepository) CountByStatus(ctx context.Context) (model.JobStatusCounts, error) {
	var rows []statusCountRow
	err := r.Read(ctx).Model(&JobEntity{}).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := model.JobStatusCounts{}
	for _, row := range rows {
		counts[model.JobStatus(row.Status)] = row.Count
	}
	return counts, nil
}
