package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrMessageNotFound is returned when a message does not exist.
	ErrMessageNotFound = fmt.Errorf("message %w", model.ErrNotFound)
)

type MessageRepository struct {
	*pg.DB
}

func NewMessageRepository(db *pg.DB) *MessageRepository {
	return &MessageRepository{
		db,
	}
}

func (r *MessageRepository) Create(ctx context.Context, msg *model.Message) (*model.Message, error) {
	entity := toMessageEntity(msg)

	if err := r.Write(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toMessageModel(entity), nil
}

// CreateBatch inserts msgs in one statement and returns the assigned ids in
// input order. Run it inside WithinTransaction to make a batch atomic.
func (r *MessageRepository) CreateBatch(ctx context.Context, msgs []*model.Message) ([]int64, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	entities := make([]*MessageEntity, len(msgs))
	for i, m := range msgs {
		entities[i] = toMessageEntity(m)
	}

	if err := r.Write(ctx).Create(&entities).Error; err != nil {
		return nil, err
	}

	ids := make([]int64, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return ids, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	var entity MessageEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return toMessageModel(&entity), nil
}

// MarkProcessing takes a pending message, or re-takes one left processing by
// an interrupted worker. It returns false when the message is already terminal.
func (r *MessageRepository) MarkProcessing(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status IN ?", id, openMessageStatuses).
		Updates(map[string]interface{}{
			"status":        string(model.MessageStatusProcessing),
			"processing_at": at,
		})
	return res.RowsAffected > 0, res.Error
}

// RecordAttempt stores the attempt counter and the last failure cause of a
// processing message.
func (r *MessageRepository) RecordAttempt(ctx context.Context, id int64, attempt int, cause string) error {
	return r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status = ?", id, string(model.MessageStatusProcessing)).
		Updates(map[string]interface{}{
			"attempts":   attempt,
			"last_error": cause,
		}).Error
}

func (r *MessageRepository) MarkSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status IN ?", id, openMessageStatuses).
		Updates(map[string]interface{}{
			"status":     string(model.MessageStatusSent),
			"sent_at":    at,
			"last_error": "",
		})
	return res.RowsAffected > 0, res.Error
}

func (r *MessageRepository) MarkFailed(ctx context.Context, id int64, cause string) (bool, error) {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("id = ? AND status IN ?", id, openMessageStatuses).
		Updates(map[string]interface{}{
			"status":     string(model.MessageStatusFailed),
			"last_error": cause,
		})
	return res.RowsAffected > 0, res.Error
}

// FailStaleProcessing fails the job's processing messages taken before cutoff.
func (r *MessageRepository) FailStaleProcessing(ctx context.Context, jobID int64, cutoff time.Time, cause string) (int64, error) {
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("job_id = ? AND status = ? AND processing_at < ?", jobID, string(model.MessageStatusProcessing), cutoff).
		Updates(map[string]interface{}{
			"status":     string(model.MessageStatusFailed),
			"last_error": cause,
		})
	return res.RowsAffected, res.Error
}

// FailByJob fails every message of the job currently in one of statuses.
func (r *MessageRepository) FailByJob(ctx context.Context, jobID int64, cause string, statuses ...model.MessageStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	res := r.Write(ctx).Model(&MessageEntity{}).
		Where("job_id = ? AND status IN ?", jobID, messageStatuses(statuses...)).
		Updates(map[string]interface{}{
			"status":     string(model.MessageStatusFailed),
			"last_error": cause,
		})
	return res.RowsAffected, res.Error
}

func (r *MessageRepository) CountByJob(ctx context.Context, jobID int64) (model.StatusCounts, error) {
	return r.countByStatus(r.Read(ctx).Model(&MessageEntity{}).Where("job_id = ?", jobID))
}

func (r *MessageRepository) CountAll(ctx context.Context) (model.StatusCounts, error) {
	return r.countByStatus(r.Read(ctx).Model(&MessageEntity{}))
}

type statusCountRow struct {
	Status string
	Count  int64
}

func (r *MessageRepository) countByStatus(q *gorm.DB) (model.StatusCounts, error) {
	var rows []statusCountRow
	if err := q.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return model.StatusCounts{}, err
	}

	var c model.StatusCounts
	for _, row := range rows {
		switch model.MessageStatus(row.Status) {
		case model.MessageStatusPending:
			c.Pending = row.Count
		case model.MessageStatusProcessing:
			c.Processing = row.Count
		case model.MessageStatusSent:
			c.Sent = row.Count
		case model.MessageStatusFailed:
			c.Failed = row.Count
		}
	}
	return c, nil
}

func (r *MessageRepository) List(ctx context.Context, f model.MessageFilter) ([]*model.Message, int64, error) {
	f = f.Normalize()
	q := r.Read(ctx).Model(&MessageEntity{})

	if f.JobID != nil {
		q = q.Where("job_id = ?", *f.JobID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", messageStatuses(f.Statuses...))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entities []*MessageEntity
	err := q.Order("id DESC").Limit(f.PerPage).Offset((f.Page - 1) * f.PerPage).Find(&entities).Error
	if err != nil {
		return nil, 0, err
	}

	return toMessageModels(entities), total, nil
}
