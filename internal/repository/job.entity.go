package repository

import (
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
)

type JobEntity struct {
	ID                 int64      `db:"id"                  gorm:"primaryKey;autoIncrement;column:id"`
	Filename           string     `db:"filename"            gorm:"column:filename;not null"`
	SimID              int        `db:"sim_id"              gorm:"column:sim_id;not null;default:3"`
	Delay              float64    `db:"delay"               gorm:"column:delay;not null;default:1"`
	Status             string     `db:"status"              gorm:"column:status;size:20;not null;default:pending;index"`
	TotalMessages      int        `db:"total_messages"      gorm:"column:total_messages;not null;default:0"`
	SuccessfulMessages int        `db:"successful_messages" gorm:"column:successful_messages;not null;default:0"`
	FailedMessages     int        `db:"failed_messages"     gorm:"column:failed_messages;not null;default:0"`
	CreatedAt          time.Time  `db:"created_at"          gorm:"column:created_at;autoCreateTime;index"`
	CompletedAt        *time.Time `db:"completed_at"        gorm:"column:completed_at"`
	TaskID             string     `db:"task_id"             gorm:"column:task_id;size:64;index"`
	CancelRequested    bool       `db:"cancel_requested"    gorm:"column:cancel_requested;not null;default:false"`
	ArtifactRemoved    bool       `db:"artifact_removed"    gorm:"column:artifact_removed;not null;default:false"`
}

func (JobEntity) TableName() string {
	return "jobs"
}

// Entities lists every persisted entity in dependency order.
func Entities() []any {
	return []any{&JobEntity{}, &MessageEntity{}, &DeviceStatusEntity{}}
}

func toJobEntity(j *model.Job) *JobEntity {
	if j == nil {
		return nil
	}
	status := j.Status
	if status == "" {
		status = model.JobStatusPending
	}
	return &JobEntity{
		ID:                 j.ID,
		Filename:           j.SourceFile,
		SimID:              j.ChannelID,
		Delay:              j.Delay,
		Status:             string(status),
		TotalMessages:      j.TotalMessages,
		SuccessfulMessages: j.SuccessfulMessages,
		FailedMessages:     j.FailedMessages,
		CreatedAt:          j.CreatedAt,
		CompletedAt:        j.CompletedAt,
		TaskID:             j.CorrelationID,
		CancelRequested:    j.CancelRequested,
		ArtifactRemoved:    j.ArtifactRemoved,
	}
}

func toJobModel(e *JobEntity) *model.Job {
	if e == nil {
		return nil
	}
	return &model.Job{
		ID:                 e.ID,
		SourceFile:         e.Filename,
		ChannelID:          e.SimID,
		Delay:              e.Delay,
		Status:             model.JobStatus(e.Status),
		TotalMessages:      e.TotalMessages,
		SuccessfulMessages: e.SuccessfulMessages,
		FailedMessages:     e.FailedMessages,
		CreatedAt:          e.CreatedAt,
		CompletedAt:        e.CompletedAt,
		CorrelationID:      e.TaskID,
		CancelRequested:    e.CancelRequested,
		ArtifactRemoved:    e.ArtifactRemoved,
	}
}

func toJobModels(entities []*JobEntity) []*model.Job {
	models := make([]*model.Job, len(entities))
	for i, e := range entities {
		models[i] = toJobModel(e)
	}
	return models
}

func jobStatuses(statuses ...model.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var (
	openJobStatuses     = jobStatuses(model.JobStatusPending, model.JobStatusProcessing)
	terminalJobStatuses = jobStatuses(model.TerminalJobStatuses...)
)
