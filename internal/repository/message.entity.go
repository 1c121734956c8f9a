package repository

import (
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
)

type MessageEntity struct {
	ID           int64      `db:"id"            gorm:"primaryKey;autoIncrement;column:id"`
	JobID        *int64     `db:"job_id"        gorm:"column:job_id;index:idx_messages_job_status,priority:1"`
	Job          *JobEntity `gorm:"foreignKey:JobID;references:ID;constraint:OnDelete:CASCADE"`
	PhoneNumber  string     `db:"phone_number"  gorm:"column:phone_number;size:20;not null"`
	Content      string     `db:"content"       gorm:"column:content;not null"`
	SimID        int        `db:"sim_id"        gorm:"column:sim_id;not null;default:3"`
	Status       string     `db:"status"        gorm:"column:status;size:20;not null;default:pending;index:idx_messages_job_status,priority:2"`
	Attempts     int        `db:"attempts"      gorm:"column:attempts;not null;default:0"`
	LastError    string     `db:"last_error"    gorm:"column:last_error"`
	CreatedAt    time.Time  `db:"created_at"    gorm:"column:created_at;autoCreateTime"`
	ProcessingAt *time.Time `db:"processing_at" gorm:"column:processing_at"`
	SentAt       *time.Time `db:"sent_at"       gorm:"column:sent_at"`
}

func (MessageEntity) TableName() string {
	return "messages"
}

func toMessageEntity(m *model.Message) *MessageEntity {
	if m == nil {
		return nil
	}
	status := m.Status
	if status == "" {
		status = model.MessageStatusPending
	}
	return &MessageEntity{
		ID:           m.ID,
		JobID:        m.JobID,
		PhoneNumber:  m.Recipient,
		Content:      m.Content,
		SimID:        m.ChannelID,
		Status:       string(status),
		Attempts:     m.Attempts,
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		ProcessingAt: m.ProcessingAt,
		SentAt:       m.SentAt,
	}
}

func toMessageModel(e *MessageEntity) *model.Message {
	if e == nil {
		return nil
	}
	return &model.Message{
		ID:           e.ID,
		JobID:        e.JobID,
		Recipient:    e.PhoneNumber,
		Content:      e.Content,
		ChannelID:    e.SimID,
		Status:       model.MessageStatus(e.Status),
		Attempts:     e.Attempts,
		LastError:    e.LastError,
		CreatedAt:    e.CreatedAt,
		ProcessingAt: e.ProcessingAt,
		SentAt:       e.SentAt,
	}
}

func toMessageModels(entities []*MessageEntity) []*model.Message {
	if entities == nil {
		return nil
	}
	models := make([]*model.Message, len(entities))
	for i, e := range entities {
		models[i] = toMessageModel(e)
	}
	return models
}

func messageStatuses(statuses ...model.MessageStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// openMessageStatuses are the statuses a message may still leave.
var openMessageStatuses = messageStatuses(model.MessageStatusPending, model.MessageStatusProcessing)
