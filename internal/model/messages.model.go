package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusSent       MessageStatus = "sent"
	MessageStatusFailed     MessageStatus = "failed"
)

const (
	DefaultChannelID     = 3
	MaxContentLength     = 1000
	MinRecipientLength   = 7
	RecipientPrefix      = "+"
	DefaultMessagePage   = 50
	MaxMessagePageSize   = 50
	DefaultJobPageSize   = 10
	MaxJobPageSize       = 50
	MaxRowsPerSubmission = 1000
)

func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusFailed
}

type Message struct {
	ID           int64         `json:"id"`
	JobID        *int64        `json:"job_id,omitempty"`
	Recipient    string        `json:"phone_number"`
	Content      string        `json:"content"`
	ChannelID    int           `json:"sim_id"`
	Status       MessageStatus `json:"status"`
	Attempts     int           `json:"attempts"`
	LastError    string        `json:"last_error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	ProcessingAt *time.Time    `json:"processing_at,omitempty"`
	SentAt       *time.Time    `json:"sent_at"`
}

// SingleSendRequest is an ad-hoc send outside of any job.
type SingleSendRequest struct {
	Recipient string
	Content   string
	ChannelID int
}

func (p SingleSendRequest) Validate() error {
	if !strings.HasPrefix(p.Recipient, RecipientPrefix) || len(p.Recipient) < MinRecipientLength {
		return NewValidationError("phone_number", "Phone number must start with + and be at least 7 characters")
	}
	if strings.TrimSpace(p.Content) == "" {
		return NewValidationError("content", "Message content is required")
	}
	if utf8.RuneCountInString(p.Content) > MaxContentLength {
		return NewValidationError("content", "Message content exceeds 1000 character limit")
	}
	if p.ChannelID <= 0 {
		return NewValidationError("sim_id", "sim_id must be positive")
	}
	return nil
}

// MessageFilter controls List queries.
type MessageFilter struct {
	JobID    *int64
	Statuses []MessageStatus
	Page     int
	PerPage  int
}

// StatusCounts buckets messages by status.
type StatusCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
}

func (c StatusCounts) Total() int64 {
	return c.Pending + c.Processing + c.Sent + c.Failed
}

// InFlight reports whether any message has yet to reach a terminal status.
func (c StatusCounts) InFlight() bool {
	return c.Pending > 0 || c.Processing > 0
}
