package model

import (
	"math"
	"time"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// TerminalJobStatuses lists the statuses a job never leaves.
var TerminalJobStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

type Job struct {
	ID                 int64      `json:"id"`
	SourceFile         string     `json:"filename"`
	ChannelID          int        `json:"sim_id"`
	Delay              float64    `json:"delay"`
	Status             JobStatus  `json:"status"`
	TotalMessages      int        `json:"total_messages"`
	SuccessfulMessages int        `json:"successful_messages"`
	FailedMessages     int        `json:"failed_messages"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at"`
	CorrelationID      string     `json:"task_id"`
	CancelRequested    bool       `json:"cancel_requested"`
	ArtifactRemoved    bool       `json:"-"`
}

func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// DelayDuration is the stagger between two consecutive sends of the job.
func (j *Job) DelayDuration() time.Duration {
	return time.Duration(j.Delay * float64(time.Second))
}

// Progress is the share of finished messages, rounded to one decimal.
func (j *Job) Progress() float64 {
	if j.TotalMessages <= 0 {
		return 0
	}
	done := float64(j.SuccessfulMessages+j.FailedMessages) / float64(j.TotalMessages) * 100
	return math.Round(done*10) / 10
}

// JobFilter controls paginated job listings, newest first.
type JobFilter struct {
	CorrelationID string
	Statuses      []JobStatus
	Page          int
	PerPage       int
}

// Normalize clamps pagination to sane bounds.
func (f JobFilter) Normalize() JobFilter {
	f.Page, f.PerPage = normalizePage(f.Page, f.PerPage, DefaultJobPageSize, MaxJobPageSize)
	return f
}

func (f MessageFilter) Normalize() MessageFilter {
	f.Page, f.PerPage = normalizePage(f.Page, f.PerPage, DefaultMessagePage, MaxMessagePageSize)
	return f
}

func normalizePage(page, perPage, def, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = def
	}
	if perPage > max {
		perPage = max
	}
	return page, perPage
}

// Pages is the number of pages needed for total rows.
func Pages(total int64, perPage int) int {
	if perPage <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(perPage) - 1) / int64(perPage))
}

// JobStatusCounts buckets jobs by status.
type JobStatusCounts map[JobStatus]int64
