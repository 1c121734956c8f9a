package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lane is a priority class. Workers drain lanes in the order of Lanes.
type Lane string

const (
	LanePriority    Lane = "priority"
	LaneDefault     Lane = "default"
	LaneBulk        Lane = "bulk"
	LaneMaintenance Lane = "maintenance"
)

var Lanes = []Lane{LanePriority, LaneDefault, LaneBulk, LaneMaintenance}

type TaskType string

const (
	TaskSendMessage TaskType = "send_message"
	TaskIngestFile  TaskType = "ingest_file"
	TaskCheckDevice TaskType = "check_device"
	TaskSweep       TaskType = "sweep"
)

type Task struct {
	ID         string          `json:"id"`
	Type       TaskType        `json:"type"`
	Lane       Lane            `json:"lane"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask builds a task with a fresh id. payload may be nil.
func NewTask(typ TaskType, lane Lane, payload interface{}) (Task, error) {
	t := Task{
		ID:         uuid.NewString(),
		Type:       typ,
		Lane:       lane,
		EnqueuedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Task{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		t.Payload = raw
	}
	return t, nil
}

func (t Task) Decode(v interface{}) error {
	if len(t.Payload) == 0 {
		return fmt.Errorf("task %s has no payload", t.ID)
	}
	return json.Unmarshal(t.Payload, v)
}

// SendMessagePayload asks for one message to be sent.
type SendMessagePayload struct {
	MessageID int64  `json:"message_id"`
	JobID     *int64 `json:"job_id,omitempty"`
}

// IngestFilePayload asks for an uploaded file to become a job.
type IngestFilePayload struct {
	Path         string  `json:"path"`
	OriginalName string  `json:"original_name"`
	ChannelID    int     `json:"sim_id"`
	Delay        float64 `json:"delay"`
}
