package services

import (
	"context"
	"errors"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

type DeviceStatusReader interface {
	Latest(ctx context.Context) (*model.DeviceStatus, error)
}

// DeviceReport is what a status request learns. Checking means nothing is
// stored yet; Refreshing means Device is stale. Either way a check task was
// queued.
type DeviceReport struct {
	Device     *model.DeviceStatus
	Checking   bool
	Refreshing bool
	TaskID     string
}

type DeviceService struct {
	store DeviceStatusReader
	tasks TaskEnqueuer
	ttl   time.Duration
	now   func() time.Time
}

func NewDeviceService(store DeviceStatusReader, tasks TaskEnqueuer, ttl time.Duration) *DeviceService {
	return &DeviceService{store: store, tasks: tasks, ttl: ttl, now: time.Now}
}

// Status serves the cached device status and queues a probe when it is
// missing or stale. The API never probes the transport itself.
func (s *DeviceService) Status(ctx context.Context) (*DeviceReport, error) {
	status, err := s.store.Latest(ctx)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if status != nil && !status.IsStale(s.now(), s.ttl) {
		return &DeviceReport{Device: status}, nil
	}

	taskID, err := s.Check(ctx)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return &DeviceReport{Checking: true, TaskID: taskID}, nil
	}
	return &DeviceReport{Device: status, Refreshing: true, TaskID: taskID}, nil
}

// Check queues a device probe on the default lane.
func (s *DeviceService) Check(ctx context.Context) (string, error) {
	task, err := queue.NewTask(queue.TaskCheckDevice, queue.LaneDefault, nil)
	if err != nil {
		return "", err
	}
	if _, err := s.tasks.Enqueue(ctx, task); err != nil {
		return "", err
	}
	logger.Info("device check queued", "task_id", task.ID)
	return task.ID, nil
}
