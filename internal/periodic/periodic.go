package periodic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/robfig/cron/v3"
)

const (
	DefaultDeviceCheckSpec = "@every 1h"
	DefaultSweepSpec       = "@daily"

	enqueueTimeout = 10 * time.Second
)

type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) (string, error)
}

type Config struct {
	DeviceCheckSpec string
	SweepSpec       string
	Location        *time.Location
}

// Trigger enqueues one task type on a schedule.
type Trigger struct {
	Name string
	Spec string
	Type queue.TaskType
	Lane queue.Lane

	entryID cron.EntryID
}

type Scheduler struct {
	enqueuer Enqueuer
	parser   cron.Parser
	loc      *time.Location
	triggers []*Trigger

	mu sync.Mutex
	c  *cron.Cron
}

// New validates every schedule up front so a malformed cron expression fails at startup.
func New(enqueuer Enqueuer, config Config) (*Scheduler, error) {
	if config.DeviceCheckSpec == "" {
		config.DeviceCheckSpec = DefaultDeviceCheckSpec
	}
	if config.SweepSpec == "" {
		config.SweepSpec = DefaultSweepSpec
	}
	if config.Location == nil {
		config.Location = time.UTC
	}

	s := &Scheduler{
		enqueuer: enqueuer,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:      config.Location,
		triggers: []*Trigger{
			{Name: "device-check", Spec: config.DeviceCheckSpec, Type: queue.TaskCheckDevice, Lane: queue.LaneMaintenance},
			{Name: "sweep", Spec: config.SweepSpec, Type: queue.TaskSweep, Lane: queue.LaneMaintenance},
		},
	}
	for _, t := range s.triggers {
		if _, err := s.parser.Parse(t.Spec); err != nil {
			return nil, fmt.Errorf("trigger %s: invalid schedule %q: %w", t.Name, t.Spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, t := range s.triggers {
		id, err := c.AddFunc(t.Spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
			defer cancel()
			if _, err := s.Fire(ctx, t.Name); err != nil {
				logger.Error("periodic trigger failed", "trigger", t.Name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("register trigger %s: %w", t.Name, err)
		}
		t.entryID = id
	}
	c.Start()
	s.c = c

	for _, t := range s.triggers {
		logger.Info("periodic trigger scheduled", "trigger", t.Name, "spec", t.Spec, "next", c.Entry(t.entryID).Next)
	}
	return nil
}

// Fire enqueues the task of the named trigger now and returns its id.
func (s *Scheduler) Fire(ctx context.Context, name string) (string, error) {
	for _, t := range s.triggers {
		if t.Name != name {
			continue
		}
		task, err := queue.NewTask(t.Type, t.Lane, nil)
		if err != nil {
			return "", err
		}
		if _, err := s.enqueuer.Enqueue(ctx, task); err != nil {
			return "", err
		}
		logger.Info("periodic task enqueued", "trigger", name, "task_id", task.ID, "type", t.Type)
		return task.ID, nil
	}
	return "", fmt.Errorf("unknown trigger %q", name)
}

// Next returns the next run of every trigger. It is empty before Start.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.triggers))
	if s.c == nil {
		return out
	}
	for _, t := range s.triggers {
		out[t.Name] = s.c.Entry(t.entryID).Next
	}
	return out
}

// Stop stops scheduling and waits for a running trigger to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
