package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"golang.org/x/sync/errgroup"
)

type MessageCounter interface {
	CountAll(ctx context.Context) (model.StatusCounts, error)
}

type JobCounter interface {
	CountByStatus(ctx context.Context) (model.JobStatusCounts, error)
}

type MessageStats struct {
	Total      int64 `json:"total"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

type JobStats struct {
	Total      int64 `json:"total"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
}

type Stats struct {
	Messages MessageStats
	Jobs     JobStats
	// Device is nil until the first probe was recorded.
	Device *model.DeviceStatus
}

type StatsService struct {
	messages MessageCounter
	jobs     JobCounter
	device   DeviceStatusReader
}

func NewStatsService(messages MessageCounter, jobs JobCounter, device DeviceStatusReader) *StatsService {
	return &StatsService{messages: messages, jobs: jobs, device: device}
}

// Stats runs the three aggregate reads concurrently.
func (s *StatsService) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := s.messages.CountAll(gctx)
		if err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		out.Messages = MessageStats{
			Total:      c.Total(),
			Sent:       c.Sent,
			Failed:     c.Failed,
			Pending:    c.Pending,
			Processing: c.Processing,
		}
		return nil
	})
	g.Go(func() error {
		c, err := s.jobs.CountByStatus(gctx)
		if err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
		var total int64
		for _, n := range c {
			total += n
		}
		out.Jobs = JobStats{
			Total:      total,
			Completed:  c[model.JobStatusCompleted],
			Failed:     c[model.JobStatusFailed],
			Cancelled:  c[model.JobStatusCancelled],
			Pending:    c[model.JobStatusPending],
			Processing: c[model.JobStatusProcessing],
		}
		return nil
	})
	g.Go(func() error {
		d, err := s.device.Latest(gctx)
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read device status: %w", err)
		}
		out.Device = d
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}
