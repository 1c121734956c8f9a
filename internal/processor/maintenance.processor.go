package processor

import (
	"context"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/model"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/internal/sweeper"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

type DeviceChecker interface {
	Check(ctx context.Context) *model.DeviceStatus
}

type CheckDeviceProcessor struct {
	gate DeviceChecker
}

func NewCheckDeviceProcessor(gate DeviceChecker) *CheckDeviceProcessor {
	return &CheckDeviceProcessor{gate: gate}
}

func (p *CheckDeviceProcessor) Type() queue.TaskType {
	return queue.TaskCheckDevice
}

func (p *CheckDeviceProcessor) Process(ctx context.Context, task *queue.Delivery) error {
	status := p.gate.Check(ctx)
	logger.Info("Device checked", "task_id", task.ID, "connected", status.Connected, "state", status.State)
	return nil
}

type ArtifactSweeper interface {
	Sweep(ctx context.Context) (sweeper.Report, error)
}

type SweepProcessor struct {
	sweeper ArtifactSweeper
}

func NewSweepProcessor(s ArtifactSweeper) *SweepProcessor {
	return &SweepProcessor{sweeper: s}
}

func (p *SweepProcessor) Type() queue.TaskType {
	return queue.TaskSweep
}

func (p *SweepProcessor) Process(ctx context.Context, task *queue.Delivery) error {
	report, err := p.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	logger.Info("Sweep task done", "task_id", task.ID, "scanned", report.Scanned, "removed", report.Removed, "failed", report.Failed)
	return nil
}
