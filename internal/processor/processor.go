package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/bulk-sms-orchestrator/internal/queue"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/prom"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/redis"
	"github.com/nimasrn/bulk-sms-orchestrator/pkg/worker"
)

const (
	DefaultConcurrency  = 4
	DefaultHardTimeout  = 5 * time.Minute
	DefaultSoftTimeout  = 4 * time.Minute
	DefaultPollInterval = 200 * time.Millisecond

	ReclaimInterval = 30 * time.Second
	StatsInterval   = 30 * time.Second
	HealthInterval  = 30 * time.Second

	// lane backlog above which the health check warns
	highLag = 10000
)

var interactiveLanes = []queue.Lane{queue.LanePriority, queue.LaneDefault}

// Processor handles one task type. A nil error acknowledges the task; an
// error leaves it pending for redelivery after the visibility timeout.
type Processor interface {
	Process(ctx context.Context, task *queue.Delivery) error
	Type() queue.TaskType
}

type TaskQueue interface {
	Fetch(ctx context.Context, lanes []queue.Lane, max int) ([]*queue.Delivery, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	Reclaim(ctx context.Context) (requeued int, deadLettered int, err error)
	Stats(ctx context.Context) (*queue.Stats, error)
}

type Config struct {
	Concurrency  int
	HardTimeout  time.Duration
	SoftTimeout  time.Duration
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = DefaultHardTimeout
	}
	if c.SoftTimeout <= 0 || c.SoftTimeout >= c.HardTimeout {
		c.SoftTimeout = c.HardTimeout * 4 / 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

type pool struct {
	workers *worker.WorkerManager
	lanes   []queue.Lane
}

// ProcessorService pulls due tasks from the queue and runs them on bounded
// worker pools. One worker is reserved for the priority and default lanes so
// a long bulk job never starves ad-hoc sends; the rest serve every lane in
// priority order.
type ProcessorService struct {
	adapter    redis.RedisAdapter
	queue      TaskQueue
	config     Config
	processors map[queue.TaskType]Processor
	metrics    *ServiceMetrics
	pools      []pool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewProcessorService(adapter redis.RedisAdapter, q TaskQueue, config Config) *ProcessorService {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &ProcessorService{
		adapter:    adapter,
		queue:      q,
		config:     config,
		processors: make(map[queue.TaskType]Processor),
		metrics:    NewServiceMetrics(),
		ctx:        ctx,
		cancel:     cancel,
	}

	interactive := worker.NewWorkerManager("interactive", 1, 1)
	s.pools = append(s.pools, pool{workers: interactive, lanes: interactiveLanes})
	if config.Concurrency > 1 {
		general := worker.NewWorkerManager("general", config.Concurrency-1, config.Concurrency-1)
		s.pools = append(s.pools, pool{workers: general, lanes: queue.Lanes})
	}
	return s
}

func (s *ProcessorService) RegisterProcessor(p Processor) {
	s.processors[p.Type()] = p
	logger.Info("Registered processor", "type", p.Type())
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

// Start runs the pools and the polling loops in the background.
func (s *ProcessorService) Start() error {
	if len(s.processors) == 0 {
		return fmt.Errorf("no processors registered")
	}
	logger.Info("Starting Processor Service...", "concurrency", s.config.Concurrency, "hard_timeout", s.config.HardTimeout, "soft_timeout", s.config.SoftTimeout)

	for _, p := range s.pools {
		p.workers.SetWorker(s.workerHandler)
		s.wg.Add(1)
		go func(w *worker.WorkerManager) {
			defer s.wg.Done()
			if err := w.Start(s.ctx); err != nil {
				logger.Info("Worker manager stopped", "pool", w.Name(), "reason", err)
			}
		}(p.workers)
	}

	s.wg.Add(4)
	go s.every(s.config.PollInterval, s.poll)
	go s.every(ReclaimInterval, s.reclaim)
	go s.every(StatsInterval, s.reportMetrics)
	go s.every(HealthInterval, s.performHealthCheck)

	logger.Info("Processor Service started", "pools", len(s.pools))
	return nil
}

func (s *ProcessorService) every(interval time.Duration, fn func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// poll promotes due delayed tasks and fills every idle worker.
func (s *ProcessorService) poll() {
	if _, err := s.queue.PromoteDue(s.ctx, time.Now()); err != nil {
		logger.Error("Promote delayed tasks failed", "error", err)
	}

	for _, p := range s.pools {
		idle := p.workers.Idle()
		if idle == 0 {
			continue
		}
		deliveries, err := s.queue.Fetch(s.ctx, p.lanes, idle)
		if err != nil {
			logger.Error("Fetch tasks failed", "pool", p.workers.Name(), "error", err)
		}
		for _, d := range deliveries {
			if err := p.workers.Enqueue(s.ctx, d); err != nil {
				// unacked; redelivered after the visibility timeout
				logger.Warn("Task not handed to a worker", "task_id", d.ID, "error", err)
			}
		}
	}
}

func (s *ProcessorService) reclaim() {
	requeued, dead, err := s.queue.Reclaim(s.ctx)
	if err != nil {
		logger.Error("Reclaim stuck tasks failed", "error", err)
		return
	}
	if requeued > 0 || dead > 0 {
		logger.Warn("Reclaimed stuck tasks", "requeued", requeued, "dead_lettered", dead)
	}
}

func (s *ProcessorService) workerHandler(ctx context.Context, workerIndex int, job interface{}) {
	d, ok := job.(*queue.Delivery)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}
	s.Execute(ctx, d)
}

// Execute runs one delivery under the hard timeout and acknowledges it when
// its processor succeeds. Shutdown does not cut a running task short.
func (s *ProcessorService) Execute(ctx context.Context, d *queue.Delivery) {
	ctx = context.WithoutCancel(ctx)

	p, ok := s.processors[d.Type]
	if !ok {
		logger.Error("No processor for task type, dropping", "task_id", d.ID, "type", d.Type)
		s.metrics.RecordFailure(d.Type)
		s.ack(ctx, d)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.config.HardTimeout)
	defer cancel()

	soft := time.AfterFunc(s.config.SoftTimeout, func() {
		logger.Warn("Task exceeded soft time limit", "task_id", d.ID, "type", d.Type, "soft_timeout", s.config.SoftTimeout)
	})
	defer soft.Stop()

	start := time.Now()
	err := p.Process(taskCtx, d)
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.RecordFailure(d.Type)
		prom.TaskDuration(elapsed.Seconds(), string(d.Type), "error")
		logger.Error("Task failed, left for redelivery", "task_id", d.ID, "type", d.Type, "attempt", d.Attempt, "error", err)
		return
	}

	s.metrics.RecordSuccess(d.Type, elapsed)
	prom.TaskDuration(elapsed.Seconds(), string(d.Type), "ok")
	s.ack(ctx, d)
}

func (s *ProcessorService) ack(ctx context.Context, d *queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		logger.Error("Ack task failed", "task_id", d.ID, "error", err)
	}
}

func (s *ProcessorService) reportMetrics() {
	snap := s.metrics.Snapshot()
	total := snap.Totals()
	logger.Info("Metrics", "succeeded", total.Succeeded, "failed", total.Failed, "rate_per_second", snap.RatePerSecond(time.Now()), "avg_duration_ms", total.AvgDuration().Milliseconds(), "uptime_seconds", time.Since(snap.Since).Seconds())
	for typ, c := range snap.ByType {
		logger.Info("Task stats", "type", typ, "succeeded", c.Succeeded, "failed", c.Failed, "avg_duration_ms", c.AvgDuration().Milliseconds())
	}

	if qStats, err := s.queue.Stats(context.WithoutCancel(s.ctx)); err == nil {
		for _, l := range qStats.Lanes {
			logger.Info("Lane stats", "lane", l.Lane, "depth", l.Depth, "pending", l.Pending)
		}
		logger.Info("Queue stats", "delayed", qStats.Delayed, "dead_letter", qStats.DeadLetter)
	}
}

func (s *ProcessorService) performHealthCheck() {
	if err := s.adapter.Ping(s.ctx); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return
	}

	stats, err := s.queue.Stats(s.ctx)
	if err != nil {
		logger.Warn("HEALTH CHECK WARNING: Queue stats unavailable", "error", err)
		return
	}
	for _, l := range stats.Lanes {
		if l.Depth > highLag {
			logger.Warn("HEALTH CHECK WARNING: Lane has high lag", "lane", l.Lane, "depth", l.Depth)
		}
	}

	logger.Debug("HEALTH CHECK: OK - Service healthy")
}

// Stop stops polling, lets running tasks finish and waits for the pools.
func (s *ProcessorService) Stop() {
	logger.Info("Shutting down Processor Service...")

	for _, p := range s.pools {
		p.workers.Exit()
	}
	s.cancel()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("Processor Service stopped")
}
