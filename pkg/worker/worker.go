package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nimasrn/bulk-sms-orchestrator/pkg/logger"
)

var ErrStopped = errors.New("worker manager stopped")

type WorkerHandler = func(ctx context.Context, workerIndex int, job interface{})

// WorkerManager is a fixed-size goroutine pool. Jobs handed to Enqueue are
// distributed among the workers; Idle reports how many more jobs can be taken
// without queueing, which lets a producer pull exactly as much work as the
// pool can run.
type WorkerManager struct {
	name           string
	jobChannel     chan interface{}
	numberOfWorker int
	do             WorkerHandler
	busy           atomic.Int64
	waiter         sync.WaitGroup
	stop           chan struct{}
	stopOnce       sync.Once
}

func NewWorkerManager(name string, bufferSize, numberOfWorkers int) *WorkerManager {
	if numberOfWorkers <= 0 {
		numberOfWorkers = 1
	}
	return &WorkerManager{
		name:           name,
		numberOfWorker: numberOfWorkers,
		jobChannel:     make(chan interface{}, bufferSize),
		stop:           make(chan struct{}),
	}
}

func (w *WorkerManager) Name() string {
	return w.name
}

// Idle returns the number of workers neither running nor reserved for a job.
func (w *WorkerManager) Idle() int {
	idle := w.numberOfWorker - int(w.busy.Load())
	if idle < 0 {
		return 0
	}
	return idle
}

func (w *WorkerManager) SetWorker(worker WorkerHandler) {
	w.do = worker
}

// Enqueue reserves a worker and hands it the job. It blocks while the buffer
// is full and fails once the manager is stopped.
func (w *WorkerManager) Enqueue(ctx context.Context, val interface{}) error {
	w.busy.Add(1)
	select {
	case w.jobChannel <- val:
		return nil
	case <-ctx.Done():
		w.busy.Add(-1)
		return ctx.Err()
	case <-w.stop:
		w.busy.Add(-1)
		return ErrStopped
	}
}

// Start runs the workers and blocks until ctx is done or Exit is called.
// Running jobs are allowed to finish before Start returns.
func (w *WorkerManager) Start(ctx context.Context) error {
	if w.do == nil {
		return errors.New("worker handler is not set")
	}

	w.waiter.Add(w.numberOfWorker)
	for i := 0; i < w.numberOfWorker; i++ {
		go func(index int) {
			defer w.waiter.Done()
			for {
				select {
				case job := <-w.jobChannel:
					w.run(ctx, index, job)
				case <-ctx.Done():
					return
				case <-w.stop:
					return
				}
			}
		}(i)
	}
	w.waiter.Wait()

	return ErrStopped
}

func (w *WorkerManager) run(ctx context.Context, index int, job interface{}) {
	defer w.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panic recovered", "pool", w.name, "worker", index, "panic", r)
		}
	}()
	w.do(ctx, index, job)
}

// Exit stops the workers after their current job.
func (w *WorkerManager) Exit() {
	w.stopOnce.Do(func() {
		logger.Info("worker manager is shutting down", "pool", w.name)
		close(w.stop)
	})
}
