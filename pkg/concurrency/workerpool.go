package concurrency

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pialmmh/statemachine/pkg/core"
)

// Task is a unit of work submitted to a WorkerPool.
type Task interface {
	// Name identifies the task in logs.
	Name() string

	// Execute runs the task.
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) error
}

func (t TaskFunc) Name() string                      { return t.TaskName }
func (t TaskFunc) Execute(ctx context.Context) error { return t.Fn(ctx) }

// WorkerPool executes submitted tasks on a fixed set of goroutines.
type WorkerPool interface {
	Start() error
	Stop(ctx context.Context) error
	Submit(task Task) error
	Workers() int
	IsRunning() bool
}

// WorkerPoolConfig configures a WorkerPool
type WorkerPoolConfig struct {
	Workers   int // Number of worker goroutines
	QueueSize int // Task queue size
}

// DefaultWorkerPoolConfig sizes the pool for I/O-bound work: max(2, CPU/2).
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	workers := runtime.NumCPU() / 2
	if workers < 2 {
		workers = 2
	}
	return WorkerPoolConfig{
		Workers:   workers,
		QueueSize: 1000,
	}
}

// defaultWorkerPool implements WorkerPool
type defaultWorkerPool struct {
	workers  int
	taskChan chan Task
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  int32 // Atomic flag
	ctx      context.Context
	cancel   context.CancelFunc
	logger   core.Logger
}

// NewWorkerPool creates a new WorkerPool
func NewWorkerPool(ctx context.Context, config WorkerPoolConfig, logger core.Logger) WorkerPool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 100
	}
	if logger == nil {
		logger = core.NewDefaultLogger()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &defaultWorkerPool{
		workers:  config.Workers,
		taskChan: make(chan Task, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Start implements WorkerPool interface
func (wp *defaultWorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if atomic.LoadInt32(&wp.running) == 1 {
		return fmt.Errorf("worker pool is already running")
	}

	atomic.StoreInt32(&wp.running, 1)
	wp.wg.Add(wp.workers)

	for i := 0; i < wp.workers; i++ {
		go wp.worker(i)
	}

	return nil
}

// worker drains the task queue until the pool stops
func (wp *defaultWorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case task, ok := <-wp.taskChan:
			if !ok {
				return
			}

			if err := task.Execute(wp.ctx); err != nil {
				wp.logger.Errorf("worker %d: task %s failed: %v", id, task.Name(), err)
			}

		case <-wp.ctx.Done():
			return
		}
	}
}

// Stop implements WorkerPool interface. Queued tasks still drain until the
// context deadline; then workers are abandoned.
func (wp *defaultWorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if atomic.LoadInt32(&wp.running) == 0 {
		return nil
	}

	atomic.StoreInt32(&wp.running, 0)
	close(wp.taskChan)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.cancel()
		return nil
	case <-ctx.Done():
		wp.cancel()
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

// Submit implements WorkerPool interface
func (wp *defaultWorkerPool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	if atomic.LoadInt32(&wp.running) == 0 {
		return fmt.Errorf("worker pool is not running")
	}

	// Non-blocking send for backpressure
	select {
	case wp.taskChan <- task:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		return ErrMailboxFull
	}
}

// Workers implements WorkerPool interface
func (wp *defaultWorkerPool) Workers() int {
	return wp.workers
}

// IsRunning implements WorkerPool interface
func (wp *defaultWorkerPool) IsRunning() bool {
	return atomic.LoadInt32(&wp.running) == 1
}
