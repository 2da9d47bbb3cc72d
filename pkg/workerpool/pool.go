// Package workerpool provides a bounded worker pool for controlled concurrency.
// At most Config.Workers tasks run at once regardless of how many are queued.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when submitting to a pool that is draining or stopped
	ErrClosed = errors.New("pool is shutting down")
	// ErrQueueFull is returned by Submit when the task queue has no room
	ErrQueueFull = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Index   int
	Payload interface{}
	Context context.Context
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Index   int
	Success bool
	Error   error
	Data    interface{}
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize bounds both the task queue and the result buffer
	QueueSize int
	// GracefulShutdownTimeout is the timeout for Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns the verification batch defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 5,
		QueueSize:               256,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup
	closeOnce  sync.Once
	mu         sync.RWMutex
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksPanicked  int64
	activeWorkers  int64
	busyWorkers    int64
	queueDepth     int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit adds a task to the queue without blocking
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Results returns the result channel. It is closed once the pool has drained.
// Results are buffered up to QueueSize; a caller submitting more than that
// must consume concurrently.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Wait stops accepting tasks, lets queued tasks finish, and joins every worker.
func (p *Pool) Wait() {
	p.close()
	p.wg.Wait()
	p.closeOnce.Do(func() { close(p.resultChan) })
}

// Stop cancels in-flight task contexts and waits up to GracefulShutdownTimeout
func (p *Pool) Stop() error {
	p.logger.Debug("stopping worker pool")
	p.cancel()
	p.close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.closeOnce.Do(func() { close(p.resultChan) })
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.taskChan)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.resultChan <- p.processTask(id, task)
	}
}

func (p *Pool) processTask(workerID int, task *Task) (result *Result) {
	atomic.AddInt64(&p.busyWorkers, 1)
	defer atomic.AddInt64(&p.busyWorkers, -1)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.tasksPanicked, 1)
			atomic.AddInt64(&p.tasksFailed, 1)
			p.logger.Error("task panicked",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", workerID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = &Result{
				TaskID: task.ID,
				Index:  task.Index,
				Error:  fmt.Errorf("task %s panicked: %v", task.ID, r),
			}
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	if err := ctx.Err(); err != nil {
		result = &Result{TaskID: task.ID, Index: task.Index, Error: err}
	} else {
		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Success: true}
		}
		result.TaskID = task.ID
		result.Index = task.Index
	}

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}
	return result
}

// Stats holds current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksPanicked  int64
	ActiveWorkers  int64
	BusyWorkers    int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksPanicked:  atomic.LoadInt64(&p.tasksPanicked),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		BusyWorkers:    atomic.LoadInt64(&p.busyWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue isn't backing up
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
