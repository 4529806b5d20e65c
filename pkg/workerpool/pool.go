// Package workerpool provides a bounded worker pool with per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolStopped is returned by SubmitWait after Stop.
	ErrPoolStopped = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the task queue has no room.
	ErrQueueFull = errors.New("task queue is full")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	reply chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
	// IsPermanent stops retrying when it returns true for a task error
	IsPermanent func(err error) bool
}

// DefaultConfig returns defaults sized for FHIR writes
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan chan *Task
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
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

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
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
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// SubmitWait queues a task and waits for its result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.reply = make(chan *Result, 1)
	if task.Context == nil {
		task.Context = ctx
	}
	if err := p.enqueue(task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.reply:
		return result, nil
	}
}

func (p *Pool) enqueue(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
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

// Stop drains the queue and waits for workers up to the shutdown timeout
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		<-done
		err = errors.New("worker pool shutdown timed out")
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.deliver(task, p.processTask(id, task))
	}
}

func (p *Pool) processTask(workerID int, task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var result *Result
	attempt := 0
	for {
		attempt++
		if err := ctx.Err(); err != nil {
			result = &Result{TaskID: task.ID, Error: err}
			break
		}

		result = p.workerFunc(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Success: true}
		}
		result.TaskID = task.ID
		if result.Success {
			break
		}
		if attempt > p.config.MaxRetries || p.permanent(result.Error) {
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Error(result.Error))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
		}
	}
	result.Attempts = attempt

	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", attempt),
			zap.Error(result.Error))
	}
	return result
}

func (p *Pool) permanent(err error) bool {
	return err != nil && p.config.IsPermanent != nil && p.config.IsPermanent(err)
}

func (p *Pool) deliver(task *Task, result *Result) {
	if task.reply != nil {
		task.reply <- result
	}
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
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
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
