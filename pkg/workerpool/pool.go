// Package workerpool provides a bounded worker pool for controlled concurrency.
// The billing worker uses it to process invoice generation requests without
// unbounded goroutine growth.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. Context, when set, bounds the task's execution and
// retries; otherwise the pool's own context applies.
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context

	done chan *Result
}

// Result is the final outcome of a task after all retry attempts.
type Result struct {
	TaskID   string
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
}

// WorkerFunc processes one task attempt.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries; backoff is linear in the
	// attempt number
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults for billing request processing
func DefaultConfig() Config {
	return Config{
		Workers:                 25,
		QueueSize:               2000,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers fed from a bounded queue.
type Pool struct {
	config Config
	fn     WorkerFunc
	logger *zap.Logger

	queue chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
	inFlight  int64
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
		config: cfg,
		fn:     fn,
		logger: logger,
		queue:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
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

// Submit enqueues a task. It fails fast when the queue is full so the caller
// (the consumer loop) can leave the message uncommitted for redelivery.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.queue <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// SubmitWait enqueues a task and blocks until its final result or ctx expiry.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	task.done = make(chan *Result, 1)
	if err := p.Submit(task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-task.done:
		return result, nil
	}
}

// Stop gracefully shuts down the pool
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	p.cancel()
	close(p.queue)

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))
	for task := range p.queue {
		atomic.AddInt64(&p.inFlight, 1)
		result := p.run(task)
		atomic.AddInt64(&p.inFlight, -1)

		if result.Success {
			atomic.AddInt64(&p.completed, 1)
		} else {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", result.Attempts),
				zap.Error(result.Error))
		}

		if task.done != nil {
			task.done <- result
		}
	}
	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// run executes a task with linear-backoff retries until success, context
// expiry, or retry exhaustion.
func (p *Pool) run(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var last *Result
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err, Attempts: attempt}
		}

		last = p.fn(ctx, task)
		last.Attempts = attempt + 1
		if last.Success {
			return last
		}

		if attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.retried, 1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(last.Error))

		select {
		case <-ctx.Done():
			return &Result{TaskID: task.ID, Error: ctx.Err(), Attempts: attempt + 1}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	return &Result{
		TaskID:   task.ID,
		Error:    fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, last.Error),
		Attempts: p.config.MaxRetries + 1,
	}
}

// Stats holds a snapshot of pool counters.
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	InFlight       int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.submitted),
		TasksCompleted: atomic.LoadInt64(&p.completed),
		TasksFailed:    atomic.LoadInt64(&p.failed),
		TasksRetried:   atomic.LoadInt64(&p.retried),
		InFlight:       atomic.LoadInt64(&p.inFlight),
		QueueDepth:     len(p.queue),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue has headroom.
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
