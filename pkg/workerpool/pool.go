// Package workerpool runs a batch of tasks on a bounded number of workers,
// retrying failed tasks with backoff.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Task is a unit of work.
type Task[T any] struct {
	ID    string
	Input T
}

// Result is the outcome of one task.
type Result[R any] struct {
	TaskID   string
	Value    R
	Err      error
	Attempts int
	Duration time.Duration
}

// WorkerFunc processes one task.
type WorkerFunc[T, R any] func(ctx context.Context, task Task[T]) (R, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries uint
	// RetryDelay is the initial delay between retries; it grows exponentially
	RetryDelay time.Duration
	// Retryable reports whether a failure is worth retrying. Nil retries every error.
	Retryable func(error) bool
}

// DefaultConfig returns defaults suited to fanning out chart loads.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		MaxRetries: 2,
		RetryDelay: 250 * time.Millisecond,
	}
}

// Pool runs tasks through fn.
type Pool[T, R any] struct {
	config     Config
	workerFunc WorkerFunc[T, R]
	logger     *zap.Logger
	newBackOff func() backoff.BackOff

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	activeWorkers  atomic.Int64
}

// New creates a new worker pool
func New[T, R any](cfg Config, fn WorkerFunc[T, R], logger *zap.Logger) (*Pool[T, R], error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	p := &Pool[T, R]{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
	}
	p.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.config.RetryDelay
		return b
	}
	return p, nil
}

// Run processes tasks and returns one result per task, in task order. It
// returns when every task has finished or ctx is cancelled; tasks not yet
// started when ctx ends report ctx's error.
func (p *Pool[T, R]) Run(ctx context.Context, tasks []Task[T]) []Result[R] {
	results := make([]Result[R], len(tasks))
	indexes := make(chan int)

	workers := min(p.config.Workers, len(tasks))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.activeWorkers.Add(1)
			defer p.activeWorkers.Add(-1)
			for idx := range indexes {
				results[idx] = p.process(ctx, id, tasks[idx])
			}
		}(i)
	}
	p.logger.Debug("worker pool started",
		zap.Int("workers", workers),
		zap.Int("tasks", len(tasks)))

	next := 0
feed:
	for ; next < len(tasks); next++ {
		select {
		case indexes <- next:
			p.tasksSubmitted.Add(1)
		case <-ctx.Done():
			break feed
		}
	}
	close(indexes)
	wg.Wait()

	for ; next < len(tasks); next++ {
		results[next] = Result[R]{TaskID: tasks[next].ID, Err: ctx.Err()}
		p.tasksFailed.Add(1)
	}
	return results
}

// process handles a single task with retries
func (p *Pool[T, R]) process(ctx context.Context, workerID int, task Task[T]) Result[R] {
	start := time.Now()
	attempts := 0

	value, err := backoff.Retry(ctx, func() (R, error) {
		attempts++
		if attempts > 1 {
			p.tasksRetried.Add(1)
		}
		v, err := p.workerFunc(ctx, task)
		if err != nil && p.config.Retryable != nil && !p.config.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(p.config.MaxRetries+1),
		backoff.WithMaxElapsedTime(0),
	)

	result := Result[R]{
		TaskID:   task.ID,
		Value:    value,
		Attempts: attempts,
		Duration: time.Since(start),
	}
	if err != nil {
		result.Err = fmt.Errorf("task %s failed after %d attempts: %w", task.ID, attempts, err)
		p.tasksFailed.Add(1)
		p.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return result
	}
	p.tasksCompleted.Add(1)
	return result
}

// Stats returns current pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[T, R]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		ActiveWorkers:  p.activeWorkers.Load(),
		Workers:        p.config.Workers,
	}
}
