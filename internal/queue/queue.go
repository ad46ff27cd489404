package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"prism/internal/model"
	"prism/internal/pipeline"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned by Enqueue when the buffer is at capacity.
// Submission fails fast instead of blocking the API handler.
var ErrQueueFull = errors.New("queue: queue is full")

// Runner executes the whole workflow for one task.
type Runner interface {
	Run(ctx context.Context, task *model.Task) error
}

// TaskStore is the slice of the task store the queue needs.
type TaskStore interface {
	Get(taskID string) (*model.Task, error)
	Fail(taskID, errMsg string) error
}

// Publisher pushes a task event to websocket clients
type Publisher func(taskID, eventType string, payload interface{}) error

// Queue is the in-process job queue: a buffered channel of task ids
// drained by a fixed set of workers. Each task runs under its own
// deadline; a failed run is retried as a whole up to MaxAttempts
// times.
type Queue struct {
	ctx    context.Context
	cancel context.CancelFunc

	runner  Runner
	store   TaskStore
	publish Publisher
	logger  *logrus.Entry

	jobs        chan string
	workers     int
	taskTimeout time.Duration
	maxAttempts int
	retryDelay  time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// Config holds the configuration for the job queue
type Config struct {
	Runner      Runner
	Store       TaskStore
	Publish     Publisher
	Logger      *logrus.Entry
	Workers     int
	Capacity    int
	TaskTimeout time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// New creates a job queue
func New(cfg *Config) *Queue {
	ctx, cancel := context.WithCancel(context.Background())

	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 100
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	publish := cfg.Publish
	if publish == nil {
		publish = func(string, string, interface{}) error { return nil }
	}

	return &Queue{
		ctx:         ctx,
		cancel:      cancel,
		runner:      cfg.Runner,
		store:       cfg.Store,
		publish:     publish,
		logger:      cfg.Logger.WithField("component", "queue"),
		jobs:        make(chan string, capacity),
		workers:     workers,
		taskTimeout: cfg.TaskTimeout,
		maxAttempts: maxAttempts,
		retryDelay:  cfg.RetryDelay,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start launches the worker goroutines
func (q *Queue) Start() {
	q.logger.Infof("Starting %d queue workers...", q.workers)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i + 1)
	}
}

// Stop cancels all running tasks and waits for the workers to exit.
// Queued but unstarted tasks stay pending in the store.
func (q *Queue) Stop() {
	q.logger.Info("Stopping queue workers...")
	q.cancel()
	q.wg.Wait()
}

// Enqueue adds a task id to the queue without blocking
func (q *Queue) Enqueue(taskID string) error {
	select {
	case q.jobs <- taskID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel aborts the running execution of a task, if any. The status
// change itself is the task store's job; this only stops the work.
func (q *Queue) Cancel(taskID string) {
	q.mu.Lock()
	cancel, ok := q.cancels[taskID]
	q.mu.Unlock()
	if ok {
		q.logger.Infof("Cancelling running task %s", taskID)
		cancel()
	}
}

// Depth returns the number of queued, not yet started tasks
func (q *Queue) Depth() int {
	return len(q.jobs)
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	logger := q.logger.WithField("worker", id)
	for {
		select {
		case taskID := <-q.jobs:
			q.runTask(logger, taskID)
		case <-q.ctx.Done():
			return
		}
	}
}

// runTask executes one task under its own deadline, retrying the
// whole pipeline on transient failures.
func (q *Queue) runTask(logger *logrus.Entry, taskID string) {
	task, err := q.store.Get(taskID)
	if err != nil {
		logger.Errorf("Failed to load task %s: %v", taskID, err)
		return
	}
	if model.Terminal(task.Status) {
		logger.Infof("Skipping task %s already in state %s", taskID, task.Status)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.taskTimeout)
	defer cancel()

	q.mu.Lock()
	q.cancels[taskID] = cancel
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		delete(q.cancels, taskID)
		q.mu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		lastErr = q.runner.Run(ctx, task)
		if lastErr == nil {
			return
		}
		if errors.Is(lastErr, pipeline.ErrNoRetry) {
			logger.Infof("Task %s finished without retry: %v", taskID, lastErr)
			return
		}
		if ctx.Err() != nil {
			q.finishExpired(logger, taskID, ctx.Err())
			return
		}

		logger.Warnf("Task %s attempt %d/%d failed: %v", taskID, attempt, q.maxAttempts, lastErr)
		if attempt < q.maxAttempts {
			select {
			case <-time.After(q.retryDelay):
			case <-ctx.Done():
				q.finishExpired(logger, taskID, ctx.Err())
				return
			}
		}
	}

	logger.Errorf("Task %s failed after %d attempts: %v", taskID, q.maxAttempts, lastErr)
	q.fail(logger, taskID, fmt.Sprintf("任务执行失败: %v", lastErr))
}

// finishExpired records the outcome of a task whose context ended.
// A deadline means the hard task timeout fired; a plain cancel means
// the user already moved the task to cancelled and there is nothing
// left to write.
func (q *Queue) finishExpired(logger *logrus.Entry, taskID string, ctxErr error) {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		logger.Errorf("Task %s exceeded the execution deadline", taskID)
		q.fail(logger, taskID, "任务执行超时")
		return
	}
	logger.Infof("Task %s execution stopped: %v", taskID, ctxErr)
}

// fail marks the task failed; a terminal-state error means a cancel
// got there first and is left as is.
func (q *Queue) fail(logger *logrus.Entry, taskID, message string) {
	if err := q.store.Fail(taskID, message); err != nil {
		logger.Warnf("Could not mark task %s failed: %v", taskID, err)
		return
	}
	q.publish(taskID, model.EventTypeFailed, map[string]interface{}{
		"error": message,
	})
}
