package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"prism/internal/model"
	"prism/internal/pipeline"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

type fakeRunner struct {
	calls int32
	run   func(ctx context.Context, task *model.Task) error
}

func (f *fakeRunner) Run(ctx context.Context, task *model.Task) error {
	atomic.AddInt32(&f.calls, 1)
	return f.run(ctx, task)
}

type fakeQueueStore struct {
	mu      sync.Mutex
	status  string
	failMsg string
}

func (f *fakeQueueStore) Get(taskID string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	if status == "" {
		status = model.TaskStatusPending
	}
	return &model.Task{TaskID: taskID, StockCode: "600519", Status: status}, nil
}

func (f *fakeQueueStore) Fail(taskID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMsg = errMsg
	return nil
}

func (f *fakeQueueStore) failedWith() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failMsg
}

func newTestQueue(runner Runner, store TaskStore, cfg func(*Config)) *Queue {
	c := &Config{
		Runner:      runner,
		Store:       store,
		Logger:      testLogger(),
		Workers:     2,
		Capacity:    10,
		TaskTimeout: time.Second,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}
	if cfg != nil {
		cfg(c)
	}
	return New(c)
}

func TestEnqueue_FullQueueFailsFast(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, task *model.Task) error { return nil }}
	q := newTestQueue(runner, &fakeQueueStore{}, func(c *Config) {
		c.Capacity = 1
	})
	// Workers not started, the buffer holds exactly one id.

	if err := q.Enqueue("task-1"); err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}
	if err := q.Enqueue("task-2"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if q.Depth() != 1 {
		t.Errorf("Expected depth 1, got %d", q.Depth())
	}
}

func TestQueue_RunsEnqueuedTask(t *testing.T) {
	done := make(chan string, 1)
	runner := &fakeRunner{run: func(ctx context.Context, task *model.Task) error {
		done <- task.TaskID
		return nil
	}}

	q := newTestQueue(runner, &fakeQueueStore{}, nil)
	q.Start()
	defer q.Stop()

	if err := q.Enqueue("task-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case taskID := <-done:
		if taskID != "task-1" {
			t.Errorf("Expected task-1, got %s", taskID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Task was never executed")
	}
}

func TestQueue_RetriesThenFails(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, task *model.Task) error {
		return fmt.Errorf("transient failure")
	}}
	store := &fakeQueueStore{}

	q := newTestQueue(runner, store, func(c *Config) {
		c.Workers = 1
		c.MaxAttempts = 3
	})
	q.Start()
	defer q.Stop()

	q.Enqueue("task-1")

	deadline := time.Now().Add(2 * time.Second)
	for store.failedWith() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if n := atomic.LoadInt32(&runner.calls); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
	if store.failedWith() == "" {
		t.Error("Expected task to be marked failed after exhausted retries")
	}
}

func TestQueue_NoRetryErrorRunsOnce(t *testing.T) {
	done := make(chan struct{}, 1)
	runner := &fakeRunner{run: func(ctx context.Context, task *model.Task) error {
		done <- struct{}{}
		return fmt.Errorf("%w: already cancelled", pipeline.ErrNoRetry)
	}}
	store := &fakeQueueStore{}

	q := newTestQueue(runner, store, nil)
	q.Start()
	defer q.Stop()

	q.Enqueue("task-1")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Task was never executed")
	}
	// Give a potential retry time to happen.
	time.Sleep(50 * time.Millisecond)

	if n := atomic.LoadInt32(&runner.calls); n != 1 {
		t.Errorf("Expected exactly 1 attempt, got %d", n)
	}
	if store.failedWith() != "" {
		t.Errorf("Store must not be written for non-retryable errors, got %q", store.failedWith())
	}
}

func TestQueue_DeadlineMarksTimeout(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, task *model.Task) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	store := &fakeQueueStore{}

	q := newTestQueue(runner, store, func(c *Config) {
		c.TaskTimeout = 30 * time.Millisecond
	})
	q.Start()
	defer q.Stop()

	q.Enqueue("task-1")

	deadline := time.Now().Add(2 * time.Second)
	for store.failedWith() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if store.failedWith() != "任务执行超时" {
		t.Errorf("Expected timeout failure message, got %q", store.failedWith())
	}
}

func TestQueue_CancelStopsRunWithoutFailing(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, task *model.Task) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	store := &fakeQueueStore{}

	q := newTestQueue(runner, store, nil)
	q.Start()
	defer q.Stop()

	q.Enqueue("task-1")
	<-started

	q.Cancel("task-1")

	// Wait for the worker to observe the cancel.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		_, running := q.cancels["task-1"]
		q.mu.Unlock()
		if !running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if store.failedWith() != "" {
		t.Errorf("User cancel must not mark the task failed, got %q", store.failedWith())
	}
}

func TestQueue_SkipsTerminalTask(t *testing.T) {
	runner := &fakeRunner{run: func(ctx context.Context, task *model.Task) error { return nil }}
	store := &fakeQueueStore{status: model.TaskStatusCancelled}

	q := newTestQueue(runner, store, nil)
	q.Start()
	defer q.Stop()

	q.Enqueue("task-1")
	time.Sleep(100 * time.Millisecond)

	if n := atomic.LoadInt32(&runner.calls); n != 0 {
		t.Errorf("Cancelled task must not run, got %d attempts", n)
	}
}
