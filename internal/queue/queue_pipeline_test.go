package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"prism/internal/agentpool"
	"prism/internal/model"
	"prism/internal/pipeline"
	"prism/internal/taskstore"
)

// guardStore is an in-memory task store enforcing the same monotonic
// transition rules as the database-backed store, so queue retries are
// exercised against the real guard semantics.
type guardStore struct {
	mu        sync.Mutex
	task      model.Task
	saveErrs  []error
	saveCalls int
}

func newGuardStore(taskID, code string) *guardStore {
	return &guardStore{
		task: model.Task{TaskID: taskID, StockCode: code, Status: model.TaskStatusPending},
	}
}

func (g *guardStore) Get(taskID string) (*model.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task := g.task
	return &task, nil
}

func (g *guardStore) MarkRunning(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.task.Status {
	case model.TaskStatusRunning, model.TaskStatusProgress:
		return nil
	}
	if !model.CanTransition(g.task.Status, model.TaskStatusRunning) {
		return taskstore.ErrTerminalState
	}
	g.task.Status = model.TaskStatusRunning
	return nil
}

func (g *guardStore) SetProgress(taskID, step string, percent int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !model.CanTransition(g.task.Status, model.TaskStatusProgress) {
		if model.Terminal(g.task.Status) {
			return taskstore.ErrTerminalState
		}
		return taskstore.ErrIllegalTransition
	}
	g.task.Status = model.TaskStatusProgress
	g.task.ProgressStep = step
	g.task.ProgressPercent = percent
	return nil
}

func (g *guardStore) Complete(taskID string, result interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !model.CanTransition(g.task.Status, model.TaskStatusCompleted) {
		return taskstore.ErrTerminalState
	}
	g.task.Status = model.TaskStatusCompleted
	g.task.ProgressPercent = 100
	return nil
}

func (g *guardStore) Fail(taskID, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !model.CanTransition(g.task.Status, model.TaskStatusFailed) {
		return taskstore.ErrTerminalState
	}
	g.task.Status = model.TaskStatusFailed
	g.task.Error = errMsg
	return nil
}

func (g *guardStore) SaveArticles(articles []model.Article) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saveCalls++
	if len(g.saveErrs) > 0 {
		err := g.saveErrs[0]
		g.saveErrs = g.saveErrs[1:]
		return err
	}
	return nil
}

func (g *guardStore) snapshot() model.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.task
}

// countingFetcher fails every call or succeeds with one category
type countingFetcher struct {
	calls   int32
	failing bool
}

func (f *countingFetcher) FetchAll(ctx context.Context, code string, useCache bool) (map[string]json.RawMessage, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.failing {
		return nil, errors.New("all categories failed")
	}
	return map[string]json.RawMessage{"sentiment": json.RawMessage(`{}`)}, nil
}

type templateAnalyzer struct{}

func (templateAnalyzer) AnalyzeParallel(ctx context.Context, code string, stockData map[string]json.RawMessage, styles []string, useCache bool) []*agentpool.Analysis {
	results := make([]*agentpool.Analysis, len(styles))
	for i, style := range styles {
		results[i] = agentpool.FallbackAnalysis("agent_1", code, style)
	}
	return results
}

func newPipelineQueue(store *guardStore, fetcher pipeline.Fetcher, maxAttempts int) *Queue {
	runner := pipeline.NewRunner(&pipeline.Config{
		Store:        store,
		Fetcher:      fetcher,
		Analyzer:     templateAnalyzer{},
		Styles:       []string{"professional", "dark"},
		DefaultCount: 2,
		Logger:       testLogger(),
	})
	return New(&Config{
		Runner:      runner,
		Store:       store,
		Logger:      testLogger(),
		Workers:     1,
		Capacity:    10,
		TaskTimeout: 5 * time.Second,
		MaxAttempts: maxAttempts,
		RetryDelay:  time.Millisecond,
	})
}

func waitTerminal(t *testing.T, store *guardStore) model.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task := store.snapshot()
		if model.Terminal(task.Status) {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	return store.snapshot()
}

func TestQueue_DataFailureRetriedThenFailed(t *testing.T) {
	store := newGuardStore("task-1", "600519")
	fetcher := &countingFetcher{failing: true}

	q := newPipelineQueue(store, fetcher, 3)
	q.Start()
	defer q.Stop()

	q.Enqueue("task-1")
	task := waitTerminal(t, store)

	// The whole pipeline is re-run per attempt, including the fetch.
	if n := atomic.LoadInt32(&fetcher.calls); n != 3 {
		t.Errorf("Expected 3 fetch attempts, got %d", n)
	}
	if task.Status != model.TaskStatusFailed {
		t.Errorf("Expected failed status after exhaustion, got %s", task.Status)
	}
	if task.Error == "" {
		t.Error("Expected a user-visible error on the task record")
	}
}

func TestQueue_TransientPersistFailureRecovers(t *testing.T) {
	store := newGuardStore("task-1", "600519")
	store.saveErrs = []error{errors.New("deadlock")}
	fetcher := &countingFetcher{}

	q := newPipelineQueue(store, fetcher, 3)
	q.Start()
	defer q.Stop()

	q.Enqueue("task-1")
	task := waitTerminal(t, store)

	if task.Status != model.TaskStatusCompleted {
		t.Fatalf("Expected completed status after retry, got %s (error %q)", task.Status, task.Error)
	}
	// Attempt 2 starts from scratch: the row is already in progress
	// and the fetch runs again.
	if n := atomic.LoadInt32(&fetcher.calls); n != 2 {
		t.Errorf("Expected 2 fetch attempts, got %d", n)
	}
	if store.saveCalls != 2 {
		t.Errorf("Expected 2 persist attempts, got %d", store.saveCalls)
	}
	if task.ProgressPercent != 100 {
		t.Errorf("Expected progress 100 after completion, got %d", task.ProgressPercent)
	}
}
