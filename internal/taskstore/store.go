package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"prism/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no task exists for the given id.
	ErrNotFound = errors.New("taskstore: task not found")
	// ErrTerminalState is returned when a write targets a task that
	// already reached completed/failed/cancelled.
	ErrTerminalState = errors.New("taskstore: task is in a terminal state")
	// ErrIllegalTransition is returned for any non-monotonic status change.
	ErrIllegalTransition = errors.New("taskstore: illegal status transition")
)

// Store persists tasks and enforces the status transition table.
// All status writes go through transition(), which re-reads the row
// under a lock so a cancelled task can never be overwritten by a
// worker that finishes later.
type Store struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// New creates a task store
func New(db *gorm.DB, logger *logrus.Entry) *Store {
	return &Store{
		db:     db,
		logger: logger.WithField("component", "taskstore"),
	}
}

// Create inserts a new task record in pending state
func (s *Store) Create(task *model.Task) error {
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	if task.Type == "" {
		task.Type = model.TaskTypeArticleGeneration
	}
	if err := s.db.Create(task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns the task with the given task id
func (s *Store) Get(taskID string) (*model.Task, error) {
	var task model.Task
	err := s.db.Where("task_id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// List returns a page of tasks, newest first, optionally filtered by
// status and stock code.
func (s *Store) List(status, stockCode string, page, pageSize int) ([]model.Task, int64, error) {
	query := s.db.Model(&model.Task{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if stockCode != "" {
		query = query.Where("stock_code = ?", stockCode)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	var tasks []model.Task
	err := query.Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, total, nil
}

// transition applies a guarded status change inside one transaction.
// The row is locked for the duration so concurrent writers cannot
// interleave between the check and the update.
func (s *Store) transition(taskID, toStatus string, apply func(*model.Task)) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var task model.Task
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ?", taskID).
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load task for transition: %w", err)
		}

		if !model.CanTransition(task.Status, toStatus) {
			if model.Terminal(task.Status) {
				return fmt.Errorf("%w: %s (task %s)", ErrTerminalState, task.Status, taskID)
			}
			return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, task.Status, toStatus, taskID)
		}

		task.Status = toStatus
		if apply != nil {
			apply(&task)
		}
		if model.Terminal(toStatus) && task.CompletedAt == nil {
			now := time.Now()
			task.CompletedAt = &now
		}

		if err := tx.Save(&task).Error; err != nil {
			return fmt.Errorf("failed to save task transition: %w", err)
		}
		return nil
	})
}

// MarkRunning moves a pending task to running. A task already in
// running or progress is left untouched so a retry attempt can start
// over without tripping the monotonic guard.
func (s *Store) MarkRunning(taskID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var task model.Task
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("task_id = ?", taskID).
			First(&task).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load task for transition: %w", err)
		}

		switch task.Status {
		case model.TaskStatusRunning, model.TaskStatusProgress:
			return nil
		}
		if !model.CanTransition(task.Status, model.TaskStatusRunning) {
			return fmt.Errorf("%w: %s (task %s)", ErrTerminalState, task.Status, taskID)
		}

		task.Status = model.TaskStatusRunning
		if err := tx.Save(&task).Error; err != nil {
			return fmt.Errorf("failed to save task transition: %w", err)
		}
		return nil
	})
}

// SetProgress records a progress checkpoint
func (s *Store) SetProgress(taskID, step string, percent int) error {
	return s.transition(taskID, model.TaskStatusProgress, func(task *model.Task) {
		task.ProgressStep = step
		task.ProgressPercent = percent
	})
}

// Complete stores the final result payload and marks the task completed
func (s *Store) Complete(taskID string, result interface{}) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal task result: %w", err)
	}
	return s.transition(taskID, model.TaskStatusCompleted, func(task *model.Task) {
		task.Result = payload
		task.ProgressStep = "done"
		task.ProgressPercent = 100
		task.Error = ""
	})
}

// Fail marks the task failed with a short user-visible error string
func (s *Store) Fail(taskID, errMsg string) error {
	errMsg = truncateError(errMsg, 500)
	return s.transition(taskID, model.TaskStatusFailed, func(task *model.Task) {
		task.Error = errMsg
	})
}

// truncateError shortens an error message to at most limit characters.
// Truncation happens on rune boundaries so a multi-byte message never
// becomes invalid UTF-8.
func truncateError(msg string, limit int) string {
	if len(msg) <= limit {
		return msg
	}
	runes := []rune(msg)
	if len(runes) > limit {
		runes = runes[:limit]
	}
	return string(runes)
}

// Cancel moves a non-terminal task to cancelled. Returns
// ErrTerminalState if the task already finished.
func (s *Store) Cancel(taskID string) error {
	return s.transition(taskID, model.TaskStatusCancelled, func(task *model.Task) {
		task.ProgressStep = "cancelled"
	})
}

// SaveArticles persists the generated articles for a task
func (s *Store) SaveArticles(articles []model.Article) error {
	if len(articles) == 0 {
		return nil
	}
	if err := s.db.Create(&articles).Error; err != nil {
		return fmt.Errorf("failed to save articles: %w", err)
	}
	return nil
}

// ArticlesByTask returns the articles generated for a task
func (s *Store) ArticlesByTask(taskID string) ([]model.Article, error) {
	var articles []model.Article
	if err := s.db.Where("task_id = ?", taskID).Order("id ASC").Find(&articles).Error; err != nil {
		return nil, fmt.Errorf("failed to load articles: %w", err)
	}
	return articles, nil
}
