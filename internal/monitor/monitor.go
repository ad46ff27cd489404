package monitor

import (
	"database/sql"
	"fmt"
	"time"

	"prism/internal/agentpool"
	"prism/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Monitor aggregates system health for the stats endpoint: task
// counts from the database, queue depth and agent pool utilization
// from the live components.
type Monitor struct {
	db     *gorm.DB
	queue  interface{ Depth() int }
	pool   interface{ Stats() agentpool.Stats }
	logger *logrus.Entry
}

// Config holds the configuration for the monitor
type Config struct {
	DB     *gorm.DB
	Queue  interface{ Depth() int }
	Pool   interface{ Stats() agentpool.Stats }
	Logger *logrus.Entry
}

// New creates a monitor
func New(cfg *Config) *Monitor {
	return &Monitor{
		db:     cfg.DB,
		queue:  cfg.Queue,
		pool:   cfg.Pool,
		logger: cfg.Logger.WithField("component", "monitor"),
	}
}

// Snapshot is one stats report
type Snapshot struct {
	TasksByStatus      map[string]int64 `json:"tasks_by_status"`
	CompletedLast24h   int64            `json:"completed_last_24h"`
	FailedLast24h      int64            `json:"failed_last_24h"`
	AvgDurationSeconds float64          `json:"avg_duration_seconds"`
	QueueDepth         int              `json:"queue_depth"`
	AgentPool          agentpool.Stats  `json:"agent_pool"`
	GeneratedAt        time.Time        `json:"generated_at"`
}

// Snapshot collects the current system stats
func (m *Monitor) Snapshot() (*Snapshot, error) {
	snapshot := &Snapshot{
		TasksByStatus: make(map[string]int64),
		QueueDepth:    m.queue.Depth(),
		AgentPool:     m.pool.Stats(),
		GeneratedAt:   time.Now(),
	}

	var rows []struct {
		Status string
		Count  int64
	}
	err := m.db.Model(&model.Task{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	for _, row := range rows {
		snapshot.TasksByStatus[row.Status] = row.Count
	}

	since := time.Now().Add(-24 * time.Hour)

	err = m.db.Model(&model.Task{}).
		Where("status = ? AND completed_at > ?", model.TaskStatusCompleted, since).
		Count(&snapshot.CompletedLast24h).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count completed tasks: %w", err)
	}

	err = m.db.Model(&model.Task{}).
		Where("status = ? AND completed_at > ?", model.TaskStatusFailed, since).
		Count(&snapshot.FailedLast24h).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count failed tasks: %w", err)
	}

	// Average end-to-end duration over completed tasks of the last day.
	var avg sql.NullFloat64
	err = m.db.Model(&model.Task{}).
		Select("AVG(TIMESTAMPDIFF(SECOND, created_at, completed_at))").
		Where("status = ? AND completed_at > ?", model.TaskStatusCompleted, since).
		Row().Scan(&avg)
	if err != nil {
		m.logger.Warnf("Failed to compute average task duration: %v", err)
	} else if avg.Valid {
		snapshot.AvgDurationSeconds = avg.Float64
	}

	return snapshot, nil
}
