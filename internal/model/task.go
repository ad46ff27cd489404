package model

import (
	"time"

	"gorm.io/datatypes"
)

// Task represents one article generation job tracked through its lifecycle
type Task struct {
	BaseModel
	TaskID          string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"task_id"`
	StockCode       string         `gorm:"type:varchar(20);index;not null" json:"stock_code"`
	Type            string         `gorm:"type:varchar(50);default:'article_generation'" json:"type"`
	Status          string         `gorm:"type:enum('pending','running','progress','completed','failed','cancelled');default:'pending';index" json:"status"`
	ProgressStep    string         `gorm:"type:varchar(50)" json:"progress_step,omitempty"`
	ProgressPercent int            `gorm:"default:0" json:"progress_percent"`
	Input           datatypes.JSON `gorm:"type:json" json:"input,omitempty"`
	Result          datatypes.JSON `gorm:"type:json" json:"result,omitempty"`
	Error           string         `gorm:"type:varchar(500)" json:"error,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// Task type constants
const (
	TaskTypeArticleGeneration = "article_generation"
)

// Task status constants
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusProgress  = "progress"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// statusRank orders statuses for the monotonic transition guard.
// A transition is only legal to a strictly higher rank, except
// progress→progress which updates the checkpoint in place.
var statusRank = map[string]int{
	TaskStatusPending:   0,
	TaskStatusRunning:   1,
	TaskStatusProgress:  2,
	TaskStatusCompleted: 3,
	TaskStatusFailed:    3,
	TaskStatusCancelled: 3,
}

// CanTransition reports whether a status change from -> to is legal.
func CanTransition(from, to string) bool {
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	if Terminal(from) {
		return false
	}
	if from == TaskStatusProgress && to == TaskStatusProgress {
		return true
	}
	return toRank > fromRank
}
