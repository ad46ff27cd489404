package model

// TaskEvent is a durable progress event broadcast to websocket
// clients. Reconnecting clients fetch events with id > lastEventId.
type TaskEvent struct {
	BaseModel
	Topic     string `gorm:"type:varchar(50);index;not null" json:"topic"`
	TaskID    string `gorm:"type:varchar(64);index;not null" json:"task_id"`
	EventType string `gorm:"type:varchar(50);not null" json:"event_type"`
	Payload   string `gorm:"type:json" json:"payload"`
}

// TableName specifies the table name for TaskEvent
func (TaskEvent) TableName() string {
	return "task_events"
}

// Event topics and types
const (
	EventTopicTasks = "tasks"

	EventTypeProgress  = "progress"
	EventTypeCompleted = "completed"
	EventTypeFailed    = "failed"
	EventTypeCancelled = "cancelled"
)
