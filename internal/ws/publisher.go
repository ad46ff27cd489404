package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"prism/internal/db"
	"prism/internal/model"

	"gorm.io/gorm"
)

// PublishTaskEvent persists a task event and broadcasts it to all
// connected clients. eventType is one of model.EventTypeProgress,
// Completed, Failed, Cancelled. Broadcast failure never affects the
// pipeline; the event row is the durable record.
func PublishTaskEvent(taskID, eventType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[WebSocket] Failed to marshal payload for task %s: %v", taskID, err)
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := model.TaskEvent{
		Topic:     model.EventTopicTasks,
		TaskID:    taskID,
		EventType: eventType,
		Payload:   string(payloadJSON),
	}

	if err := db.GetDB().Create(&event).Error; err != nil {
		log.Printf("[WebSocket] Failed to write event to database: %v", err)
		return fmt.Errorf("failed to write event to database: %w", err)
	}

	BroadcastToAll("tasks:progress", map[string]interface{}{
		"eventId": event.ID,
		"taskId":  taskID,
		"type":    eventType,
		"data":    payload,
	})

	return nil
}

// GetIncrementalEvents retrieves task events with id > lastEventId,
// limited to maxCount, oldest first.
func GetIncrementalEvents(lastEventId int64, maxCount int) ([]model.TaskEvent, error) {
	var events []model.TaskEvent

	err := db.GetDB().
		Where("topic = ? AND id > ?", model.EventTopicTasks, lastEventId).
		Order("id ASC").
		Limit(maxCount).
		Find(&events).Error

	if err != nil {
		return nil, fmt.Errorf("failed to query incremental events: %w", err)
	}

	return events, nil
}

// GetLatestEventId returns the id of the newest task event, or 0 when
// no events exist yet.
func GetLatestEventId() (int64, error) {
	var event model.TaskEvent

	err := db.GetDB().
		Where("topic = ?", model.EventTopicTasks).
		Order("id DESC").
		Limit(1).
		First(&event).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query latest event: %w", err)
	}

	return int64(event.ID), nil
}
