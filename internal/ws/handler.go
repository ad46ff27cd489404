package ws

import (
	"encoding/json"
	"log"

	socketio "github.com/googollee/go-socket.io"

	"prism/internal/db"
	"prism/internal/model"
)

// TaskListItem is one task in the tasks:initial snapshot
type TaskListItem struct {
	TaskID          string `json:"task_id"`
	StockCode       string `json:"stock_code"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	ProgressStep    string `json:"progress_step"`
	ProgressPercent int    `json:"progress_percent"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// handleRequestTasks handles the request:tasks event. Clients that
// reconnect pass the last event id they saw; when the gap is small the
// server replays the missed events, otherwise it sends a full
// snapshot of recent tasks.
func handleRequestTasks(s socketio.Conn, data interface{}) {
	log.Printf("[WebSocket] request:tasks from client %s", s.ID())

	var lastEventId int64
	if dataMap, ok := data.(map[string]interface{}); ok {
		if v, ok := dataMap["lastEventId"].(float64); ok {
			lastEventId = int64(v)
		}
	}

	if lastEventId > 0 {
		if sendIncrementalUpdates(s, lastEventId) {
			return
		}
		log.Printf("[WebSocket] Incremental updates failed, falling back to full snapshot")
	}

	sendTasksSnapshot(s)
}

// sendIncrementalUpdates replays events newer than lastEventId.
// Returns false when the client should receive a full snapshot
// instead.
func sendIncrementalUpdates(s socketio.Conn, lastEventId int64) bool {
	maxCount := 500
	events, err := GetIncrementalEvents(lastEventId, maxCount)
	if err != nil {
		log.Printf("[WebSocket] Failed to query incremental events: %v", err)
		return false
	}

	// Too large a gap, a snapshot is cheaper than replaying.
	if len(events) >= maxCount {
		log.Printf("[WebSocket] Too many incremental events (%d), falling back to snapshot", len(events))
		return false
	}

	if len(events) == 0 {
		latestEventId, _ := GetLatestEventId()
		s.Emit("tasks:initial", map[string]interface{}{
			"items":       []interface{}{},
			"total":       0,
			"lastEventId": latestEventId,
		})
		return true
	}

	log.Printf("[WebSocket] Replaying %d task events", len(events))
	for _, event := range events {
		var payload interface{}
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			log.Printf("[WebSocket] Failed to unmarshal event payload: %v", err)
			continue
		}

		s.Emit("tasks:progress", map[string]interface{}{
			"eventId": event.ID,
			"taskId":  event.TaskID,
			"type":    event.EventType,
			"data":    payload,
		})
	}

	return true
}

// sendTasksSnapshot sends the recent tasks list to the client
func sendTasksSnapshot(s socketio.Conn) {
	var total int64
	query := db.GetDB().Model(&model.Task{})

	if err := query.Count(&total).Error; err != nil {
		log.Printf("[WebSocket] Failed to count tasks: %v", err)
		s.Emit("error", map[string]interface{}{
			"message": "Failed to query tasks",
		})
		return
	}

	var tasks []model.Task
	if err := query.Order("id DESC").Limit(200).Find(&tasks).Error; err != nil {
		log.Printf("[WebSocket] Failed to query tasks: %v", err)
		s.Emit("error", map[string]interface{}{
			"message": "Failed to query tasks",
		})
		return
	}

	items := make([]TaskListItem, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, TaskListItem{
			TaskID:          task.TaskID,
			StockCode:       task.StockCode,
			Type:            task.Type,
			Status:          task.Status,
			ProgressStep:    task.ProgressStep,
			ProgressPercent: task.ProgressPercent,
			CreatedAt:       task.CreatedAt.Format("2006-01-02 15:04:05"),
			UpdatedAt:       task.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}

	latestEventId, _ := GetLatestEventId()

	s.Emit("tasks:initial", map[string]interface{}{
		"items":       items,
		"total":       total,
		"lastEventId": latestEventId,
	})

	log.Printf("[WebSocket] Sent tasks snapshot: total=%d, lastEventId=%d", total, latestEventId)
}
