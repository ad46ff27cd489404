package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"prism/internal/httpx"
	"prism/internal/model"
	"prism/internal/queue"
	"prism/internal/taskstore"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// maxBatchSize limits one batch submission
const maxBatchSize = 10

var stockCodePattern = regexp.MustCompile(`^\d{6}$`)

// TaskStore is the slice of the task store the handlers need.
type TaskStore interface {
	Create(task *model.Task) error
	Get(taskID string) (*model.Task, error)
	List(status, stockCode string, page, pageSize int) ([]model.Task, int64, error)
	Cancel(taskID string) error
	Fail(taskID, errMsg string) error
	ArticlesByTask(taskID string) ([]model.Article, error)
}

// Queue accepts task ids for execution and cancels running ones.
type Queue interface {
	Enqueue(taskID string) error
	Cancel(taskID string)
}

// Publisher pushes a task event to websocket clients
type Publisher func(taskID, eventType string, payload interface{}) error

// Handler handles task API requests
type Handler struct {
	store   TaskStore
	queue   Queue
	publish Publisher
	styles  map[string]bool
}

// NewHandler creates a tasks handler. styles is the set of article
// styles submissions may request.
func NewHandler(store TaskStore, q Queue, publish Publisher, styles []string) *Handler {
	if publish == nil {
		publish = func(string, string, interface{}) error { return nil }
	}
	allowed := make(map[string]bool, len(styles))
	for _, style := range styles {
		allowed[style] = true
	}
	return &Handler{
		store:   store,
		queue:   q,
		publish: publish,
		styles:  allowed,
	}
}

// CreateRequest represents a task submission
type CreateRequest struct {
	StockCode    string   `json:"stock_code" binding:"required"`
	Styles       []string `json:"styles"`
	ArticleCount int      `json:"article_count"`
	UseCache     *bool    `json:"use_cache"`
}

// Create handles POST /tasks/create
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}

	if appErr := h.validate(&req); appErr != nil {
		httpx.FailErr(c, appErr)
		return
	}

	task, appErr := h.submit(&req)
	if appErr != nil {
		httpx.FailErr(c, appErr)
		return
	}

	httpx.OK(c, gin.H{
		"task_id": task.TaskID,
		"status":  task.Status,
	})
}

// validate checks a submission without touching storage
func (h *Handler) validate(req *CreateRequest) *httpx.AppError {
	if !stockCodePattern.MatchString(req.StockCode) {
		return httpx.ErrParamInvalid("stock_code must be a 6-digit code")
	}
	for _, style := range req.Styles {
		if !h.styles[style] {
			return httpx.ErrParamInvalid(fmt.Sprintf("unknown style: %s", style))
		}
	}
	if req.ArticleCount < 0 {
		return httpx.ErrParamInvalid("article_count must be positive")
	}
	return nil
}

// submit creates the task row and enqueues it
func (h *Handler) submit(req *CreateRequest) (*model.Task, *httpx.AppError) {
	input, err := json.Marshal(gin.H{
		"styles":        req.Styles,
		"article_count": req.ArticleCount,
		"use_cache":     req.UseCache,
	})
	if err != nil {
		return nil, httpx.ErrInternalError("failed to encode task input", err)
	}

	task := &model.Task{
		TaskID:    uuid.NewString(),
		StockCode: req.StockCode,
		Input:     datatypes.JSON(input),
	}
	if err := h.store.Create(task); err != nil {
		return nil, httpx.ErrInternalError("failed to create task", err)
	}

	if err := h.queue.Enqueue(task.TaskID); err != nil {
		// The row exists but will never run; record that.
		h.store.Fail(task.TaskID, "任务队列已满")
		if errors.Is(err, queue.ErrQueueFull) {
			return nil, httpx.ErrStateConflict("task queue is full")
		}
		return nil, httpx.ErrInternalError("failed to enqueue task", err)
	}
	return task, nil
}

// Get handles GET /tasks/:task_id
func (h *Handler) Get(c *gin.Context) {
	taskID := c.Param("task_id")

	task, err := h.store.Get(taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			httpx.FailErr(c, httpx.ErrNotFound("task not found"))
			return
		}
		httpx.FailErr(c, httpx.ErrInternalError("failed to load task", err))
		return
	}

	resp := gin.H{"task": task}
	if task.Status == model.TaskStatusCompleted {
		articles, err := h.store.ArticlesByTask(taskID)
		if err != nil {
			httpx.FailErr(c, httpx.ErrInternalError("failed to load articles", err))
			return
		}
		resp["articles"] = articles
	}

	httpx.OK(c, resp)
}

// Cancel handles POST /tasks/:task_id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	taskID := c.Param("task_id")

	if err := h.store.Cancel(taskID); err != nil {
		switch {
		case errors.Is(err, taskstore.ErrNotFound):
			httpx.FailErr(c, httpx.ErrNotFound("task not found"))
		case errors.Is(err, taskstore.ErrTerminalState):
			httpx.FailErr(c, httpx.ErrStateConflict("task already finished"))
		default:
			httpx.FailErr(c, httpx.ErrInternalError("failed to cancel task", err))
		}
		return
	}

	// Status is cancelled; now stop the work, if any is running.
	h.queue.Cancel(taskID)
	h.publish(taskID, model.EventTypeCancelled, gin.H{"task_id": taskID})

	httpx.OKMsg(c, "task cancelled", gin.H{
		"task_id": taskID,
		"status":  model.TaskStatusCancelled,
	})
}

// List handles GET /tasks
func (h *Handler) List(c *gin.Context) {
	status := c.Query("status")
	stockCode := c.Query("stock_code")

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	items, total, err := h.store.List(status, stockCode, page, pageSize)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to list tasks", err))
		return
	}

	httpx.OKItems(c, items, total, page, pageSize)
}

// BatchRequest represents a batch task submission
type BatchRequest struct {
	StockCodes   []string `json:"stock_codes" binding:"required"`
	Styles       []string `json:"styles"`
	ArticleCount int      `json:"article_count"`
	UseCache     *bool    `json:"use_cache"`
}

// BatchItem is the per-code outcome of a batch submission
type BatchItem struct {
	StockCode string `json:"stock_code"`
	TaskID    string `json:"task_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Batch handles POST /tasks/batch. Codes are submitted independently;
// one invalid code does not reject the rest.
func (h *Handler) Batch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	if len(req.StockCodes) == 0 {
		httpx.FailErr(c, httpx.ErrParamMissing("stock_codes is required"))
		return
	}
	if len(req.StockCodes) > maxBatchSize {
		httpx.FailErr(c, httpx.ErrParamInvalid(fmt.Sprintf("at most %d stock codes per batch", maxBatchSize)))
		return
	}

	items := make([]BatchItem, 0, len(req.StockCodes))
	for _, code := range req.StockCodes {
		single := CreateRequest{
			StockCode:    code,
			Styles:       req.Styles,
			ArticleCount: req.ArticleCount,
			UseCache:     req.UseCache,
		}
		if appErr := h.validate(&single); appErr != nil {
			items = append(items, BatchItem{StockCode: code, Error: appErr.Message})
			continue
		}
		task, appErr := h.submit(&single)
		if appErr != nil {
			items = append(items, BatchItem{StockCode: code, Error: appErr.Message})
			continue
		}
		items = append(items, BatchItem{StockCode: code, TaskID: task.TaskID})
	}

	httpx.OK(c, gin.H{"items": items, "total": len(items)})
}
