package v1

import (
	"prism/api/v1/analysis"
	"prism/api/v1/auth"
	"prism/api/v1/middleware"
	"prism/api/v1/stocks"
	"prism/api/v1/system"
	"prism/api/v1/tasks"
	"prism/internal/agentpool"
	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/httpx"
	"prism/internal/monitor"
	"prism/internal/queue"
	"prism/internal/stockdata"
	"prism/internal/taskstore"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps bundles the live components the API handlers work against
type Deps struct {
	DB      *gorm.DB
	Config  *config.Config
	Store   *taskstore.Store
	Queue   *queue.Queue
	Fetcher *stockdata.Service
	Pool    *agentpool.Pool
	Monitor *monitor.Monitor
	Publish tasks.Publisher
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, deps *Deps) {
	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler(deps))

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", auth.LoginHandler(deps.DB, deps.Config))
		}

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/me", meHandler)

			tasksHandler := tasks.NewHandler(deps.Store, deps.Queue, deps.Publish, deps.Config.Articles.Styles)
			tasksGroup := protected.Group("/tasks")
			{
				tasksGroup.GET("", tasksHandler.List)
				tasksGroup.POST("/create", tasksHandler.Create)
				tasksGroup.POST("/batch", tasksHandler.Batch)
				tasksGroup.GET("/:task_id", tasksHandler.Get)
				tasksGroup.POST("/:task_id/cancel", tasksHandler.Cancel)
			}

			stocksHandler := stocks.NewHandler(deps.Fetcher)
			protected.GET("/stocks/:code/data", stocksHandler.Data)

			analysisHandler := analysis.NewHandler(deps.Fetcher, deps.Pool, deps.Config.Articles.Styles)
			protected.POST("/analysis/analyze", analysisHandler.Analyze)

			systemHandler := system.NewHandler(deps.Monitor)
			protected.GET("/system/stats", systemHandler.Stats)
		}
	}
}

// pingHandler reports liveness of the service and its dependencies
func pingHandler(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		health := gin.H{"pong": true}

		dbOK := false
		if sqlDB, err := deps.DB.DB(); err == nil {
			dbOK = sqlDB.PingContext(c.Request.Context()) == nil
		}
		health["mysql"] = dbOK

		redisOK := cache.Client != nil && cache.Client.Ping(c.Request.Context()).Err() == nil
		health["redis"] = redisOK

		stats := deps.Pool.Stats()
		health["agents_available"] = stats.AvailableAgents

		httpx.OK(c, health)
	}
}

// meHandler returns current user information
func meHandler(c *gin.Context) {
	uid, _ := c.Get("uid")
	username, _ := c.Get("username")
	role, _ := c.Get("role")

	httpx.OK(c, gin.H{
		"uid":      uid,
		"username": username,
		"role":     role,
	})
}
