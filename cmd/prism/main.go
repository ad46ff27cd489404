package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	v1 "prism/api/v1"
	"prism/internal/agentpool"
	"prism/internal/auth"
	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/db"
	"prism/internal/monitor"
	"prism/internal/pipeline"
	"prism/internal/queue"
	"prism/internal/stockdata"
	"prism/internal/taskstore"
	"prism/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log.Println("✓ Configuration loaded")

	logger := logrus.NewEntry(logrus.StandardLogger())

	// 2. Initialize MySQL
	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Migrate {
		if err := db.Migrate(db.GetDB()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
			os.Exit(1)
		}
		log.Println("✓ Database migrated")
	}

	// 3. Initialize Redis
	if err := cache.InitRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		log.Fatalf("Failed to initialize Redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()
	store := cache.NewRedisStore(cache.Client)

	// 4. Initialize JWT
	auth.InitJWT(cfg.JWT.Secret)

	// 5. Wire the pipeline components
	fetcher := stockdata.NewService(&stockdata.Config{
		BaseURL:     cfg.StockAPI.BaseURL,
		Timeout:     time.Duration(cfg.StockAPI.TimeoutSec) * time.Second,
		RetryTimes:  cfg.StockAPI.RetryTimes,
		Concurrency: cfg.StockAPI.Concurrency,
		Cache:       store,
		CacheTTL:    time.Duration(cfg.Cache.StockDataTTLSec) * time.Second,
		Logger:      logger,
	})

	pool := agentpool.NewPool(&agentpool.Config{
		Endpoints:   cfg.AgentPool.Endpoints,
		Size:        cfg.AgentPool.Size,
		Timeout:     time.Duration(cfg.AgentPool.TimeoutSec) * time.Second,
		Cache:       store,
		AnalysisTTL: time.Duration(cfg.Cache.AnalysisTTLSec) * time.Second,
		Logger:      logger,
	})

	tasks := taskstore.New(db.GetDB(), logger)

	runner := pipeline.NewRunner(&pipeline.Config{
		Store:        tasks,
		Fetcher:      fetcher,
		Analyzer:     pool,
		Publish:      ws.PublishTaskEvent,
		Styles:       cfg.Articles.Styles,
		DefaultCount: cfg.Articles.DefaultCount,
		Logger:       logger,
	})

	jobQueue := queue.New(&queue.Config{
		Runner:      runner,
		Store:       tasks,
		Publish:     ws.PublishTaskEvent,
		Logger:      logger,
		Workers:     cfg.Queue.Workers,
		Capacity:    cfg.Queue.Capacity,
		TaskTimeout: time.Duration(cfg.Queue.TaskTimeoutSec) * time.Second,
		MaxAttempts: cfg.Queue.MaxAttempts,
		RetryDelay:  time.Duration(cfg.Queue.RetryDelaySec) * time.Second,
	})
	jobQueue.Start()
	defer jobQueue.Stop()

	mon := monitor.New(&monitor.Config{
		DB:     db.GetDB(),
		Queue:  jobQueue,
		Pool:   pool,
		Logger: logger,
	})

	// 6. Initialize the Socket.IO server
	if err := ws.InitServer(); err != nil {
		log.Fatalf("Failed to initialize websocket server: %v", err)
		os.Exit(1)
	}

	// 7. Initialize Gin router
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	v1.SetupRouter(r, &v1.Deps{
		DB:      db.GetDB(),
		Config:  cfg,
		Store:   tasks,
		Queue:   jobQueue,
		Fetcher: fetcher,
		Pool:    pool,
		Monitor: mon,
		Publish: ws.PublishTaskEvent,
	})

	// Socket.IO endpoint with JWT handshake auth
	wsHandler := ws.WrapWithAuth(ws.Server)
	r.GET("/socket.io/*any", gin.WrapH(wsHandler))
	r.POST("/socket.io/*any", gin.WrapH(wsHandler))

	// Stop workers cleanly on SIGINT/SIGTERM.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")
		jobQueue.Stop()
		db.Close()
		cache.Close()
		os.Exit(0)
	}()

	log.Printf("✓ Server starting on %s", cfg.HTTPAddr)

	// Start server
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
