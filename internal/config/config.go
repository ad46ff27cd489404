package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL     MySQLConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Migrate   bool
	HTTPAddr  string
	StockAPI  StockAPIConfig
	AgentPool AgentPoolConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Articles  ArticleConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// StockAPIConfig holds stock data source configuration
type StockAPIConfig struct {
	BaseURL     string
	TimeoutSec  int
	RetryTimes  int
	Concurrency int
}

// AgentPoolConfig holds analysis backend pool configuration
type AgentPoolConfig struct {
	Endpoints  []string
	Size       int
	TimeoutSec int
}

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	StockDataTTLSec int
	AnalysisTTLSec  int
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	Workers        int
	Capacity       int
	TaskTimeoutSec int
	MaxAttempts    int
	RetryDelaySec  int
}

// ArticleConfig holds article generation configuration
type ArticleConfig struct {
	Styles       []string
	DefaultCount int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "prism"),
		},
		Migrate:  getEnv("MIGRATE", "0") == "1",
		HTTPAddr: getEnv("HTTP_ADDR", ":3005"),
		StockAPI: StockAPIConfig{
			BaseURL:     getEnv("STOCK_API_BASE_URL", "http://localhost:3003"),
			TimeoutSec:  getEnvInt("STOCK_API_TIMEOUT_SEC", 10),
			RetryTimes:  getEnvInt("STOCK_API_RETRY_TIMES", 3),
			Concurrency: getEnvInt("STOCK_API_CONCURRENCY", 4),
		},
		AgentPool: AgentPoolConfig{
			Endpoints:  getEnvList("AI_AGENT_ENDPOINTS", nil),
			Size:       getEnvInt("AI_AGENT_POOL_SIZE", 5),
			TimeoutSec: getEnvInt("AI_AGENT_TIMEOUT_SEC", 30),
		},
		Cache: CacheConfig{
			StockDataTTLSec: getEnvInt("CACHE_TTL_STOCK_DATA_SEC", 3600),
			AnalysisTTLSec:  getEnvInt("CACHE_TTL_AI_RESPONSE_SEC", 1800),
		},
		Queue: QueueConfig{
			Workers:        getEnvInt("QUEUE_WORKERS", 10),
			Capacity:       getEnvInt("QUEUE_CAPACITY", 100),
			TaskTimeoutSec: getEnvInt("TASK_TIMEOUT_SEC", 300),
			MaxAttempts:    getEnvInt("TASK_MAX_ATTEMPTS", 3),
			RetryDelaySec:  getEnvInt("TASK_RETRY_DELAY_SEC", 60),
		},
		Articles: ArticleConfig{
			Styles:       getEnvList("ARTICLE_STYLES", defaultStyles()),
			DefaultCount: getEnvInt("DEFAULT_ARTICLE_COUNT", 3),
		},
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Helper function: get value with priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		return defaultValue
	}

	getValueList := func(envKey, iniSection, iniKey string, defaultValue []string) []string {
		if value := os.Getenv(envKey); value != "" {
			return splitList(value)
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return splitList(value)
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "prism"),
		},
		Migrate:  getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: getValue("HTTP_ADDR", "http", "addr", ":3005"),
		StockAPI: StockAPIConfig{
			BaseURL:     getValue("STOCK_API_BASE_URL", "stock_api", "base_url", "http://localhost:3003"),
			TimeoutSec:  getValueInt("STOCK_API_TIMEOUT_SEC", "stock_api", "timeout_sec", 10),
			RetryTimes:  getValueInt("STOCK_API_RETRY_TIMES", "stock_api", "retry_times", 3),
			Concurrency: getValueInt("STOCK_API_CONCURRENCY", "stock_api", "concurrency", 4),
		},
		AgentPool: AgentPoolConfig{
			Endpoints:  getValueList("AI_AGENT_ENDPOINTS", "agent_pool", "endpoints", nil),
			Size:       getValueInt("AI_AGENT_POOL_SIZE", "agent_pool", "size", 5),
			TimeoutSec: getValueInt("AI_AGENT_TIMEOUT_SEC", "agent_pool", "timeout_sec", 30),
		},
		Cache: CacheConfig{
			StockDataTTLSec: getValueInt("CACHE_TTL_STOCK_DATA_SEC", "cache", "stock_data_ttl_sec", 3600),
			AnalysisTTLSec:  getValueInt("CACHE_TTL_AI_RESPONSE_SEC", "cache", "analysis_ttl_sec", 1800),
		},
		Queue: QueueConfig{
			Workers:        getValueInt("QUEUE_WORKERS", "queue", "workers", 10),
			Capacity:       getValueInt("QUEUE_CAPACITY", "queue", "capacity", 100),
			TaskTimeoutSec: getValueInt("TASK_TIMEOUT_SEC", "queue", "task_timeout_sec", 300),
			MaxAttempts:    getValueInt("TASK_MAX_ATTEMPTS", "queue", "max_attempts", 3),
			RetryDelaySec:  getValueInt("TASK_RETRY_DELAY_SEC", "queue", "retry_delay_sec", 60),
		},
		Articles: ArticleConfig{
			Styles:       getValueList("ARTICLE_STYLES", "articles", "styles", defaultStyles()),
			DefaultCount: getValueInt("DEFAULT_ARTICLE_COUNT", "articles", "default_count", 3),
		},
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.AgentPool.Size < 1 {
		return fmt.Errorf("AI_AGENT_POOL_SIZE must be at least 1")
	}
	if cfg.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1")
	}
	if len(cfg.Articles.Styles) == 0 {
		return fmt.Errorf("ARTICLE_STYLES must not be empty")
	}
	if cfg.Articles.DefaultCount < 1 || cfg.Articles.DefaultCount > len(cfg.Articles.Styles) {
		return fmt.Errorf("DEFAULT_ARTICLE_COUNT must be between 1 and %d", len(cfg.Articles.Styles))
	}
	return nil
}

func defaultStyles() []string {
	return []string{"professional", "dark", "optimistic", "conservative"}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitList(value)
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
