package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	os.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/prism")
	os.Setenv("JWT_SECRET", "test-secret")
	t.Cleanup(func() {
		os.Unsetenv("MYSQL_DSN")
		os.Unsetenv("JWT_SECRET")
	})
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.HTTPAddr != ":3005" {
		t.Errorf("Expected HTTPAddr ':3005', got '%s'", cfg.HTTPAddr)
	}
	if cfg.AgentPool.Size != 5 {
		t.Errorf("Expected pool size 5, got %d", cfg.AgentPool.Size)
	}
	if cfg.Cache.StockDataTTLSec != 3600 {
		t.Errorf("Expected stock data TTL 3600, got %d", cfg.Cache.StockDataTTLSec)
	}
	if cfg.Cache.AnalysisTTLSec != 1800 {
		t.Errorf("Expected analysis TTL 1800, got %d", cfg.Cache.AnalysisTTLSec)
	}
	if cfg.Queue.TaskTimeoutSec != 300 {
		t.Errorf("Expected task timeout 300, got %d", cfg.Queue.TaskTimeoutSec)
	}
	if len(cfg.Articles.Styles) != 4 {
		t.Errorf("Expected 4 default styles, got %d", len(cfg.Articles.Styles))
	}
	if cfg.Articles.DefaultCount != 3 {
		t.Errorf("Expected default article count 3, got %d", cfg.Articles.DefaultCount)
	}
}

func TestLoad_MissingDSN(t *testing.T) {
	os.Unsetenv("MYSQL_DSN")
	os.Setenv("JWT_SECRET", "test-secret")
	defer os.Unsetenv("JWT_SECRET")

	if _, err := Load(); err == nil {
		t.Error("Expected error when MYSQL_DSN is missing")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	setRequiredEnv(t)
	os.Setenv("AI_AGENT_POOL_SIZE", "2")
	os.Setenv("ARTICLE_STYLES", "professional, dark")
	os.Setenv("DEFAULT_ARTICLE_COUNT", "2")
	defer func() {
		os.Unsetenv("AI_AGENT_POOL_SIZE")
		os.Unsetenv("ARTICLE_STYLES")
		os.Unsetenv("DEFAULT_ARTICLE_COUNT")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.AgentPool.Size != 2 {
		t.Errorf("Expected pool size 2, got %d", cfg.AgentPool.Size)
	}
	if len(cfg.Articles.Styles) != 2 || cfg.Articles.Styles[1] != "dark" {
		t.Errorf("Expected styles [professional dark], got %v", cfg.Articles.Styles)
	}
}

func TestLoad_InvalidDefaultCount(t *testing.T) {
	setRequiredEnv(t)
	os.Setenv("DEFAULT_ARTICLE_COUNT", "9")
	defer os.Unsetenv("DEFAULT_ARTICLE_COUNT")

	if _, err := Load(); err == nil {
		t.Error("Expected error when DEFAULT_ARTICLE_COUNT exceeds style count")
	}
}

func TestLoadFromINI(t *testing.T) {
	os.Unsetenv("MYSQL_DSN")
	os.Unsetenv("JWT_SECRET")

	iniContent := `[mysql]
dsn = user:pass@tcp(localhost:3306)/prism

[jwt]
secret = ini-secret

[agent_pool]
size = 3
endpoints = http://ai-1:8000, http://ai-2:8000

[queue]
workers = 4
`
	iniPath := filepath.Join(t.TempDir(), "prism.ini")
	if err := os.WriteFile(iniPath, []byte(iniContent), 0644); err != nil {
		t.Fatalf("Failed to write INI file: %v", err)
	}

	cfg, err := LoadFromINI(iniPath)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	if cfg.JWT.Secret != "ini-secret" {
		t.Errorf("Expected JWT secret 'ini-secret', got '%s'", cfg.JWT.Secret)
	}
	if cfg.AgentPool.Size != 3 {
		t.Errorf("Expected pool size 3, got %d", cfg.AgentPool.Size)
	}
	if len(cfg.AgentPool.Endpoints) != 2 {
		t.Errorf("Expected 2 endpoints, got %v", cfg.AgentPool.Endpoints)
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.Queue.Workers)
	}
}

func TestLoadFromINI_EnvTakesPriority(t *testing.T) {
	os.Setenv("AI_AGENT_POOL_SIZE", "7")
	defer os.Unsetenv("AI_AGENT_POOL_SIZE")

	iniContent := `[mysql]
dsn = user:pass@tcp(localhost:3306)/prism

[jwt]
secret = ini-secret

[agent_pool]
size = 3
`
	iniPath := filepath.Join(t.TempDir(), "prism.ini")
	if err := os.WriteFile(iniPath, []byte(iniContent), 0644); err != nil {
		t.Fatalf("Failed to write INI file: %v", err)
	}

	cfg, err := LoadFromINI(iniPath)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	if cfg.AgentPool.Size != 7 {
		t.Errorf("Expected env override pool size 7, got %d", cfg.AgentPool.Size)
	}
}
