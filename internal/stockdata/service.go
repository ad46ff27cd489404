package stockdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"prism/internal/cache"

	"github.com/sirupsen/logrus"
)

// Data categories fetched for every task
const (
	CategoryFundamental = "fundamental"
	CategoryTechnical   = "technical"
	CategoryFinancial   = "financial"
	CategorySentiment   = "sentiment"
)

// Categories lists all categories in fetch order
var Categories = []string{
	CategoryFundamental,
	CategoryTechnical,
	CategoryFinancial,
	CategorySentiment,
}

const cachePrefix = "stock"

// ErrNoData is returned by FetchAll when every category failed.
var ErrNoData = errors.New("stockdata: no data categories retrieved")

// Service fetches stock data categories from the upstream stock API.
// Each category resolves cache-first; misses hit the upstream with a
// per-call timeout and exponential backoff retry. A category that
// exhausts its retries is dropped from the result set.
type Service struct {
	baseURL     string
	client      *http.Client
	cache       cache.Store
	cacheTTL    time.Duration
	retryTimes  int
	baseDelay   time.Duration
	concurrency int
	logger      *logrus.Entry
}

// Config holds the configuration for the stock data service
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryTimes  int
	BaseDelay   time.Duration
	Concurrency int
	Cache       cache.Store
	CacheTTL    time.Duration
	Logger      *logrus.Entry
}

// NewService creates a stock data service
func NewService(cfg *Config) *Service {
	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = len(Categories)
	}
	retryTimes := cfg.RetryTimes
	if retryTimes < 1 {
		retryTimes = 1
	}
	return &Service{
		baseURL:     cfg.BaseURL,
		client:      &http.Client{Timeout: cfg.Timeout},
		cache:       cfg.Cache,
		cacheTTL:    cfg.CacheTTL,
		retryTimes:  retryTimes,
		baseDelay:   baseDelay,
		concurrency: concurrency,
		logger:      cfg.Logger.WithField("component", "stockdata"),
	}
}

// endpointFor maps a category to its upstream path. Sentiment has no
// upstream endpoint and is synthesized locally.
func endpointFor(category, code string) (string, bool) {
	switch category {
	case CategoryFundamental:
		return fmt.Sprintf("/stocks/%s/analysis/fundamental", code), true
	case CategoryTechnical:
		return fmt.Sprintf("/stocks/%s/analysis/technical", code), true
	case CategoryFinancial:
		return fmt.Sprintf("/api/financial-abstract/%s", code), true
	}
	return "", false
}

// Fetch retrieves one data category for a stock code
func (s *Service) Fetch(ctx context.Context, code, category string, useCache bool) (json.RawMessage, error) {
	key := cache.Key(cachePrefix, code, category)

	if useCache {
		if cached, err := s.cache.Get(ctx, key); err == nil {
			s.logger.Debugf("Cache hit for %s", key)
			return json.RawMessage(cached), nil
		}
	}

	var payload json.RawMessage
	path, remote := endpointFor(category, code)
	if remote {
		data, err := s.fetchWithRetry(ctx, s.baseURL+path)
		if err != nil {
			return nil, err
		}
		payload = data
	} else {
		payload = synthesizeSentiment(code)
	}

	if err := s.cache.Set(ctx, key, string(payload), s.cacheTTL); err != nil {
		// A cache write failure only costs the next caller a refetch.
		s.logger.Warnf("Failed to cache %s: %v", key, err)
	}
	return payload, nil
}

// FetchAll retrieves all categories concurrently and returns whichever
// subset succeeded. It returns ErrNoData only when every category
// failed.
func (s *Service) FetchAll(ctx context.Context, code string, useCache bool) (map[string]json.RawMessage, error) {
	results := make(map[string]json.RawMessage)
	var mu sync.Mutex
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, s.concurrency)

	for _, category := range Categories {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(category string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			payload, err := s.Fetch(ctx, code, category, useCache)
			if err != nil {
				s.logger.Warnf("Dropping category %s for %s: %v", category, code, err)
				return
			}
			mu.Lock()
			results[category] = payload
			mu.Unlock()
		}(category)
	}
	wg.Wait()

	if len(results) == 0 {
		return nil, fmt.Errorf("%w: stock %s", ErrNoData, code)
	}

	s.logger.Infof("Collected %d/%d data categories for %s", len(results), len(Categories), code)
	return results, nil
}

// fetchWithRetry performs the upstream GET with exponential backoff.
func (s *Service) fetchWithRetry(ctx context.Context, url string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < s.retryTimes; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		payload, err := s.fetchOnce(ctx, url)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warnf("Fetch attempt %d/%d failed: %s: %v", attempt+1, s.retryTimes, url, err)
	}
	return nil, fmt.Errorf("all %d attempts failed for %s: %w", s.retryTimes, url, lastErr)
}

func (s *Service) fetchOnce(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("upstream returned invalid JSON")
	}
	return json.RawMessage(body), nil
}

// synthesizeSentiment builds the locally generated market sentiment
// payload. There is no upstream sentiment source yet.
func synthesizeSentiment(code string) json.RawMessage {
	payload, _ := json.Marshal(map[string]interface{}{
		"source":                 "market_sentiment",
		"stock_code":             code,
		"sentiment_score":        0.65,
		"news_sentiment":         "positive",
		"social_media_sentiment": "neutral",
		"analyst_ratings": map[string]int{
			"buy":  3,
			"hold": 2,
			"sell": 1,
		},
		"updated_at": time.Now().Format(time.RFC3339),
	})
	return payload
}
