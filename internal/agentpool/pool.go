package agentpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"prism/internal/cache"

	"github.com/sirupsen/logrus"
)

const cachePrefix = "ai_analysis"

// Pool holds a fixed set of analysis backend handles shared by all
// concurrently executing tasks. Selection and busy-marking happen
// under one lock, so two callers can never claim the same idle
// handle. The pool never blocks a caller waiting for capacity.
type Pool struct {
	mu     sync.Mutex
	agents []*Agent

	cache       cache.Store
	analysisTTL time.Duration
	logger      *logrus.Entry
}

// Config holds the configuration for the agent pool
type Config struct {
	Endpoints   []string
	Size        int
	Timeout     time.Duration
	Cache       cache.Store
	AnalysisTTL time.Duration
	Logger      *logrus.Entry
}

// NewPool creates the agent pool. When fewer endpoints than Size are
// configured, the remaining slots use the conventional ai-service-N
// addresses.
func NewPool(cfg *Config) *Pool {
	client := &http.Client{Timeout: cfg.Timeout}

	size := cfg.Size
	if size < 1 {
		size = 1
	}

	agents := make([]*Agent, 0, size)
	for i := 0; i < size; i++ {
		endpoint := fmt.Sprintf("http://ai-service-%d:8000", i+1)
		if i < len(cfg.Endpoints) {
			endpoint = cfg.Endpoints[i]
		}
		agents = append(agents, NewAgent(fmt.Sprintf("agent_%d", i+1), endpoint, client))
	}

	logger := cfg.Logger.WithField("component", "agent-pool")
	logger.Infof("Agent pool initialized with %d agents", len(agents))

	return &Pool{
		agents:      agents,
		cache:       cfg.Cache,
		analysisTTL: cfg.AnalysisTTL,
		logger:      logger,
	}
}

// Size returns the pool capacity
func (p *Pool) Size() int {
	return len(p.agents)
}

// acquire selects a handle and, when one is idle, claims it in the
// same critical section. When every handle is busy it returns the
// least-used one unclaimed; the subsequent Analyze call surfaces the
// contention error and the caller degrades to a fallback.
func (p *Pool) acquire() (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var least *Agent
	var leastCount int64
	for _, agent := range p.agents {
		busy, count := agent.snapshot()
		if !busy && agent.tryClaim() {
			return agent, true
		}
		if least == nil || count < leastCount {
			least = agent
			leastCount = count
		}
	}
	return least, false
}

// AnalyzeStyle produces one analysis for (code, style): cache-first,
// then a pool-selected backend call, then the deterministic fallback.
// Fallback results are never written to the cache.
func (p *Pool) AnalyzeStyle(ctx context.Context, code string, stockData map[string]json.RawMessage, style string, useCache bool) *Analysis {
	key := cache.Key(cachePrefix, code, style)

	if useCache {
		if cached, err := p.cache.Get(ctx, key); err == nil {
			var result Analysis
			if err := json.Unmarshal([]byte(cached), &result); err == nil {
				p.logger.Debugf("Cache hit for analysis %s", key)
				return &result
			}
			// Unreadable cache entry, drop it and regenerate.
			p.cache.Delete(ctx, key)
		}
	}

	agent, claimed := p.acquire()

	var result *Analysis
	var err error
	if claimed {
		defer agent.release()
		result, err = agent.analyze(ctx, code, stockData, style)
	} else {
		err = fmt.Errorf("%w: %s", ErrAgentBusy, agent.ID)
	}

	if err != nil {
		p.logger.Warnf("Analysis failed for %s/%s on %s, using fallback: %v", code, style, agent.ID, err)
		return FallbackAnalysis(agent.ID, code, style)
	}

	if payload, marshalErr := json.Marshal(result); marshalErr == nil {
		if cacheErr := p.cache.Set(ctx, key, string(payload), p.analysisTTL); cacheErr != nil {
			p.logger.Warnf("Failed to cache analysis %s: %v", key, cacheErr)
		}
	}

	p.logger.Infof("Analysis completed: %s - %s", agent.ID, style)
	return result
}

// AnalyzeParallel runs one analysis per requested style. Concurrency
// is bounded by the pool capacity so style fan-out cannot overcommit
// the pool. Each style degrades independently; the returned slice is
// ordered like the input styles and always has the same length.
func (p *Pool) AnalyzeParallel(ctx context.Context, code string, stockData map[string]json.RawMessage, styles []string, useCache bool) []*Analysis {
	results := make([]*Analysis, len(styles))
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, len(p.agents))

	for i, style := range styles {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int, style string) {
			defer wg.Done()
			defer func() { <-semaphore }()
			results[i] = p.AnalyzeStyle(ctx, code, stockData, style, useCache)
		}(i, style)
	}
	wg.Wait()

	fallbacks := 0
	for _, r := range results {
		if r.Fallback {
			fallbacks++
		}
	}
	p.logger.Infof("Parallel analysis done for %s: %d styles, %d fallbacks", code, len(styles), fallbacks)
	return results
}

// Stats summarizes pool utilization
type Stats struct {
	TotalAgents     int     `json:"total_agents"`
	BusyAgents      int     `json:"busy_agents"`
	AvailableAgents int     `json:"available_agents"`
	TotalRequests   int64   `json:"total_requests"`
	Utilization     float64 `json:"pool_utilization"`
}

// Stats returns a snapshot of pool utilization
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{TotalAgents: len(p.agents)}
	for _, agent := range p.agents {
		busy, count := agent.snapshot()
		if busy {
			stats.BusyAgents++
		}
		stats.TotalRequests += count
	}
	stats.AvailableAgents = stats.TotalAgents - stats.BusyAgents
	if stats.TotalAgents > 0 {
		stats.Utilization = float64(stats.BusyAgents) / float64(stats.TotalAgents) * 100
	}
	return stats
}
