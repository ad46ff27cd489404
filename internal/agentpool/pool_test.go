package agentpool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"prism/internal/cache"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func newTestPool(t *testing.T, endpoints []string, size int) *Pool {
	t.Helper()
	return NewPool(&Config{
		Endpoints:   endpoints,
		Size:        size,
		Timeout:     2 * time.Second,
		Cache:       cache.NewMemoryStore(),
		AnalysisTTL: time.Minute,
		Logger:      testLogger(),
	})
}

func analysisBackend(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		var req analyzeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(analyzeResponse{
			Title:           "remote title",
			Analysis:        "remote analysis for " + req.AnalysisStyle,
			Summary:         "remote summary",
			Recommendations: []string{"hold"},
			Confidence:      0.9,
			RiskLevel:       "low",
			ProcessingTime:  1.5,
		})
	}))
}

func TestFallbackAnalysis_Deterministic(t *testing.T) {
	a := FallbackAnalysis("agent_1", "600519", "dark")

	if !a.Fallback {
		t.Error("Expected fallback flag to be set")
	}
	if a.Confidence != FallbackConfidence {
		t.Errorf("Expected confidence %v, got %v", FallbackConfidence, a.Confidence)
	}
	if a.Style != "dark" {
		t.Errorf("Expected style 'dark', got '%s'", a.Style)
	}
	if !strings.Contains(a.Title, "600519") {
		t.Errorf("Expected title to mention the stock code, got '%s'", a.Title)
	}
	if a.AgentID != "fallback_agent_1" {
		t.Errorf("Expected agent id 'fallback_agent_1', got '%s'", a.AgentID)
	}
	if len(a.Recommendations) != 3 {
		t.Errorf("Expected 3 recommendations, got %d", len(a.Recommendations))
	}
}

func TestFallbackAnalysis_UnknownStyle(t *testing.T) {
	a := FallbackAnalysis("agent_1", "600519", "nonsense")
	if a.Style != "nonsense" {
		t.Errorf("Expected requested style to be preserved, got '%s'", a.Style)
	}
	// Unknown styles use the professional template.
	if !strings.Contains(a.Title, "专业分析报告") {
		t.Errorf("Expected professional template, got '%s'", a.Title)
	}
}

func TestAgent_RejectsConcurrentCall(t *testing.T) {
	agent := NewAgent("agent_1", "http://unused:1", &http.Client{})
	if !agent.tryClaim() {
		t.Fatal("First claim should succeed")
	}

	_, err := agent.Analyze(context.Background(), "600519", nil, "professional")
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Errorf("Expected busy error, got %v", err)
	}

	agent.release()
	if !agent.tryClaim() {
		t.Error("Claim after release should succeed")
	}
}

func TestPool_AcquirePrefersIdle(t *testing.T) {
	p := newTestPool(t, nil, 3)

	first, claimed := p.acquire()
	if !claimed {
		t.Fatal("Expected first acquire to claim an idle agent")
	}
	second, claimed := p.acquire()
	if !claimed {
		t.Fatal("Expected second acquire to claim an idle agent")
	}
	if first.ID == second.ID {
		t.Errorf("Two acquires claimed the same handle %s", first.ID)
	}
}

func TestPool_AllBusySelectsLeastUsedUnclaimed(t *testing.T) {
	p := newTestPool(t, nil, 2)

	a1, _ := p.acquire()
	a2, _ := p.acquire()
	// Inflate one agent's count so the tie-break is observable.
	a1.mu.Lock()
	a1.requestCount = 10
	a1.mu.Unlock()

	agent, claimed := p.acquire()
	if claimed {
		t.Fatal("Expected no claim when all agents are busy")
	}
	if agent.ID != a2.ID {
		t.Errorf("Expected least-used agent %s, got %s", a2.ID, agent.ID)
	}
}

func TestAnalyzeStyle_SuccessIsCached(t *testing.T) {
	var calls int32
	server := analysisBackend(t, &calls)
	defer server.Close()

	p := newTestPool(t, []string{server.URL}, 1)
	ctx := context.Background()

	first := p.AnalyzeStyle(ctx, "600519", nil, "professional", true)
	if first.Fallback {
		t.Fatal("Expected remote result, got fallback")
	}
	if first.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9, got %v", first.Confidence)
	}

	second := p.AnalyzeStyle(ctx, "600519", nil, "professional", true)
	if second.Fallback {
		t.Fatal("Expected cached remote result, got fallback")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("Expected 1 backend call, got %d", n)
	}
}

func TestAnalyzeStyle_BackendErrorFallsBackUncached(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := cache.NewMemoryStore()
	p := NewPool(&Config{
		Endpoints:   []string{server.URL},
		Size:        1,
		Timeout:     time.Second,
		Cache:       store,
		AnalysisTTL: time.Minute,
		Logger:      testLogger(),
	})

	result := p.AnalyzeStyle(context.Background(), "600519", nil, "dark", true)
	if !result.Fallback {
		t.Fatal("Expected fallback result")
	}
	if result.Confidence > FallbackConfidence {
		t.Errorf("Fallback confidence %v exceeds cap %v", result.Confidence, FallbackConfidence)
	}

	exists, _ := store.Exists(context.Background(), cache.Key("ai_analysis", "600519", "dark"))
	if exists {
		t.Error("Fallback result must not be cached")
	}
}

func TestAnalyzeParallel_TotalOutage(t *testing.T) {
	p := newTestPool(t, []string{"http://127.0.0.1:1"}, 2)

	styles := []string{"professional", "dark", "optimistic"}
	results := p.AnalyzeParallel(context.Background(), "600519", nil, styles, false)

	if len(results) != len(styles) {
		t.Fatalf("Expected %d results, got %d", len(styles), len(results))
	}
	for i, r := range results {
		if r == nil {
			t.Fatalf("Result %d is nil", i)
		}
		if !r.Fallback {
			t.Errorf("Expected fallback for style %s", styles[i])
		}
		if r.Confidence > FallbackConfidence {
			t.Errorf("Style %s confidence %v exceeds cap", styles[i], r.Confidence)
		}
		if r.Style != styles[i] {
			t.Errorf("Result %d has style %s, want %s", i, r.Style, styles[i])
		}
	}

	if busy := p.Stats().BusyAgents; busy != 0 {
		t.Errorf("Expected all agents released after batch, %d still busy", busy)
	}
}

func TestAnalyzeParallel_MoreStylesThanAgents(t *testing.T) {
	server := analysisBackend(t, nil)
	defer server.Close()

	// Pool of 2, 4 requested styles: the admission gate keeps at most
	// 2 calls in flight, so every style still gets a real result.
	p := newTestPool(t, []string{server.URL, server.URL}, 2)

	styles := []string{"professional", "dark", "optimistic", "conservative"}
	results := p.AnalyzeParallel(context.Background(), "600519", nil, styles, false)

	for i, r := range results {
		if r.Fallback {
			t.Errorf("Style %s unexpectedly degraded to fallback", styles[i])
		}
	}
}

func TestPool_Stats(t *testing.T) {
	p := newTestPool(t, nil, 4)

	a, claimed := p.acquire()
	if !claimed {
		t.Fatal("Expected claim to succeed")
	}
	defer a.release()

	stats := p.Stats()
	if stats.TotalAgents != 4 {
		t.Errorf("Expected 4 agents, got %d", stats.TotalAgents)
	}
	if stats.BusyAgents != 1 {
		t.Errorf("Expected 1 busy agent, got %d", stats.BusyAgents)
	}
	if stats.AvailableAgents != 3 {
		t.Errorf("Expected 3 available agents, got %d", stats.AvailableAgents)
	}
	if stats.Utilization != 25 {
		t.Errorf("Expected 25%% utilization, got %v", stats.Utilization)
	}
}
