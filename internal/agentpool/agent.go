package agentpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrAgentBusy signals that a handle already has an outstanding call.
// Callers degrade to a fallback analysis instead of queueing.
var ErrAgentBusy = errors.New("agentpool: agent is busy")

// Agent is one handle to a remote analysis backend. The busy flag is
// set for the exact duration of one outstanding call; flipping it is
// atomic with respect to both pool selection and direct callers.
type Agent struct {
	ID       string
	endpoint string
	client   *http.Client

	mu           sync.Mutex
	busy         bool
	requestCount int64
	lastUsed     time.Time
}

// NewAgent creates an agent handle
func NewAgent(id, endpoint string, client *http.Client) *Agent {
	return &Agent{
		ID:       id,
		endpoint: endpoint,
		client:   client,
	}
}

// tryClaim atomically marks the agent busy. Returns false when a call
// is already outstanding.
func (a *Agent) tryClaim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return false
	}
	a.busy = true
	a.requestCount++
	a.lastUsed = time.Now()
	return true
}

// release clears the busy flag
func (a *Agent) release() {
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
}

// snapshot returns busy state and cumulative request count
func (a *Agent) snapshot() (bool, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy, a.requestCount
}

// Analyze claims the agent, performs one analysis call, and releases
// it. A second concurrent call on the same handle fails with
// ErrAgentBusy rather than being silently serialized.
func (a *Agent) Analyze(ctx context.Context, code string, stockData map[string]json.RawMessage, style string) (*Analysis, error) {
	if !a.tryClaim() {
		return nil, fmt.Errorf("%w: %s", ErrAgentBusy, a.ID)
	}
	defer a.release()
	return a.analyze(ctx, code, stockData, style)
}

// analyzeRequest is the wire format sent to the analysis backend
type analyzeRequest struct {
	StockData     map[string]json.RawMessage `json:"stock_data"`
	AnalysisStyle string                     `json:"analysis_style"`
	RequestID     string                     `json:"request_id"`
	Requirements  analyzeRequirements        `json:"requirements"`
}

type analyzeRequirements struct {
	Language               string `json:"language"`
	Format                 string `json:"format"`
	IncludeRecommendations bool   `json:"include_recommendations"`
	ConfidenceScoring      bool   `json:"confidence_scoring"`
}

// analyzeResponse is the wire format returned by the analysis backend
type analyzeResponse struct {
	Title           string   `json:"title"`
	Analysis        string   `json:"analysis"`
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
	RiskLevel       string   `json:"risk_level"`
	ProcessingTime  float64  `json:"processing_time"`
}

// analyze performs the backend call; the caller holds the claim.
func (a *Agent) analyze(ctx context.Context, code string, stockData map[string]json.RawMessage, style string) (*Analysis, error) {
	reqBody := analyzeRequest{
		StockData:     stockData,
		AnalysisStyle: style,
		RequestID:     fmt.Sprintf("%s_%d", a.ID, time.Now().UnixNano()),
		Requirements: analyzeRequirements{
			Language:               "chinese",
			Format:                 "detailed_analysis",
			IncludeRecommendations: true,
			ConfidenceScoring:      true,
		},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.endpoint+"/analyze", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call agent %s: %w", a.ID, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from agent %s: %w", a.ID, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent %s returned status %d: %s", a.ID, httpResp.StatusCode, string(respBody))
	}

	var resp analyzeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response from agent %s: %w", a.ID, err)
	}

	title := resp.Title
	if title == "" {
		title = fmt.Sprintf("%s风格股票分析", style)
	}
	confidence := resp.Confidence
	if confidence == 0 {
		confidence = 0.8
	}
	riskLevel := resp.RiskLevel
	if riskLevel == "" {
		riskLevel = "medium"
	}

	return &Analysis{
		AgentID:         a.ID,
		Style:           style,
		Title:           title,
		Content:         resp.Analysis,
		Summary:         resp.Summary,
		Recommendations: resp.Recommendations,
		Confidence:      confidence,
		RiskLevel:       riskLevel,
		ProcessingTime:  resp.ProcessingTime,
		GeneratedAt:     time.Now(),
	}, nil
}
