package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"prism/internal/agentpool"
	"prism/internal/httpx"

	"github.com/gin-gonic/gin"
)

var stockCodePattern = regexp.MustCompile(`^\d{6}$`)

// Fetcher collects stock data across all categories
type Fetcher interface {
	FetchAll(ctx context.Context, code string, useCache bool) (map[string]json.RawMessage, error)
}

// Analyzer produces a single styled analysis
type Analyzer interface {
	AnalyzeStyle(ctx context.Context, code string, stockData map[string]json.RawMessage, style string, useCache bool) *agentpool.Analysis
}

// Handler handles one-shot analysis requests outside the task queue
type Handler struct {
	fetcher  Fetcher
	analyzer Analyzer
	styles   map[string]bool
}

// NewHandler creates an analysis handler
func NewHandler(fetcher Fetcher, analyzer Analyzer, styles []string) *Handler {
	allowed := make(map[string]bool, len(styles))
	for _, style := range styles {
		allowed[style] = true
	}
	return &Handler{
		fetcher:  fetcher,
		analyzer: analyzer,
		styles:   allowed,
	}
}

// AnalyzeRequest represents a one-shot analysis request
type AnalyzeRequest struct {
	StockCode string `json:"stock_code" binding:"required"`
	Style     string `json:"style"`
	UseCache  *bool  `json:"use_cache"`
}

// Analyze handles POST /analysis/analyze: fetch the data and run one
// styled analysis synchronously. Degrades to a fallback like the
// pipeline does.
func (h *Handler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	if !stockCodePattern.MatchString(req.StockCode) {
		httpx.FailErr(c, httpx.ErrParamInvalid("stock_code must be a 6-digit code"))
		return
	}

	style := req.Style
	if style == "" {
		style = "professional"
	}
	if !h.styles[style] {
		httpx.FailErr(c, httpx.ErrParamInvalid(fmt.Sprintf("unknown style: %s", style)))
		return
	}

	useCache := req.UseCache == nil || *req.UseCache

	ctx := c.Request.Context()
	stockData, err := h.fetcher.FetchAll(ctx, req.StockCode, useCache)
	if err != nil {
		httpx.FailErr(c, httpx.ErrExternalError("no stock data available", err))
		return
	}

	result := h.analyzer.AnalyzeStyle(ctx, req.StockCode, stockData, style, useCache)
	httpx.OK(c, result)
}
