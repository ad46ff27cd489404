package stocks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"prism/internal/httpx"
	"prism/internal/stockdata"

	"github.com/gin-gonic/gin"
)

var stockCodePattern = regexp.MustCompile(`^\d{6}$`)

// Fetcher collects stock data, one category or all of them
type Fetcher interface {
	Fetch(ctx context.Context, code, category string, useCache bool) (json.RawMessage, error)
	FetchAll(ctx context.Context, code string, useCache bool) (map[string]json.RawMessage, error)
}

// Handler handles stock data API requests
type Handler struct {
	fetcher Fetcher
}

// NewHandler creates a stocks handler
func NewHandler(fetcher Fetcher) *Handler {
	return &Handler{fetcher: fetcher}
}

// Data handles GET /stocks/:code/data. It returns whatever categories
// could be retrieved; only a total miss is an error.
func (h *Handler) Data(c *gin.Context) {
	code := c.Param("code")
	if !stockCodePattern.MatchString(code) {
		httpx.FailErr(c, httpx.ErrParamInvalid("stock code must be a 6-digit code"))
		return
	}

	useCache := c.DefaultQuery("use_cache", "true") != "false"
	ctx := c.Request.Context()

	// A type parameter narrows the request to one category.
	if category := c.Query("type"); category != "" {
		if !validCategory(category) {
			httpx.FailErr(c, httpx.ErrParamInvalid(fmt.Sprintf("unknown data type: %s", category)))
			return
		}
		payload, err := h.fetcher.Fetch(ctx, code, category, useCache)
		if err != nil {
			httpx.FailErr(c, httpx.ErrExternalError(fmt.Sprintf("failed to fetch %s data", category), err))
			return
		}
		httpx.OK(c, gin.H{
			"stock_code": code,
			"categories": gin.H{category: payload},
		})
		return
	}

	data, err := h.fetcher.FetchAll(ctx, code, useCache)
	if err != nil {
		if errors.Is(err, stockdata.ErrNoData) {
			httpx.FailErr(c, httpx.ErrExternalError("no stock data available", err))
			return
		}
		httpx.FailErr(c, httpx.ErrInternalError("failed to fetch stock data", err))
		return
	}

	httpx.OK(c, gin.H{
		"stock_code": code,
		"categories": data,
	})
}

func validCategory(category string) bool {
	for _, known := range stockdata.Categories {
		if category == known {
			return true
		}
	}
	return false
}
