package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"prism/internal/agentpool"
	"prism/internal/model"
	"prism/internal/taskstore"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// ErrNoRetry marks failures the queue must not retry: the task already
// reached a terminal state, either because this run recorded a fatal
// failure or because a cancel won the race.
var ErrNoRetry = errors.New("pipeline: not retryable")

// Progress checkpoints written to the task store as each stage
// finishes.
const (
	stepInitializing = "initializing"
	stepCollecting   = "collecting_data"
	stepAnalyzing    = "ai_analysis"
	stepAssembling   = "generating_articles"
	stepPersisting   = "saving_results"

	percentInit     = 10
	percentFetched  = 20
	percentAnalyzed = 40
	percentAssembly = 70
	percentPersist  = 90
)

// TaskStore is the slice of the task store the pipeline writes to.
type TaskStore interface {
	MarkRunning(taskID string) error
	SetProgress(taskID, step string, percent int) error
	Complete(taskID string, result interface{}) error
	Fail(taskID, errMsg string) error
	SaveArticles(articles []model.Article) error
}

// Fetcher collects stock data for one code across all categories.
type Fetcher interface {
	FetchAll(ctx context.Context, code string, useCache bool) (map[string]json.RawMessage, error)
}

// Analyzer produces one analysis per requested style.
type Analyzer interface {
	AnalyzeParallel(ctx context.Context, code string, stockData map[string]json.RawMessage, styles []string, useCache bool) []*agentpool.Analysis
}

// Publisher pushes a task event to websocket clients. Publish errors
// never fail the pipeline.
type Publisher func(taskID, eventType string, payload interface{}) error

// Runner executes the article generation workflow for one task:
// collect data, run styled analyses, assemble articles, persist.
type Runner struct {
	store    TaskStore
	fetcher  Fetcher
	analyzer Analyzer
	publish  Publisher

	styles       []string
	defaultCount int
	logger       *logrus.Entry
}

// Config holds the configuration for the pipeline runner
type Config struct {
	Store        TaskStore
	Fetcher      Fetcher
	Analyzer     Analyzer
	Publish      Publisher
	Styles       []string
	DefaultCount int
	Logger       *logrus.Entry
}

// NewRunner creates a pipeline runner
func NewRunner(cfg *Config) *Runner {
	publish := cfg.Publish
	if publish == nil {
		publish = func(string, string, interface{}) error { return nil }
	}
	styles := cfg.Styles
	if len(styles) == 0 {
		styles = []string{"professional", "dark", "optimistic", "conservative"}
	}
	count := cfg.DefaultCount
	if count < 1 {
		count = 3
	}
	return &Runner{
		store:        cfg.Store,
		fetcher:      cfg.Fetcher,
		analyzer:     cfg.Analyzer,
		publish:      publish,
		styles:       styles,
		defaultCount: count,
		logger:       cfg.Logger.WithField("component", "pipeline"),
	}
}

// taskOptions is the submitter-provided input snapshot stored on the
// task row.
type taskOptions struct {
	Styles       []string `json:"styles"`
	ArticleCount int      `json:"article_count"`
	UseCache     *bool    `json:"use_cache"`
}

// ArticleSummary is one generated article as carried in the result
// payload; the full content lives in the articles table.
type ArticleSummary struct {
	Style      string  `json:"style"`
	Title      string  `json:"title"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence_score"`
	Fallback   bool    `json:"is_fallback"`
}

// ResultMetadata summarizes a finished run
type ResultMetadata struct {
	TotalArticles int      `json:"total_articles"`
	DataSources   []string `json:"data_sources"`
	AIModelsUsed  []string `json:"ai_models_used"`
}

// Result is the payload stored on the task row when the pipeline
// completes.
type Result struct {
	StockCode   string           `json:"stock_code"`
	Articles    []ArticleSummary `json:"articles"`
	Metadata    ResultMetadata   `json:"metadata"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Run executes the whole workflow for one task. A returned error
// wrapping ErrNoRetry means the task already reached a terminal state
// and the queue must not re-run it; any other error is transient and
// eligible for a whole-pipeline retry.
func (r *Runner) Run(ctx context.Context, task *model.Task) error {
	logger := r.logger.WithField("task_id", task.TaskID)

	opts := r.resolveOptions(task)
	logger.Infof("Starting article generation for %s: %d styles, cache=%v", task.StockCode, len(opts.Styles), *opts.UseCache)

	if err := r.store.MarkRunning(task.TaskID); err != nil {
		return classify(err)
	}
	if err := r.checkpoint(task.TaskID, stepInitializing, percentInit); err != nil {
		return err
	}

	// Stage 1: data collection.
	stockData, err := r.fetcher.FetchAll(ctx, task.StockCode, *opts.UseCache)
	if err != nil {
		// A cancelled or timed-out context makes every category fail;
		// surface the context error so the queue records the timeout
		// instead of a data failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Every category failed. Fatal for this attempt, but the queue
		// owns the coarse whole-pipeline retry; the terminal FAILED
		// write happens there once attempts are exhausted.
		logger.Errorf("Data collection failed for %s: %v", task.StockCode, err)
		return fmt.Errorf("无法获取股票数据 %s: %w", task.StockCode, err)
	}
	if err := r.checkpoint(task.TaskID, stepCollecting, percentFetched); err != nil {
		return err
	}

	// Stage 2: styled analyses. Each style degrades independently to a
	// fallback, so this stage itself cannot fail.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	analyses := r.analyzer.AnalyzeParallel(ctx, task.StockCode, stockData, opts.Styles, *opts.UseCache)
	if err := r.checkpoint(task.TaskID, stepAnalyzing, percentAnalyzed); err != nil {
		return err
	}

	// Stage 3: article assembly.
	dataSources := make([]string, 0, len(stockData))
	for category := range stockData {
		dataSources = append(dataSources, category)
	}
	articles := assembleArticles(task, analyses, dataSources)
	if err := r.checkpoint(task.TaskID, stepAssembling, percentAssembly); err != nil {
		return err
	}

	// Stage 4: persistence.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := r.store.SaveArticles(articles); err != nil {
		return err
	}
	if err := r.checkpoint(task.TaskID, stepPersisting, percentPersist); err != nil {
		return err
	}

	result := buildResult(task.StockCode, analyses, dataSources)
	if err := r.store.Complete(task.TaskID, result); err != nil {
		return classify(err)
	}
	r.publish(task.TaskID, model.EventTypeCompleted, result)

	logger.Infof("Article generation completed for %s: %d articles", task.StockCode, len(articles))
	return nil
}

// resolveOptions merges the task input snapshot with the configured
// defaults. The requested article count selects a prefix of the
// configured style list when no explicit styles were given.
func (r *Runner) resolveOptions(task *model.Task) taskOptions {
	var opts taskOptions
	if len(task.Input) > 0 {
		if err := json.Unmarshal(task.Input, &opts); err != nil {
			r.logger.Warnf("Unreadable input for task %s, using defaults: %v", task.TaskID, err)
		}
	}

	if len(opts.Styles) == 0 {
		count := opts.ArticleCount
		if count < 1 {
			count = r.defaultCount
		}
		if count > len(r.styles) {
			count = len(r.styles)
		}
		opts.Styles = r.styles[:count]
	}
	if opts.UseCache == nil {
		useCache := true
		opts.UseCache = &useCache
	}
	return opts
}

// checkpoint records a progress step and broadcasts it. A terminal or
// illegal transition means another writer (a cancel) got there first;
// the run stops without retry.
func (r *Runner) checkpoint(taskID, step string, percent int) error {
	if err := r.store.SetProgress(taskID, step, percent); err != nil {
		return classify(err)
	}
	r.publish(taskID, model.EventTypeProgress, map[string]interface{}{
		"step":    step,
		"percent": percent,
	})
	return nil
}

// classify maps transition guard errors to ErrNoRetry; everything
// else stays transient.
func classify(err error) error {
	if errors.Is(err, taskstore.ErrTerminalState) || errors.Is(err, taskstore.ErrIllegalTransition) {
		return fmt.Errorf("%w: %v", ErrNoRetry, err)
	}
	return err
}

// assembleArticles converts analyses into persistent article rows.
func assembleArticles(task *model.Task, analyses []*agentpool.Analysis, dataSources []string) []model.Article {
	sources, _ := json.Marshal(dataSources)

	articles := make([]model.Article, 0, len(analyses))
	for _, analysis := range analyses {
		recommendations, _ := json.Marshal(analysis.Recommendations)
		articles = append(articles, model.Article{
			TaskID:          task.TaskID,
			StockCode:       task.StockCode,
			Style:           analysis.Style,
			Title:           analysis.Title,
			Content:         analysis.Content,
			Summary:         analysis.Summary,
			Recommendations: datatypes.JSON(recommendations),
			Confidence:      analysis.Confidence,
			RiskLevel:       analysis.RiskLevel,
			Fallback:        analysis.Fallback,
			WordCount:       len([]rune(analysis.Content)),
			DataSources:     datatypes.JSON(sources),
			GeneratedAt:     analysis.GeneratedAt,
		})
	}
	return articles
}

// buildResult summarizes a finished run for the task result column.
func buildResult(stockCode string, analyses []*agentpool.Analysis, dataSources []string) Result {
	seen := make(map[string]bool)
	models := make([]string, 0, len(analyses))
	summaries := make([]ArticleSummary, 0, len(analyses))
	for _, analysis := range analyses {
		if !seen[analysis.AgentID] {
			seen[analysis.AgentID] = true
			models = append(models, analysis.AgentID)
		}
		summaries = append(summaries, ArticleSummary{
			Style:      analysis.Style,
			Title:      analysis.Title,
			Summary:    analysis.Summary,
			Confidence: analysis.Confidence,
			Fallback:   analysis.Fallback,
		})
	}

	return Result{
		StockCode: stockCode,
		Articles:  summaries,
		Metadata: ResultMetadata{
			TotalArticles: len(analyses),
			DataSources:   dataSources,
			AIModelsUsed:  models,
		},
		GeneratedAt: time.Now(),
	}
}
