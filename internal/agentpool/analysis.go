package agentpool

import (
	"fmt"
	"time"
)

// FallbackConfidence caps the confidence of locally generated
// analyses. Fallback results are never cached as authoritative.
const FallbackConfidence = 0.6

// Analysis is one analysis result, produced either by a remote
// backend (Fallback=false) or by the local template generator
// (Fallback=true). Instances are immutable after creation.
type Analysis struct {
	AgentID         string    `json:"agent_id"`
	Style           string    `json:"style"`
	Title           string    `json:"title"`
	Content         string    `json:"content"`
	Summary         string    `json:"summary"`
	Recommendations []string  `json:"recommendations"`
	Confidence      float64   `json:"confidence_score"`
	RiskLevel       string    `json:"risk_assessment"`
	ProcessingTime  float64   `json:"processing_time"`
	GeneratedAt     time.Time `json:"generated_at"`
	Fallback        bool      `json:"is_fallback"`
}

type styleTemplate struct {
	title   string
	content string
	tone    string
}

// Deterministic fallback templates keyed by requested style.
var styleTemplates = map[string]styleTemplate{
	"professional": {
		title:   "%s 专业分析报告",
		content: "基于%s的最新数据，从技术面和基本面角度进行专业分析。当前远程分析服务不可用，本报告由本地模板生成。",
		tone:    "客观、专业",
	},
	"dark": {
		title:   "%s 风险警示分析",
		content: "对%s当前走势持谨慎态度，存在多项风险因素需要关注。当前远程分析服务不可用，本报告由本地模板生成。",
		tone:    "谨慎、警惕",
	},
	"optimistic": {
		title:   "%s 投资机会分析",
		content: "%s展现出良好的增长潜力，多项指标向好。当前远程分析服务不可用，本报告由本地模板生成。",
		tone:    "积极、乐观",
	},
	"conservative": {
		title:   "%s 稳健投资评估",
		content: "%s适合稳健投资者，风险可控收益稳定。当前远程分析服务不可用，本报告由本地模板生成。",
		tone:    "稳重、保守",
	},
}

// FallbackAnalysis builds the deterministic local analysis used when
// a backend call fails. Unknown styles degrade to the professional
// template.
func FallbackAnalysis(agentID, code, style string) *Analysis {
	template, ok := styleTemplates[style]
	if !ok {
		template = styleTemplates["professional"]
	}

	return &Analysis{
		AgentID:  "fallback_" + agentID,
		Style:    style,
		Title:    fmt.Sprintf(template.title, code),
		Content:  fmt.Sprintf(template.content, code),
		Summary:  fmt.Sprintf("这是一份%s的%s风格分析报告", template.tone, style),
		Recommendations: []string{
			"建议关注基本面变化",
			"注意技术指标信号",
			"控制仓位风险",
		},
		Confidence:     FallbackConfidence,
		RiskLevel:      "medium",
		ProcessingTime: 0,
		GeneratedAt:    time.Now(),
		Fallback:       true,
	}
}
