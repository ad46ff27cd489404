package model

import (
	"time"

	"gorm.io/datatypes"
)

// Article represents one generated analysis article. Rows are written
// once by the assembly stage and never updated.
type Article struct {
	BaseModel
	TaskID          string         `gorm:"type:varchar(64);index;not null" json:"task_id"`
	StockCode       string         `gorm:"type:varchar(20);index;not null" json:"stock_code"`
	Style           string         `gorm:"type:varchar(50);not null" json:"style"`
	Title           string         `gorm:"type:varchar(500)" json:"title"`
	Content         string         `gorm:"type:text" json:"content"`
	Summary         string         `gorm:"type:text" json:"summary"`
	Recommendations datatypes.JSON `gorm:"type:json" json:"recommendations,omitempty"`
	Confidence      float64        `gorm:"type:decimal(4,3);default:0" json:"confidence"`
	RiskLevel       string         `gorm:"type:varchar(20)" json:"risk_level"`
	Fallback        bool           `gorm:"default:false" json:"fallback"`
	WordCount       int            `gorm:"default:0" json:"word_count"`
	DataSources     datatypes.JSON `gorm:"type:json" json:"data_sources,omitempty"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// TableName specifies the table name for Article
func (Article) TableName() string {
	return "articles"
}
