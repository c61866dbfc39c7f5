package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnalysisRecord 一次分析的审计记录，只在配置了数据库时写入。
// 不保存原始图片，只保存图片大小和各阶段的结构化结果。
type AnalysisRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	RequestID string `gorm:"index;size:64"`
	ClientID  string `gorm:"size:128"`

	Age       int
	Sex       string `gorm:"size:16"`
	Systolic  int
	Diastolic int
	HeartRate int
	SpO2      int
	ImageSize int

	RiskLevel          string `gorm:"index;size:16"`
	SuggestedDiagnosis string `gorm:"type:text"`
	Explanation        string `gorm:"type:text"`
	Degraded           bool

	ClinicalInput datatypes.JSON // 症状、危险因素、评分等
	Perception    datatypes.JSON
	Context       datatypes.JSON
	Fusion        datatypes.JSON
	FailedStage   string `gorm:"size:16"`

	ElapsedMs int64
	CreatedAt time.Time `gorm:"index"`
}
