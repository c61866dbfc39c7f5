package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// AnalysisRequest 一次分析请求的全部输入，只在请求期间存在
type AnalysisRequest struct {
	RequestID string

	Age       int
	Sex       string
	Systolic  int
	Diastolic int
	HeartRate int
	SpO2      int

	Symptoms    []string
	RiskFactors []string

	// 预先计算的筛查评分及其等级，可选
	Score      *int
	ScoreLevel string

	// 早期表单的自由文本字段，可选
	MainSymptom     string
	DurationMinutes *int
	Radiation       string
	NitrateResponse string

	Image         []byte
	ImageFilename string
}

var ErrEmptyImage = errors.New("ECG image is empty")

// Validate 检查请求是否具备运行流水线的最低条件
func (r *AnalysisRequest) Validate() error {
	if len(r.Image) == 0 {
		return ErrEmptyImage
	}
	if strings.TrimSpace(r.Sex) == "" {
		return errors.New("sex is required")
	}
	return nil
}

// Stage 流水线阶段
type Stage string

const (
	StagePerception Stage = "perception"
	StageContext    Stage = "context"
	StageFusion     Stage = "fusion"
)

// StageResult 一次模型调用的结构化结果：要么解析成功的Payload，要么失败时的原文和诊断信息。
// 解析失败时Payload为该阶段的固定回退值。
type StageResult struct {
	Stage      Stage
	OK         bool
	Payload    map[string]interface{}
	Raw        string
	Diagnostic string
}

// RiskTier 风险等级
type RiskTier string

const (
	RiskHigh         RiskTier = "high"
	RiskMedium       RiskTier = "medium"
	RiskLow          RiskTier = "low"
	RiskUndetermined RiskTier = "undetermined"
)

// FusionOutcome 最终结论
type FusionOutcome struct {
	RiskLevel          RiskTier `json:"risk_level"`
	SuggestedDiagnosis string   `json:"suggested_diagnosis"`
	Recommendations    []string `json:"recommendations"`
	Explanation        string   `json:"explanation"`
}

// Report 一次流水线运行的全部产物
type Report struct {
	Outcome    FusionOutcome
	Perception StageResult
	Context    StageResult
	Fusion     StageResult
	// Degraded 任一阶段使用了回退值或提前终止
	Degraded bool
}

// StageError 上游调用失败（网络或服务端错误）
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage call failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
