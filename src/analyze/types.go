package analyze

import "ecg-triage-server/src/core/pipeline"

// AnalyzeResponse 分析接口的统一响应结构，成功和失败形状一致
type AnalyzeResponse struct {
	RiskLevel          pipeline.RiskTier      `json:"risk_level"`
	SuggestedDiagnosis string                 `json:"suggested_diagnosis"`
	Recommendations    []string               `json:"recommendations"`
	Explanation        string                 `json:"explanation"`
	Perception         map[string]interface{} `json:"perception"`
	Degraded           bool                   `json:"degraded"`
	RequestID          string                 `json:"request_id"`
}

func newResponse(requestID string, outcome pipeline.FusionOutcome) AnalyzeResponse {
	recs := outcome.Recommendations
	if recs == nil {
		recs = []string{}
	}
	return AnalyzeResponse{
		RiskLevel:          outcome.RiskLevel,
		SuggestedDiagnosis: outcome.SuggestedDiagnosis,
		Recommendations:    recs,
		Explanation:        outcome.Explanation,
		Perception:         map[string]interface{}{},
		RequestID:          requestID,
	}
}

// formError 表单字段错误，对应400
type formError struct {
	field string
	msg   string
}

func (e *formError) Error() string {
	return e.field + ": " + e.msg
}
