package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	perceptionFailureDiagnosis = "AI could not read the ECG image"
	fusionFailureDiagnosis     = "AI could not combine the ECG and clinical data"
	callFailureDiagnosis       = "Analysis could not be completed"

	contextFallbackExplanation = "classification indeterminate, default to medium risk"
)

var perceptionFailureRecommendations = []string{
	"Retake a clearer photo of the ECG.",
	"Check that the uploaded file is the correct ECG.",
}

var fusionFallbackRecommendations = []string{
	"Re-evaluate the patient clinically and repeat the ECG.",
	"Escalate to a physician or transfer if there is any doubt.",
}

// perceptionFallback 读图失败时的固定结果
func perceptionFallback() map[string]interface{} {
	return map[string]interface{}{
		"st_elevation": map[string]interface{}{
			"present":   "unknown",
			"location":  "",
			"magnitude": "",
		},
		"st_depression":      "",
		"t_wave":             "",
		"q_wave":             "",
		"reciprocal_changes": "",
		"dangerous_patterns": []interface{}{},
		"ecg_conclusion":     "unreadable",
	}
}

// contextFallback 临床分级失败时按中危继续融合
func contextFallback() map[string]interface{} {
	return map[string]interface{}{
		"clinical_suspicion":   string(RiskMedium),
		"clinical_explanation": contextFallbackExplanation,
	}
}

func perceptionFailureOutcome(diagnostic string) FusionOutcome {
	return FusionOutcome{
		RiskLevel:          RiskUndetermined,
		SuggestedDiagnosis: perceptionFailureDiagnosis,
		Recommendations:    append([]string(nil), perceptionFailureRecommendations...),
		Explanation:        "Perception stage failed: " + diagnostic,
	}
}

func fusionFailureOutcome(diagnostic string) FusionOutcome {
	return FusionOutcome{
		RiskLevel:          RiskUndetermined,
		SuggestedDiagnosis: fusionFailureDiagnosis,
		Recommendations:    append([]string(nil), fusionFallbackRecommendations...),
		Explanation:        "Fusion stage failed: " + diagnostic,
	}
}

// CallFailureOutcome 上游调用失败时的返回结构
func CallFailureOutcome(err error) FusionOutcome {
	return FusionOutcome{
		RiskLevel:          RiskUndetermined,
		SuggestedDiagnosis: callFailureDiagnosis,
		Recommendations:    append([]string(nil), fusionFallbackRecommendations...),
		Explanation:        err.Error(),
	}
}

// InvalidRequestOutcome 输入校验失败时的返回结构
func InvalidRequestOutcome(err error) FusionOutcome {
	return FusionOutcome{
		RiskLevel:          RiskUndetermined,
		SuggestedDiagnosis: callFailureDiagnosis,
		Recommendations:    []string{"Check the submitted form fields and the ECG file, then try again."},
		Explanation:        "Invalid request: " + err.Error(),
	}
}

var tierAliases = map[string]RiskTier{
	"high":       RiskHigh,
	"cao":        RiskHigh,
	"medium":     RiskMedium,
	"moderate":   RiskMedium,
	"trung_binh": RiskMedium,
	"low":        RiskLow,
	"thap":       RiskLow,
}

// ParseRiskTier 规范化模型给出的等级；无法识别时ok为false
func ParseRiskTier(v interface{}) (RiskTier, bool) {
	s, _ := v.(string)
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	tier, ok := tierAliases[s]
	return tier, ok
}

// outcomeFromFusion 从融合结果中取出等级、诊断和解释，建议替换为固定文本。
// 等级缺失或无法识别时按高危处理。
func outcomeFromFusion(payload map[string]interface{}) (FusionOutcome, bool) {
	tier, ok := ParseRiskTier(payload["risk_level"])
	if !ok {
		tier = RiskHigh
	}
	return FusionOutcome{
		RiskLevel:          tier,
		SuggestedDiagnosis: stringValue(payload["suggested_diagnosis"]),
		Recommendations:    Recommendations(tier),
		Explanation:        stringValue(payload["explanation"]),
	}, ok
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
