package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// 固定建议文本，融合阶段按等级原样返回
var recommendationBank = map[RiskTier][2]string{
	RiskHigh: {
		"Transfer immediately to a facility capable of emergency coronary intervention.",
		"Maintain continuous monitoring and prepare to manage hemodynamic instability or dangerous arrhythmia during transport.",
	},
	RiskMedium: {
		"Monitor symptoms and ECG closely; repeat ECG within 15–30 minutes.",
		"Prioritize high-sensitivity troponin testing if available, or transfer if symptoms progress.",
	},
	RiskLow: {
		"Advise the patient to monitor symptoms and seek immediate re-evaluation if chest pain recurs or worsens.",
		"Consider troponin testing or specialist consultation if clinical suspicion remains.",
	},
}

// Recommendations 返回等级对应的两条固定建议；undetermined返回复评/上转建议
func Recommendations(tier RiskTier) []string {
	if recs, ok := recommendationBank[tier]; ok {
		return []string{recs[0], recs[1]}
	}
	return append([]string(nil), fusionFallbackRecommendations...)
}

const PerceptionPrompt = `You are an electrocardiography expert. Read the ECG image and reply with JSON only, adding no other words.

{
  "st_elevation": {"present": "", "location": "", "magnitude": ""},
  "st_depression": "",
  "t_wave": "",
  "q_wave": "",
  "reciprocal_changes": "",
  "dangerous_patterns": [],
  "ecg_conclusion": ""
}`

const PerceptionUserText = "Analyze the following ECG image:"

const ContextPrompt = `Assess the symptoms and vital signs for acute coronary syndrome following the ESC 2023 guidelines.
Reply with JSON only:

{
  "clinical_suspicion": "high | medium | low",
  "clinical_explanation": ""
}`

// FusionPrompt 融合阶段指令，包含判定规则和逐字的建议文本
var FusionPrompt = fmt.Sprintf(`Combine the ECG reading (vision_ecg) and the clinical assessment (clinical) into a single risk tier.
Apply these rules:
- ST elevation present, any dangerous pattern, or high clinical suspicion: "high".
- Inconclusive ECG with medium clinical suspicion: "medium".
- Normal ECG with low clinical suspicion: "low".
- If information is missing or incomplete, choose the higher tier. Never default to "low".

Use exactly these two recommendations for the chosen tier, word for word and in this order:
high:
- %s
- %s
medium:
- %s
- %s
low:
- %s
- %s

Reply with JSON only:

{
  "risk_level": "high | medium | low",
  "suggested_diagnosis": "",
  "recommendations": [],
  "explanation": ""
}`,
	recommendationBank[RiskHigh][0], recommendationBank[RiskHigh][1],
	recommendationBank[RiskMedium][0], recommendationBank[RiskMedium][1],
	recommendationBank[RiskLow][0], recommendationBank[RiskLow][1],
)

const (
	placeholderNone        = "none"
	placeholderNotProvided = "not provided"
)

// BuildContextInput 把临床字段代入固定模板
func BuildContextInput(req *AnalysisRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Age: %d\n", req.Age)
	fmt.Fprintf(&sb, "Sex: %s\n", req.Sex)
	fmt.Fprintf(&sb, "Blood pressure: %d/%d mmHg\n", req.Systolic, req.Diastolic)
	fmt.Fprintf(&sb, "Heart rate: %d bpm\n", req.HeartRate)
	fmt.Fprintf(&sb, "SpO2: %d%%\n", req.SpO2)
	fmt.Fprintf(&sb, "Symptoms: %s\n", joinOrNone(req.Symptoms))
	fmt.Fprintf(&sb, "Main symptom: %s\n", orNotProvided(req.MainSymptom))
	fmt.Fprintf(&sb, "Pain duration (minutes): %s\n", intOrNotProvided(req.DurationMinutes))
	fmt.Fprintf(&sb, "Radiation: %s\n", orNotProvided(req.Radiation))
	fmt.Fprintf(&sb, "Nitrate response: %s\n", orNotProvided(req.NitrateResponse))
	fmt.Fprintf(&sb, "Risk factors: %s\n", joinOrNone(req.RiskFactors))
	fmt.Fprintf(&sb, "Screening score: %s\n", intOrNotProvided(req.Score))
	fmt.Fprintf(&sb, "Screening level: %s\n", orNotProvided(req.ScoreLevel))
	return sb.String()
}

// BuildFusionInput 序列化前两个阶段的结果
func BuildFusionInput(perception, context map[string]interface{}) (string, error) {
	vision, err := json.Marshal(perception)
	if err != nil {
		return "", fmt.Errorf("marshal perception payload: %w", err)
	}
	clinical, err := json.Marshal(context)
	if err != nil {
		return "", fmt.Errorf("marshal context payload: %w", err)
	}
	return fmt.Sprintf("vision_ecg = %s\nclinical = %s", vision, clinical), nil
}

func joinOrNone(items []string) string {
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return placeholderNone
	}
	return strings.Join(cleaned, ", ")
}

func orNotProvided(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return placeholderNotProvided
	}
	return s
}

func intOrNotProvided(v *int) string {
	if v == nil {
		return placeholderNotProvided
	}
	return strconv.Itoa(*v)
}
