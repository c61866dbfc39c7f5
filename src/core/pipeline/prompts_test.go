package pipeline

import (
	"strings"
	"testing"
)

func TestBuildContextInput(t *testing.T) {
	score := 4
	duration := 20
	tests := []struct {
		name string
		req  *AnalysisRequest
		want []string
	}{
		{
			name: "完整字段",
			req: &AnalysisRequest{
				Age: 58, Sex: "female", Systolic: 132, Diastolic: 84, HeartRate: 88, SpO2: 96,
				Symptoms:        []string{"chest tightness", "dyspnea"},
				RiskFactors:     []string{"hypertension"},
				Score:           &score,
				ScoreLevel:      "medium",
				MainSymptom:     "pressure-like chest pain",
				DurationMinutes: &duration,
				Radiation:       "left arm",
				NitrateResponse: "partial",
			},
			want: []string{
				"Age: 58",
				"Sex: female",
				"Blood pressure: 132/84 mmHg",
				"Heart rate: 88 bpm",
				"SpO2: 96%",
				"Symptoms: chest tightness, dyspnea",
				"Risk factors: hypertension",
				"Screening score: 4",
				"Screening level: medium",
				"Main symptom: pressure-like chest pain",
				"Pain duration (minutes): 20",
				"Radiation: left arm",
				"Nitrate response: partial",
			},
		},
		{
			name: "缺省字段",
			req:  &AnalysisRequest{Age: 30, Sex: "male", Symptoms: []string{" ", ""}},
			want: []string{
				"Symptoms: none",
				"Risk factors: none",
				"Screening score: not provided",
				"Screening level: not provided",
				"Pain duration (minutes): not provided",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildContextInput(tt.req)
			for _, line := range tt.want {
				if !strings.Contains(got, line+"\n") {
					t.Errorf("missing line %q in:\n%s", line, got)
				}
			}
		})
	}
}

func TestFusionPromptEmbedsBank(t *testing.T) {
	for tier, recs := range recommendationBank {
		for _, rec := range recs {
			if !strings.Contains(FusionPrompt, rec) {
				t.Errorf("%s recommendation %q not in fusion prompt", tier, rec)
			}
		}
	}
	if !strings.Contains(FusionPrompt, `Never default to "low"`) {
		t.Error("fusion prompt lacks the escalation rule")
	}
}

func TestRecommendationsReturnsCopy(t *testing.T) {
	recs := Recommendations(RiskHigh)
	recs[0] = "changed"
	if Recommendations(RiskHigh)[0] == "changed" {
		t.Fatal("Recommendations exposed the shared bank")
	}
	if got := Recommendations(RiskUndetermined); len(got) != 2 || got[0] != fusionFallbackRecommendations[0] {
		t.Errorf("undetermined = %q", got)
	}
}

func TestParseRiskTier(t *testing.T) {
	tests := []struct {
		in   interface{}
		want RiskTier
		ok   bool
	}{
		{"high", RiskHigh, true},
		{" High ", RiskHigh, true},
		{"MODERATE", RiskMedium, true},
		{"trung binh", RiskMedium, true},
		{"low", RiskLow, true},
		{"critical", "", false},
		{"", "", false},
		{nil, "", false},
		{3, "", false},
	}
	for _, tt := range tests {
		got, ok := ParseRiskTier(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRiskTier(%v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestOutcomeFromFusionKeepsText(t *testing.T) {
	payload := map[string]interface{}{
		"risk_level":          "medium",
		"suggested_diagnosis": "  Possible NSTE-ACS  ",
		"explanation":         map[string]interface{}{"ecg": "ST depression"},
	}
	out, ok := outcomeFromFusion(payload)
	if !ok || out.RiskLevel != RiskMedium {
		t.Fatalf("outcome = %+v ok=%v", out, ok)
	}
	if out.SuggestedDiagnosis != "  Possible NSTE-ACS  " {
		t.Errorf("diagnosis altered: %q", out.SuggestedDiagnosis)
	}
	if out.Explanation != `{"ecg":"ST depression"}` {
		t.Errorf("explanation = %q", out.Explanation)
	}
}
