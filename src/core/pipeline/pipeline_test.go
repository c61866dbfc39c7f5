package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"ecg-triage-server/src/core/types"
	"ecg-triage-server/src/core/utils"
)

// fakeLLM 按调用顺序返回预设回复，并记录收到的消息
type fakeLLM struct {
	mu       sync.Mutex
	replies  []string
	failAt   int // 第几次调用返回错误（从1开始），0表示不失败
	calls    [][]types.Message
	blockFor time.Duration
}

func (f *fakeLLM) Initialize() error { return nil }
func (f *fakeLLM) Cleanup() error    { return nil }

func (f *fakeLLM) Response(ctx context.Context, sessionID string, messages []types.Message) (<-chan types.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	n := len(f.calls)
	f.mu.Unlock()

	ch := make(chan types.Response, 2)
	if f.failAt == n {
		ch <- types.Response{Error: "connection reset by peer"}
		close(ch)
		return ch, nil
	}
	if f.blockFor > 0 {
		go func() {
			defer close(ch)
			select {
			case <-time.After(f.blockFor):
				ch <- types.Response{Content: "{}"}
			case <-ctx.Done():
			}
		}()
		return ch, nil
	}
	reply := ""
	if n-1 < len(f.replies) {
		reply = f.replies[n-1]
	}
	ch <- types.Response{Content: reply}
	close(ch)
	return ch, nil
}

func (f *fakeLLM) userTurn(i int) string {
	msgs := f.calls[i]
	return msgs[len(msgs)-1].Content
}

// fakeVision 返回固定的读图结果
type fakeVision struct {
	reply   string
	err     error
	gotText string
	gotImg  types.ImageData
	calls   int
}

func (f *fakeVision) Initialize() error { return nil }
func (f *fakeVision) Cleanup() error    { return nil }

func (f *fakeVision) ResponseWithImage(ctx context.Context, sessionID string, messages []types.Message, imageData types.ImageData, text string) (<-chan types.Response, error) {
	f.calls++
	f.gotText = text
	f.gotImg = imageData
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan types.Response, 1)
	ch <- types.Response{Content: f.reply}
	close(ch)
	return ch, nil
}

const (
	normalECG = `{"st_elevation":{"present":"no","location":"","magnitude":""},"st_depression":"none","t_wave":"normal","q_wave":"none","reciprocal_changes":"none","dangerous_patterns":[],"ecg_conclusion":"normal sinus rhythm"}`
	stemiECG  = "```json\n" + `{"st_elevation":{"present":"yes","location":"V1-V4","magnitude":"3mm"},"st_depression":"II, III, aVF","t_wave":"hyperacute","q_wave":"none","reciprocal_changes":"inferior","dangerous_patterns":["anterior STEMI"],"ecg_conclusion":"acute anterior STEMI"}` + "\n```"
)

func testLogger() *utils.Logger {
	return utils.NewLoggerTo(io.Discard, "error")
}

func baseRequest() *AnalysisRequest {
	return &AnalysisRequest{
		RequestID: "req-1",
		Age:       45,
		Sex:       "female",
		Systolic:  118,
		Diastolic: 76,
		HeartRate: 72,
		SpO2:      98,
		Image:     []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00},
	}
}

func TestLowRiskScenario(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"clinical_suspicion":"low","clinical_explanation":"no symptoms, normal vitals"}`,
		`{"risk_level":"low","suggested_diagnosis":"No acute ischemia","recommendations":["free text"],"explanation":"normal ECG and low suspicion"}`,
	}}
	vision := &fakeVision{reply: normalECG}
	p := New(llm, vision, testLogger())

	report, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Outcome.RiskLevel != RiskLow {
		t.Fatalf("risk = %q, want low", report.Outcome.RiskLevel)
	}
	want := []string{
		"Advise the patient to monitor symptoms and seek immediate re-evaluation if chest pain recurs or worsens.",
		"Consider troponin testing or specialist consultation if clinical suspicion remains.",
	}
	if !reflect.DeepEqual(report.Outcome.Recommendations, want) {
		t.Errorf("recommendations = %q, want %q", report.Outcome.Recommendations, want)
	}
	if report.Degraded {
		t.Error("clean run marked degraded")
	}
	if vision.gotText != PerceptionUserText || vision.gotImg.Format != "jpeg" || vision.gotImg.Data == "" {
		t.Errorf("unexpected vision call: text=%q image=%+v", vision.gotText, vision.gotImg)
	}
	if len(llm.calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(llm.calls))
	}
	if llm.calls[0][0].Content != ContextPrompt || llm.calls[1][0].Content != FusionPrompt {
		t.Error("stages sent the wrong system instructions")
	}
}

func TestGarbledPerceptionFallsBack(t *testing.T) {
	llm := &fakeLLM{}
	vision := &fakeVision{reply: "not json"}
	p := New(llm, vision, testLogger())

	report, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("garbled perception must not fail the request: %v", err)
	}
	out := report.Outcome
	if out.RiskLevel != RiskUndetermined {
		t.Errorf("risk = %q, want undetermined", out.RiskLevel)
	}
	if out.SuggestedDiagnosis != perceptionFailureDiagnosis {
		t.Errorf("diagnosis = %q", out.SuggestedDiagnosis)
	}
	if len(out.Recommendations) == 0 || out.Recommendations[0] != perceptionFailureRecommendations[0] {
		t.Errorf("recommendations = %q", out.Recommendations)
	}
	if !strings.Contains(out.Explanation, "JSON ERROR") {
		t.Errorf("explanation %q lacks JSON ERROR diagnostic", out.Explanation)
	}
	if report.Perception.OK || report.Perception.Payload["ecg_conclusion"] != "unreadable" {
		t.Errorf("perception payload = %v, want unreadable fallback", report.Perception.Payload)
	}
	if report.Perception.Raw != "not json" {
		t.Errorf("raw = %q", report.Perception.Raw)
	}
	if !report.Degraded {
		t.Error("fallback not marked degraded")
	}
	if len(llm.calls) != 0 {
		t.Errorf("later stages ran after perception failure: %d calls", len(llm.calls))
	}
}

func TestHighSuspicionWithDangerousPattern(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"clinical_suspicion":"high","clinical_explanation":"typical chest pain with risk factors"}`,
		`{"risk_level":"High","suggested_diagnosis":"Acute anterior STEMI","recommendations":[],"explanation":"ST elevation V1-V4"}`,
	}}
	vision := &fakeVision{reply: stemiECG}
	p := New(llm, vision, testLogger())

	req := baseRequest()
	req.Age = 67
	req.Sex = "male"
	req.Symptoms = []string{"crushing chest pain", "sweating"}
	req.RiskFactors = []string{"diabetes", "smoking"}

	report, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Outcome.RiskLevel != RiskHigh {
		t.Fatalf("risk = %q, want high", report.Outcome.RiskLevel)
	}
	if !reflect.DeepEqual(report.Outcome.Recommendations, Recommendations(RiskHigh)) {
		t.Errorf("recommendations = %q", report.Outcome.Recommendations)
	}

	contextInput := llm.userTurn(0)
	for _, want := range []string{"crushing chest pain", "diabetes, smoking", "Age: 67"} {
		if !strings.Contains(contextInput, want) {
			t.Errorf("context input missing %q:\n%s", want, contextInput)
		}
	}
	fusionInput := llm.userTurn(1)
	if !strings.Contains(fusionInput, `"dangerous_patterns":["anterior STEMI"]`) {
		t.Errorf("fusion input lacks perception payload:\n%s", fusionInput)
	}
}

func TestMissingListsUsePlaceholder(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"clinical_suspicion":"low"}`,
		`{"risk_level":"low","suggested_diagnosis":"","explanation":""}`,
	}}
	p := New(llm, &fakeVision{reply: normalECG}, testLogger())

	req := baseRequest()
	req.Symptoms = nil
	req.RiskFactors = nil

	if _, err := p.Run(context.Background(), req); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	input := llm.userTurn(0)
	if !strings.Contains(input, "Symptoms: none") || !strings.Contains(input, "Risk factors: none") {
		t.Errorf("missing placeholders:\n%s", input)
	}
}

func TestRecommendationsMatchTier(t *testing.T) {
	for _, tier := range []RiskTier{RiskHigh, RiskMedium, RiskLow} {
		t.Run(string(tier), func(t *testing.T) {
			llm := &fakeLLM{replies: []string{
				`{"clinical_suspicion":"medium"}`,
				`{"risk_level":"` + string(tier) + `","suggested_diagnosis":"d","recommendations":["model wrote this","and this","and more"],"explanation":"e"}`,
			}}
			p := New(llm, &fakeVision{reply: normalECG}, testLogger())

			report, err := p.Run(context.Background(), baseRequest())
			if err != nil {
				t.Fatalf("Run error: %v", err)
			}
			bank := recommendationBank[tier]
			if !reflect.DeepEqual(report.Outcome.Recommendations, []string{bank[0], bank[1]}) {
				t.Errorf("recommendations = %q", report.Outcome.Recommendations)
			}
		})
	}
}

func TestFusionRoundTrip(t *testing.T) {
	fusion := FusionOutcome{
		RiskLevel:          RiskMedium,
		SuggestedDiagnosis: "Possible NSTE-ACS",
		Recommendations:    Recommendations(RiskMedium),
		Explanation:        "Non-specific ST changes with moderate clinical suspicion.",
	}
	body, err := json.Marshal(fusion)
	if err != nil {
		t.Fatal(err)
	}
	llm := &fakeLLM{replies: []string{`{"clinical_suspicion":"medium"}`, string(body)}}
	vision := &fakeVision{reply: normalECG}
	p := New(llm, vision, testLogger())

	report, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !reflect.DeepEqual(report.Outcome, fusion) {
		t.Errorf("outcome = %+v, want %+v", report.Outcome, fusion)
	}

	// 读图结果原样进入融合输入
	line := strings.SplitN(llm.userTurn(1), "\n", 2)[0]
	var forwarded map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "vision_ecg = ")), &forwarded); err != nil {
		t.Fatalf("vision_ecg line is not JSON: %v", err)
	}
	var original map[string]interface{}
	_ = json.Unmarshal([]byte(normalECG), &original)
	if !reflect.DeepEqual(forwarded, original) {
		t.Errorf("perception payload changed in transit:\n got %v\nwant %v", forwarded, original)
	}
}

func TestContextFallbackContinues(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		"I think the risk is moderate",
		`{"risk_level":"medium","suggested_diagnosis":"Unclear","explanation":"context unavailable"}`,
	}}
	p := New(llm, &fakeVision{reply: normalECG}, testLogger())

	report, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Context.OK || !strings.Contains(report.Context.Diagnostic, "JSON ERROR") {
		t.Errorf("context result = %+v", report.Context)
	}
	if !strings.Contains(llm.userTurn(1), contextFallbackExplanation) {
		t.Errorf("fusion did not receive the context fallback:\n%s", llm.userTurn(1))
	}
	if report.Outcome.RiskLevel != RiskMedium || !report.Degraded {
		t.Errorf("outcome = %+v degraded=%v", report.Outcome, report.Degraded)
	}
}

func TestFusionParseFailure(t *testing.T) {
	llm := &fakeLLM{replies: []string{`{"clinical_suspicion":"low"}`, "sorry, I cannot help"}}
	p := New(llm, &fakeVision{reply: normalECG}, testLogger())

	report, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	out := report.Outcome
	if out.RiskLevel != RiskUndetermined || out.SuggestedDiagnosis != fusionFailureDiagnosis {
		t.Errorf("outcome = %+v", out)
	}
	if !reflect.DeepEqual(out.Recommendations, fusionFallbackRecommendations) {
		t.Errorf("recommendations = %q", out.Recommendations)
	}
}

func TestUnknownTierEscalates(t *testing.T) {
	llm := &fakeLLM{replies: []string{
		`{"clinical_suspicion":"medium"}`,
		`{"suggested_diagnosis":"Incomplete data","explanation":"ECG partly cut off"}`,
	}}
	p := New(llm, &fakeVision{reply: normalECG}, testLogger())

	report, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Outcome.RiskLevel != RiskHigh || !report.Degraded {
		t.Errorf("missing tier should escalate to high, got %+v", report.Outcome)
	}
}

func TestCallFailureShortCircuits(t *testing.T) {
	llm := &fakeLLM{failAt: 1}
	p := New(llm, &fakeVision{reply: normalECG}, testLogger())

	report, err := p.Run(context.Background(), baseRequest())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageContext {
		t.Fatalf("err = %v, want context StageError", err)
	}
	if report.Outcome.RiskLevel != RiskUndetermined || !strings.Contains(report.Outcome.Explanation, "connection reset by peer") {
		t.Errorf("outcome = %+v", report.Outcome)
	}
	if len(llm.calls) != 1 {
		t.Errorf("fusion ran after a call failure")
	}
}

func TestVisionCallFailure(t *testing.T) {
	vision := &fakeVision{err: errors.New("dial tcp: no route to host")}
	llm := &fakeLLM{}
	p := New(llm, vision, testLogger())

	_, err := p.Run(context.Background(), baseRequest())
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StagePerception {
		t.Fatalf("err = %v, want perception StageError", err)
	}
	if len(llm.calls) != 0 {
		t.Error("text stages ran after perception call failure")
	}
}

func TestStageTimeout(t *testing.T) {
	llm := &fakeLLM{blockFor: time.Second}
	p := New(llm, &fakeVision{reply: normalECG}, testLogger(), WithStageTimeout(20*time.Millisecond))

	_, err := p.Run(context.Background(), baseRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestEmptyImageRejected(t *testing.T) {
	vision := &fakeVision{reply: normalECG}
	p := New(&fakeLLM{}, vision, testLogger())

	req := baseRequest()
	req.Image = nil
	report, err := p.Run(context.Background(), req)
	if !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("err = %v, want ErrEmptyImage", err)
	}
	if report.Outcome.RiskLevel != RiskUndetermined || vision.calls != 0 {
		t.Errorf("outcome = %+v, vision calls = %d", report.Outcome, vision.calls)
	}
}

func TestEmptyModelReplyIsParseFailure(t *testing.T) {
	p := New(&fakeLLM{}, &fakeVision{reply: ""}, testLogger())

	report, err := p.Run(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("empty reply must not be a call failure: %v", err)
	}
	if report.Outcome.SuggestedDiagnosis != perceptionFailureDiagnosis {
		t.Errorf("outcome = %+v", report.Outcome)
	}
}
