package pipeline

import (
	"context"
	"errors"
	"time"

	"ecg-triage-server/src/core/image"
	"ecg-triage-server/src/core/types"
	"ecg-triage-server/src/core/utils"

	"github.com/sashabaranov/go-openai"
)

// Pipeline 读图 → 临床分级 → 融合，三次调用严格串行
type Pipeline struct {
	llm          types.LLMProvider
	vision       types.VLLMProvider
	logger       *utils.TaggedLogger
	stageTimeout time.Duration
}

// Option 流水线可选项
type Option func(*Pipeline)

// WithStageTimeout 为每个阶段的调用设置超时，0表示不限
func WithStageTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.stageTimeout = d
	}
}

// New 创建流水线。llm负责临床分级和融合，vision负责读图。
func New(llm types.LLMProvider, vision types.VLLMProvider, logger *utils.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		llm:    llm,
		vision: vision,
		logger: logger.WithTag("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run 执行一次完整分析。
// 解析失败在阶段内部转成回退值，不返回error；上游调用失败返回*StageError，
// 此时Report.Outcome为undetermined结构，可直接返回给调用方。
func (p *Pipeline) Run(ctx context.Context, req *AnalysisRequest) (*Report, error) {
	report := &Report{}
	start := time.Now()

	if err := req.Validate(); err != nil {
		report.Outcome = InvalidRequestOutcome(err)
		return report, err
	}

	// 1. 读图
	perception, err := p.perceive(ctx, req)
	if err != nil {
		return p.callFailed(report, StagePerception, err)
	}
	report.Perception = perception
	if !perception.OK {
		report.Degraded = true
		report.Outcome = perceptionFailureOutcome(perception.Diagnostic)
		p.logger.Warn("读图结果无法解析，提前结束", map[string]interface{}{
			"request_id": req.RequestID,
			"diagnostic": perception.Diagnostic,
		})
		return report, nil
	}

	// 2. 临床分级，与读图结果互不依赖
	clinical, err := p.extractContext(ctx, req)
	if err != nil {
		return p.callFailed(report, StageContext, err)
	}
	report.Context = clinical
	if !clinical.OK {
		report.Degraded = true
		p.logger.Warn("临床分级无法解析，按中危继续", map[string]interface{}{
			"request_id": req.RequestID,
			"diagnostic": clinical.Diagnostic,
		})
	}

	// 3. 融合
	fusion, err := p.fuse(ctx, req.RequestID, perception.Payload, clinical.Payload)
	if err != nil {
		return p.callFailed(report, StageFusion, err)
	}
	report.Fusion = fusion
	if !fusion.OK {
		report.Degraded = true
		report.Outcome = fusionFailureOutcome(fusion.Diagnostic)
		return report, nil
	}

	outcome, recognized := outcomeFromFusion(fusion.Payload)
	if !recognized {
		report.Degraded = true
		p.logger.Warn("融合结果等级无法识别，按高危处理", map[string]interface{}{
			"request_id": req.RequestID,
			"risk_level": fusion.Payload["risk_level"],
		})
	}
	report.Outcome = outcome

	p.logger.Info("分析完成", map[string]interface{}{
		"request_id": req.RequestID,
		"risk_level": outcome.RiskLevel,
		"degraded":   report.Degraded,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return report, nil
}

func (p *Pipeline) callFailed(report *Report, stage Stage, err error) (*Report, error) {
	stageErr := &StageError{Stage: stage, Err: err}
	report.Degraded = true
	report.Outcome = CallFailureOutcome(stageErr)
	p.logger.Error("上游调用失败", map[string]interface{}{
		"stage": stage,
		"error": err.Error(),
	})
	return report, stageErr
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.stageTimeout > 0 {
		return context.WithTimeout(ctx, p.stageTimeout)
	}
	return context.WithCancel(ctx)
}

// perceive 阶段一：系统指令 + 图片
func (p *Pipeline) perceive(ctx context.Context, req *AnalysisRequest) (StageResult, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	messages := []types.Message{{Role: openai.ChatMessageRoleSystem, Content: PerceptionPrompt}}
	ch, err := p.vision.ResponseWithImage(ctx, req.RequestID, messages, image.Encode(req.Image), PerceptionUserText)
	if err != nil {
		return StageResult{}, err
	}
	raw, err := collect(ctx, ch)
	if err != nil {
		return StageResult{}, err
	}
	return parseStage(StagePerception, raw, perceptionFallback), nil
}

// extractContext 阶段二：系统指令 + 临床字段模板
func (p *Pipeline) extractContext(ctx context.Context, req *AnalysisRequest) (StageResult, error) {
	raw, err := p.complete(ctx, req.RequestID, ContextPrompt, BuildContextInput(req))
	if err != nil {
		return StageResult{}, err
	}
	return parseStage(StageContext, raw, contextFallback), nil
}

// fuse 阶段三：前两个阶段的JSON + 判定规则
func (p *Pipeline) fuse(ctx context.Context, requestID string, perception, clinical map[string]interface{}) (StageResult, error) {
	input, err := BuildFusionInput(perception, clinical)
	if err != nil {
		return StageResult{}, err
	}
	raw, err := p.complete(ctx, requestID, FusionPrompt, input)
	if err != nil {
		return StageResult{}, err
	}
	return parseStage(StageFusion, raw, nil), nil
}

func (p *Pipeline) complete(ctx context.Context, sessionID, system, user string) (string, error) {
	ctx, cancel := p.stageContext(ctx)
	defer cancel()

	ch, err := p.llm.Response(ctx, sessionID, []types.Message{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	})
	if err != nil {
		return "", err
	}
	return collect(ctx, ch)
}

// parseStage 解析模型输出；失败时带上诊断信息并使用fallback
func parseStage(stage Stage, raw string, fallback func() map[string]interface{}) StageResult {
	payload, err := utils.ParseJSONObject(raw)
	if err == nil {
		return StageResult{Stage: stage, OK: true, Payload: payload, Raw: raw}
	}

	result := StageResult{Stage: stage, Raw: raw, Diagnostic: err.Error()}
	if fallback != nil {
		result.Payload = fallback()
	}
	return result
}

// collect 空回复按解析失败处理，不算调用失败
func collect(ctx context.Context, ch <-chan types.Response) (string, error) {
	raw, err := types.Collect(ctx, ch)
	if errors.Is(err, types.ErrEmptyResponse) {
		return "", nil
	}
	return raw, err
}
