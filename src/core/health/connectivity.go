package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ecg-triage-server/src/configs"
	"ecg-triage-server/src/core/image"
	"ecg-triage-server/src/core/types"
	"ecg-triage-server/src/core/utils"

	"github.com/sashabaranov/go-openai"
)

// CheckMode 检查模式
type CheckMode int

const (
	// BasicCheck 基础检查，只确认提供者已初始化
	BasicCheck CheckMode = iota
	// FunctionalCheck 功能性检查，执行一次真实的模型调用
	FunctionalCheck
)

func (m CheckMode) String() string {
	if m == FunctionalCheck {
		return "functional"
	}
	return "basic"
}

// CheckResult 检查结果
type CheckResult struct {
	ProviderType string                 `json:"provider_type"`
	Success      bool                   `json:"success"`
	Error        string                 `json:"error,omitempty"`
	Details      map[string]interface{} `json:"details"`
	Duration     time.Duration          `json:"duration"`
	Timestamp    time.Time              `json:"timestamp"`
	CheckMode    CheckMode              `json:"check_mode"`
}

// ConnectivityConfig 连通性检查配置
type ConnectivityConfig struct {
	Enabled       bool
	Mode          CheckMode
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	TestModes     TestModes
}

// TestModes 测试数据配置
type TestModes struct {
	LLMTestPrompt  string
	VLLMTestImage  string
	VLLMTestPrompt string
}

// ConfigFromYAML 从YAML配置创建连通性检查配置
func ConfigFromYAML(yamlConfig *configs.ConnectivityCheckConfig) (*ConnectivityConfig, error) {
	if yamlConfig == nil {
		return DefaultConnectivityConfig(), nil
	}

	cfg := DefaultConnectivityConfig()
	cfg.Enabled = yamlConfig.Enabled
	if yamlConfig.Functional {
		cfg.Mode = FunctionalCheck
	}
	if yamlConfig.Timeout != "" {
		t, err := time.ParseDuration(yamlConfig.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid connectivity_check.timeout %q: %w", yamlConfig.Timeout, err)
		}
		cfg.Timeout = t
	}
	if yamlConfig.RetryDelay != "" {
		t, err := time.ParseDuration(yamlConfig.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid connectivity_check.retry_delay %q: %w", yamlConfig.RetryDelay, err)
		}
		cfg.RetryDelay = t
	}
	if yamlConfig.RetryAttempts > 0 {
		cfg.RetryAttempts = yamlConfig.RetryAttempts
	}
	cfg.TestModes = TestModes{
		LLMTestPrompt:  yamlConfig.TestModes.LLMTestPrompt,
		VLLMTestImage:  yamlConfig.TestModes.VLLMTestImage,
		VLLMTestPrompt: yamlConfig.TestModes.VLLMTestPrompt,
	}
	return cfg, nil
}

// DefaultConnectivityConfig 默认连通性检查配置
func DefaultConnectivityConfig() *ConnectivityConfig {
	return &ConnectivityConfig{
		Enabled:       false,
		Mode:          BasicCheck,
		Timeout:       30 * time.Second,
		RetryAttempts: 1,
		RetryDelay:    5 * time.Second,
	}
}

// HealthChecker 启动时检查文本模型和视觉模型是否可用
type HealthChecker struct {
	connConfig    *ConnectivityConfig
	logger        *utils.TaggedLogger
	testGenerator *TestDataGenerator
	results       map[string]*CheckResult
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(connConfig *ConnectivityConfig, logger *utils.Logger) *HealthChecker {
	if connConfig == nil {
		connConfig = DefaultConnectivityConfig()
	}
	return &HealthChecker{
		connConfig:    connConfig,
		logger:        logger.WithTag("health"),
		testGenerator: NewTestDataGenerator(connConfig.TestModes),
		results:       make(map[string]*CheckResult),
	}
}

// CheckAllProviders 检查流水线用到的两个提供者，任一失败都返回错误
func (hc *HealthChecker) CheckAllProviders(ctx context.Context, textModel types.LLMProvider, visionModel types.VLLMProvider) error {
	if !hc.connConfig.Enabled {
		hc.logger.Info("连通性检查已禁用，跳过检查")
		return nil
	}

	mode := hc.connConfig.Mode
	hc.logger.Info(fmt.Sprintf("开始执行%s检查", mode))

	var errs []error
	if err := hc.check(ctx, "LLM", mode, textModel != nil, func(ctx context.Context) (string, error) {
		return hc.probeLLM(ctx, textModel)
	}); err != nil {
		errs = append(errs, fmt.Errorf("LLM: %w", err))
	}
	if err := hc.check(ctx, "VLLLM", mode, visionModel != nil, func(ctx context.Context) (string, error) {
		return hc.probeVLLM(ctx, visionModel)
	}); err != nil {
		errs = append(errs, fmt.Errorf("VLLLM: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s检查失败: %w", mode, errors.Join(errs...))
	}
	hc.logger.Info(fmt.Sprintf("所有模型%s检查通过", mode))
	return nil
}

func (hc *HealthChecker) check(ctx context.Context, providerType string, mode CheckMode, present bool, probe func(context.Context) (string, error)) error {
	start := time.Now()
	result := &CheckResult{
		ProviderType: providerType,
		Timestamp:    start,
		CheckMode:    mode,
		Details:      make(map[string]interface{}),
	}
	defer func() {
		result.Duration = time.Since(start)
		hc.results[providerType] = result
	}()

	if !present {
		result.Error = "provider not configured"
		return errors.New(result.Error)
	}

	if mode == FunctionalCheck {
		reply, err := hc.withRetry(ctx, probe)
		if err != nil {
			result.Error = err.Error()
			return err
		}
		result.Details["functional_test"] = "passed"
		result.Details["test_response_length"] = len(reply)
	}

	result.Success = true
	hc.logger.Info(fmt.Sprintf("%s %s检查通过", providerType, mode))
	return nil
}

func (hc *HealthChecker) probeLLM(ctx context.Context, textModel types.LLMProvider) (string, error) {
	ch, err := textModel.Response(ctx, "health_check", []types.Message{
		{Role: openai.ChatMessageRoleUser, Content: hc.testGenerator.GetTestPrompt()},
	})
	if err != nil {
		return "", err
	}
	return types.Collect(ctx, ch)
}

func (hc *HealthChecker) probeVLLM(ctx context.Context, visionModel types.VLLMProvider) (string, error) {
	data, err := hc.testGenerator.GetTestImageData()
	if err != nil {
		return "", fmt.Errorf("获取测试图片失败: %w", err)
	}
	ch, err := visionModel.ResponseWithImage(ctx, "health_check", nil, image.Encode(data), hc.testGenerator.GetTestImagePrompt())
	if err != nil {
		return "", err
	}
	return types.Collect(ctx, ch)
}

// withRetry 启动阶段模型可能尚未就绪（如本地Ollama加载模型），按配置重试
func (hc *HealthChecker) withRetry(ctx context.Context, probe func(context.Context) (string, error)) (string, error) {
	var lastErr error
	attempts := hc.connConfig.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			hc.logger.Info(fmt.Sprintf("连接重试 %d/%d", attempt+1, attempts))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(hc.connConfig.RetryDelay):
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, hc.connConfig.Timeout)
		reply, err := probe(probeCtx)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err
		hc.logger.Warn(fmt.Sprintf("连接尝试 %d/%d 失败", attempt+1, attempts), map[string]interface{}{
			"error": err.Error(),
		})
	}
	return "", fmt.Errorf("重试 %d 次后仍然失败: %w", attempts, lastErr)
}

// GetResults 获取所有检查结果
func (hc *HealthChecker) GetResults() map[string]*CheckResult {
	return hc.results
}

// PrintReport 打印检查报告
func (hc *HealthChecker) PrintReport() {
	names := make([]string, 0, len(hc.results))
	for name := range hc.results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result := hc.results[name]
		fields := map[string]interface{}{
			"mode":     result.CheckMode.String(),
			"success":  result.Success,
			"duration": result.Duration.String(),
		}
		for k, v := range result.Details {
			fields[k] = v
		}
		if result.Success {
			hc.logger.Info(name+" 连通性检查结果", fields)
		} else {
			fields["error"] = result.Error
			hc.logger.Error(name+" 连通性检查结果", fields)
		}
	}
}
