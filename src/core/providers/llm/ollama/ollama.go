package ollama

import (
	"context"
	"fmt"
	"strings"

	"ecg-triage-server/src/core/providers/llm"
	"ecg-triage-server/src/core/types"

	"github.com/sashabaranov/go-openai"
)

// Provider Ollama LLM提供者，走Ollama的OpenAI兼容接口
type Provider struct {
	*llm.BaseProvider
	client  *openai.Client
	isQwen3 bool
}

// 注册提供者
func init() {
	llm.Register("ollama", NewProvider)
}

// NewProvider 创建Ollama提供者
func NewProvider(config *llm.Config) (llm.Provider, error) {
	provider := &Provider{
		BaseProvider: llm.NewBaseProvider(config),
		isQwen3:      strings.HasPrefix(strings.ToLower(config.ModelName), "qwen3"),
	}
	return provider, nil
}

// Initialize 初始化提供者
func (p *Provider) Initialize() error {
	config := p.Config()
	baseURL := config.BaseURL
	if baseURL == "" {
		if url, ok := config.Extra["base_url"].(string); ok {
			baseURL = url
		}
	}
	if baseURL == "" {
		return fmt.Errorf("缺少Ollama基础URL配置")
	}

	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL = baseURL + "/v1"
	}

	// Ollama不校验API key，但openai客户端需要一个值
	clientConfig := openai.DefaultConfig("ollama")
	clientConfig.BaseURL = baseURL

	p.client = openai.NewClientWithConfig(clientConfig)
	return nil
}

// Response types.LLMProvider接口实现
func (p *Provider) Response(ctx context.Context, sessionID string, messages []types.Message) (<-chan types.Response, error) {
	if p.client == nil {
		return nil, fmt.Errorf("Ollama provider not initialized")
	}

	if p.isQwen3 {
		messages = addNoThinkDirective(messages)
	}

	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	return llm.StreamCompletion(ctx, p.client, p.ChatRequest(chatMessages)), nil
}

// addNoThinkDirective 在最后一条用户消息前加/no_think，关闭qwen3的推理输出
func addNoThinkDirective(messages []types.Message) []types.Message {
	messagesCopy := make([]types.Message, len(messages))
	copy(messagesCopy, messages)

	for i := len(messagesCopy) - 1; i >= 0; i-- {
		if messagesCopy[i].Role == openai.ChatMessageRoleUser {
			messagesCopy[i].Content = "/no_think " + messagesCopy[i].Content
			break
		}
	}
	return messagesCopy
}
