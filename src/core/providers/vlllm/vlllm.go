package vlllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ecg-triage-server/src/configs"
	"ecg-triage-server/src/core/image"
	"ecg-triage-server/src/core/providers/llm"
	"ecg-triage-server/src/core/types"
	"ecg-triage-server/src/core/utils"

	"github.com/sashabaranov/go-openai"
)

// Config VLLLM配置结构
type Config struct {
	Type        string
	ModelName   string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	TopP        float64
	Security    configs.SecurityConfig
	Data        map[string]interface{}
}

// Provider VLLLM提供者，直接处理多模态API
type Provider struct {
	config         *Config
	imageProcessor *image.ImageProcessor
	logger         *utils.Logger

	openaiClient *openai.Client // 用于OpenAI类型
	httpClient   *http.Client   // 用于Ollama原生接口
}

// OllamaRequest Ollama /api/chat 请求结构
type OllamaRequest struct {
	Model    string                 `json:"model"`
	Messages []OllamaMessage        `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// OllamaMessage Ollama消息结构
type OllamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // 纯base64，不带data URL前缀
}

// OllamaResponse Ollama流式响应行
type OllamaResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// NewProvider 创建新的VLLLM提供者
func NewProvider(config *Config, logger *utils.Logger) (*Provider, error) {
	return &Provider{
		config:         config,
		imageProcessor: image.NewImageProcessor(&config.Security, logger),
		logger:         logger,
		httpClient:     &http.Client{},
	}, nil
}

// Initialize 初始化Provider
func (p *Provider) Initialize() error {
	switch strings.ToLower(p.config.Type) {
	case "openai":
		if p.config.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required")
		}
		clientConfig := openai.DefaultConfig(p.config.APIKey)
		if p.config.BaseURL != "" {
			clientConfig.BaseURL = p.config.BaseURL
		}
		p.openaiClient = openai.NewClientWithConfig(clientConfig)

	case "ollama":
		if p.config.BaseURL == "" {
			p.config.BaseURL = "http://localhost:11434"
		}

	default:
		return fmt.Errorf("不支持的VLLLM类型: %s", p.config.Type)
	}

	p.logger.Debug("VLLLM Provider初始化成功", map[string]interface{}{
		"type":       p.config.Type,
		"model_name": p.config.ModelName,
		"base_url":   p.config.BaseURL,
	})
	return nil
}

// Cleanup 清理资源
func (p *Provider) Cleanup() error {
	p.httpClient.CloseIdleConnections()
	p.logger.Info("VLLLM Provider清理完成", p.imageProcessor.GetMetrics())
	return nil
}

// ResponseWithImage 发送 历史消息 + (文本, 图片) 用户消息
func (p *Provider) ResponseWithImage(ctx context.Context, sessionID string, messages []types.Message, imageData types.ImageData, text string) (<-chan types.Response, error) {
	base64Image, err := p.imageProcessor.ProcessImage(ctx, imageData)
	if err != nil {
		return nil, fmt.Errorf("图片处理失败: %w", err)
	}

	p.logger.Debug("开始调用多模态API", map[string]interface{}{
		"session_id": sessionID,
		"type":       p.config.Type,
		"model_name": p.config.ModelName,
		"image_size": len(base64Image),
	})

	switch strings.ToLower(p.config.Type) {
	case "openai":
		if p.openaiClient == nil {
			return nil, fmt.Errorf("OpenAI VLLLM provider not initialized")
		}
		return p.responseWithOpenAIVision(ctx, messages, base64Image, text, imageData.Format), nil
	case "ollama":
		return p.responseWithOllamaVision(ctx, messages, base64Image, text), nil
	default:
		return nil, fmt.Errorf("不支持的VLLLM类型: %s", p.config.Type)
	}
}

// responseWithOpenAIVision 使用OpenAI Vision API，图片以data URI传入
func (p *Provider) responseWithOpenAIVision(ctx context.Context, messages []types.Message, base64Image string, text string, format string) <-chan types.Response {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	for _, msg := range messages {
		chatMessages = append(chatMessages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	chatMessages = append(chatMessages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeText,
				Text: text,
			},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: image.DataURI(format, base64Image),
				},
			},
		},
	})

	return llm.StreamCompletion(ctx, p.openaiClient, openai.ChatCompletionRequest{
		Model:       p.config.ModelName,
		Messages:    chatMessages,
		Temperature: float32(p.config.Temperature),
		TopP:        float32(p.config.TopP),
		MaxTokens:   p.config.MaxTokens,
	})
}

// responseWithOllamaVision 使用Ollama原生 /api/chat 接口
func (p *Provider) responseWithOllamaVision(ctx context.Context, messages []types.Message, base64Image string, text string) <-chan types.Response {
	responseChan := make(chan types.Response, 10)

	go func() {
		defer close(responseChan)

		fail := func(format string, args ...interface{}) {
			err := fmt.Errorf(format, args...)
			p.logger.Error("Ollama Vision调用失败", err.Error())
			select {
			case responseChan <- types.Response{Error: err.Error()}:
			case <-ctx.Done():
			}
		}

		ollamaMessages := make([]OllamaMessage, 0, len(messages)+1)
		for _, msg := range messages {
			ollamaMessages = append(ollamaMessages, OllamaMessage{Role: msg.Role, Content: msg.Content})
		}
		ollamaMessages = append(ollamaMessages, OllamaMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
			Images:  []string{base64Image},
		})

		request := OllamaRequest{
			Model:    p.config.ModelName,
			Messages: ollamaMessages,
			Stream:   true,
			Options: map[string]interface{}{
				"temperature": p.config.Temperature,
				"top_p":       p.config.TopP,
			},
		}
		requestBody, err := json.Marshal(request)
		if err != nil {
			fail("请求序列化失败: %v", err)
			return
		}

		url := fmt.Sprintf("%s/api/chat", strings.TrimSuffix(p.config.BaseURL, "/"))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
		if err != nil {
			fail("创建请求失败: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := p.httpClient.Do(req)
		if err != nil {
			fail("Ollama API调用失败: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			fail("Ollama API返回错误: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return
		}

		filter := &llm.ThinkFilter{}
		decoder := json.NewDecoder(resp.Body)
		for {
			var line OllamaResponse
			if err := decoder.Decode(&line); err != nil {
				if !errors.Is(err, io.EOF) {
					fail("解析Ollama响应失败: %v", err)
					return
				}
				break
			}
			if line.Error != "" {
				fail("Ollama API返回错误: %s", line.Error)
				return
			}
			if content := filter.Push(line.Message.Content); content != "" {
				select {
				case responseChan <- types.Response{Content: content}:
				case <-ctx.Done():
					return
				}
			}
			if line.Done {
				break
			}
		}
		if rest := filter.Flush(); rest != "" {
			select {
			case responseChan <- types.Response{Content: rest}:
			case <-ctx.Done():
			}
		}
		p.logger.Debug("Ollama Vision流式回复完成", map[string]interface{}{
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
	}()

	return responseChan
}

// GetImageMetrics 获取图片处理统计信息
func (p *Provider) GetImageMetrics() image.ImageMetrics {
	return p.imageProcessor.GetMetrics()
}

// GetConfig 获取配置信息
func (p *Provider) GetConfig() *Config {
	return p.config
}
