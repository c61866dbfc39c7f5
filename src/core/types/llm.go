package types

import (
	"context"
	"errors"
	"strings"
)

// Message 对话消息结构
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response 流式响应片段。Error非空表示上游调用失败，之后不会再有片段。
type Response struct {
	Content    string `json:"content,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ImageData 图片数据结构
type ImageData struct {
	Data   string `json:"data,omitempty"`   // base64编码的图片数据
	Format string `json:"format,omitempty"` // 图片格式：jpeg, png, webp, gif, bmp
}

// Provider 基础提供者接口
type Provider interface {
	Initialize() error
	Cleanup() error
}

// LLMProvider 大语言模型提供者接口
type LLMProvider interface {
	Provider
	Response(ctx context.Context, sessionID string, messages []Message) (<-chan Response, error)
}

// VLLMProvider 视觉语言模型提供者接口
type VLLMProvider interface {
	Provider
	ResponseWithImage(ctx context.Context, sessionID string, messages []Message, imageData ImageData, text string) (<-chan Response, error)
}

// ErrEmptyResponse 模型没有返回任何内容
var ErrEmptyResponse = errors.New("model returned an empty response")

// Collect 读完响应通道，拼接全部内容
func Collect(ctx context.Context, ch <-chan Response) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if strings.TrimSpace(sb.String()) == "" {
					return "", ErrEmptyResponse
				}
				return sb.String(), nil
			}
			if chunk.Error != "" {
				return sb.String(), errors.New(chunk.Error)
			}
			sb.WriteString(chunk.Content)
		}
	}
}
