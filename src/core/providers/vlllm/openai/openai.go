package openai

import (
	"ecg-triage-server/src/core/providers/vlllm"
	"ecg-triage-server/src/core/utils"
)

// NewProvider OpenAI兼容的视觉模型（gpt-4.1、glm-4v等）
func NewProvider(config *vlllm.Config, logger *utils.Logger) (*vlllm.Provider, error) {
	if config.Type == "" {
		config.Type = "openai"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	return vlllm.NewProvider(config, logger)
}

func init() {
	vlllm.Register("openai", NewProvider)
}
