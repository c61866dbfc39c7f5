package ollama

import (
	"ecg-triage-server/src/core/providers/vlllm"
	"ecg-triage-server/src/core/utils"
)

// NewProvider 本地Ollama视觉模型（如qwen2.5vl:7b），走原生/api/chat接口
func NewProvider(config *vlllm.Config, logger *utils.Logger) (*vlllm.Provider, error) {
	if config.Type == "" {
		config.Type = "ollama"
	}
	if config.BaseURL == "" {
		if url, ok := config.Data["base_url"].(string); ok {
			config.BaseURL = url
		}
	}
	return vlllm.NewProvider(config, logger)
}

func init() {
	vlllm.Register("ollama", NewProvider)
}
