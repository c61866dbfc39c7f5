package configs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server struct {
		IP   string `yaml:"ip"`
		Port int    `yaml:"port"`
		Auth struct {
			Enabled bool   `yaml:"enabled"`
			Secret  string `yaml:"secret"` // HS256签名密钥
		} `yaml:"auth"`
	} `yaml:"server"`

	Log struct {
		LogFormat string `yaml:"log_format"`
		LogLevel  string `yaml:"log_level"`
		LogDir    string `yaml:"log_dir"`
		LogFile   string `yaml:"log_file"`
	} `yaml:"log"`

	Web struct {
		Port          int   `yaml:"port"`
		MaxUploadSize int64 `yaml:"max_upload_size"` // multipart表单内存上限（字节）
	} `yaml:"web"`

	Pipeline PipelineConfig `yaml:"pipeline"`

	ConnectivityCheck ConnectivityCheckConfig `yaml:"connectivity_check"`

	SelectedModule map[string]string `yaml:"selected_module"`

	LLM   map[string]LLMConfig  `yaml:"LLM"`
	VLLLM map[string]VLLMConfig `yaml:"VLLLM"`
}

// PipelineConfig 三阶段推理流水线配置
type PipelineConfig struct {
	// StageTimeout 单个阶段的超时时间，空或"0"表示不设超时
	StageTimeout string `yaml:"stage_timeout"`
	// RecordAnalyses 配置了数据库时是否写入审计记录
	RecordAnalyses bool `yaml:"record_analyses"`
}

// StageTimeoutDuration 解析阶段超时
func (p PipelineConfig) StageTimeoutDuration() (time.Duration, error) {
	if p.StageTimeout == "" || p.StageTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.StageTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid pipeline.stage_timeout %q: %w", p.StageTimeout, err)
	}
	return d, nil
}

// ConnectivityCheckConfig 启动时的模型连通性检查配置
type ConnectivityCheckConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Functional    bool   `yaml:"functional"` // true时发起一次真实调用
	Timeout       string `yaml:"timeout"`
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryDelay    string `yaml:"retry_delay"`
	TestModes     struct {
		LLMTestPrompt  string `yaml:"llm_test_prompt"`
		VLLMTestImage  string `yaml:"vllm_test_image"` // 测试图片路径，为空时生成
		VLLMTestPrompt string `yaml:"vllm_test_prompt"`
	} `yaml:"test_modes"`
}

// LLMConfig LLM配置结构
type LLMConfig struct {
	Type        string                 `yaml:"type"`
	ModelName   string                 `yaml:"model_name"`
	BaseURL     string                 `yaml:"url"`
	APIKey      string                 `yaml:"api_key"`
	Temperature float64                `yaml:"temperature"`
	MaxTokens   int                    `yaml:"max_tokens"`
	TopP        float64                `yaml:"top_p"`
	JSONMode    bool                   `yaml:"json_mode"` // 要求模型返回JSON对象
	Extra       map[string]interface{} `yaml:",inline"`
}

// SecurityConfig 图片安全配置结构
type SecurityConfig struct {
	Enabled        bool     `yaml:"enabled"`         // 是否启用严格校验，默认直接转发
	MaxFileSize    int64    `yaml:"max_file_size"`   // 最大文件大小（字节）
	MaxPixels      int64    `yaml:"max_pixels"`      // 最大像素数量
	MaxWidth       int      `yaml:"max_width"`       // 最大宽度
	MaxHeight      int      `yaml:"max_height"`      // 最大高度
	AllowedFormats []string `yaml:"allowed_formats"` // 允许的图片格式
	EnableDeepScan bool     `yaml:"enable_deep_scan"`
}

// VLLMConfig VLLLM配置结构（视觉语言大模型）
type VLLMConfig struct {
	Type        string                 `yaml:"type"`
	ModelName   string                 `yaml:"model_name"`
	BaseURL     string                 `yaml:"url"`
	APIKey      string                 `yaml:"api_key"`
	Temperature float64                `yaml:"temperature"`
	MaxTokens   int                    `yaml:"max_tokens"`
	TopP        float64                `yaml:"top_p"`
	Security    SecurityConfig         `yaml:"security"`
	Extra       map[string]interface{} `yaml:",inline"`
}

// LoadConfig 从文件加载配置
func LoadConfig() (*Config, string, error) {
	path := ".config.yaml"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, path, err
	}
	return config, path, nil
}

// ParseConfig 解析YAML配置并补全默认值
func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Web.Port == 0 {
		c.Web.Port = 8000
	}
	if c.Web.MaxUploadSize <= 0 {
		c.Web.MaxUploadSize = 10 << 20
	}
	if c.Log.LogLevel == "" {
		c.Log.LogLevel = "info"
	}
	if c.SelectedModule == nil {
		c.SelectedModule = map[string]string{}
	}

	// 未填写api_key时回退到环境变量
	envKey := os.Getenv("OPENAI_API_KEY")
	for name, llm := range c.LLM {
		if llm.APIKey == "" && envKey != "" {
			llm.APIKey = envKey
			c.LLM[name] = llm
		}
	}
	for name, vl := range c.VLLLM {
		if vl.APIKey == "" && envKey != "" {
			vl.APIKey = envKey
		}
		if vl.Security.MaxFileSize <= 0 {
			vl.Security.MaxFileSize = 5 << 20
		}
		if vl.Security.MaxWidth <= 0 {
			vl.Security.MaxWidth = 8192
		}
		if vl.Security.MaxHeight <= 0 {
			vl.Security.MaxHeight = 8192
		}
		if vl.Security.MaxPixels <= 0 {
			vl.Security.MaxPixels = 40_000_000
		}
		if len(vl.Security.AllowedFormats) == 0 {
			vl.Security.AllowedFormats = []string{"jpeg", "jpg", "png", "gif", "webp", "bmp"}
		}
		c.VLLLM[name] = vl
	}
}
